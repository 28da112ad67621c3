package fileops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestChangeExtension covers the sidecar path derivation.
func TestChangeExtension(t *testing.T) {
	cases := []struct {
		path string
		ext  string
		want string
	}{
		{"/media/photo.png", ".txt", "/media/photo.txt"},
		{"/media/clip.mp4", ".txt", "/media/clip.txt"},
		{"/media/archive.tar.gz", ".txt", "/media/archive.tar.txt"},
		{"/media/noext", ".txt", "/media/noext.txt"},
	}
	for _, tc := range cases {
		if got := ChangeExtension(tc.path, tc.ext); got != tc.want {
			t.Errorf("ChangeExtension(%q, %q) = %q, want %q", tc.path, tc.ext, got, tc.want)
		}
	}
}

// TestHasExt checks case-insensitive matching with and without dots in the
// configured list.
func TestHasExt(t *testing.T) {
	exts := []string{".png", "jpg", " .WEBP "}
	cases := []struct {
		path string
		want bool
	}{
		{"/a/photo.png", true},
		{"/a/PHOTO.PNG", true},
		{"/a/pic.jpg", true},
		{"/a/pic.webp", true},
		{"/a/notes.txt", false},
		{"/a/noext", false},
	}
	for _, tc := range cases {
		if got := HasExt(tc.path, exts); got != tc.want {
			t.Errorf("HasExt(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// TestAtomicWriteFile verifies content lands under the final name with no
// temp files left behind.
func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caption.txt")

	if err := AtomicWriteFile(path, []byte("a red bicycle\n"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "a red bicycle\n" {
		t.Fatalf("content = %q", got)
	}

	// Overwrite must replace, not append.
	if err := AtomicWriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "v2" {
		t.Fatalf("content after overwrite = %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

// TestAtomicWriteFileMissingDir surfaces the error instead of creating
// directories implicitly.
func TestAtomicWriteFileMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "caption.txt")
	if err := AtomicWriteFile(path, []byte("x"), 0o644); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}
