package writer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapcap/internal/client/ollama"
	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(false)
	os.Exit(m.Run())
}

func newTestWriter(t *testing.T, policy config.FramePolicy) (*Writer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.CaptionConfig{Extension: ".txt", PromptVersion: "v1"}
	video := config.VideoConfig{FrameCount: 2, Policy: policy}
	return New(cfg, video, st), st
}

func claimJob(t *testing.T, st *store.Store, sourcePath string, kind store.Kind) *store.Job {
	t.Helper()
	if _, err := st.Populate([]store.Job{store.NewJob(sourcePath, kind)}); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	job, err := st.ClaimNext()
	if err != nil || job == nil {
		t.Fatalf("ClaimNext() = %v, %v", job, err)
	}
	return job
}

// TestSidecarPath checks artifact naming next to the source item.
func TestSidecarPath(t *testing.T) {
	w, _ := newTestWriter(t, config.FramePolicyBatched)
	if got := w.SidecarPath("/media/photo.png"); got != "/media/photo.txt" {
		t.Errorf("SidecarPath = %q, want /media/photo.txt", got)
	}
	if got := w.FrameSidecarPath("/media/clip.mp4", 0); got != "/media/clip.frame-1.txt" {
		t.Errorf("FrameSidecarPath = %q, want /media/clip.frame-1.txt", got)
	}
	if got := w.FrameSidecarPath("/media/clip.mp4", 2); got != "/media/clip.frame-3.txt" {
		t.Errorf("FrameSidecarPath = %q, want /media/clip.frame-3.txt", got)
	}
}

// TestWriteSingleResult round-trips one caption to its sidecar and marks
// the job done with full attribution.
func TestWriteSingleResult(t *testing.T) {
	w, st := newTestWriter(t, config.FramePolicyBatched)
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	job := claimJob(t, st, src, store.KindImage)

	results := []ollama.CaptionResult{{Text: "A dog on a beach.", Model: "llava"}}
	primary, err := w.Write(job, results, 2)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if primary != filepath.Join(dir, "photo.txt") {
		t.Errorf("primary = %q", primary)
	}

	data, err := os.ReadFile(primary)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(data) != "A dog on a beach." {
		t.Errorf("sidecar content = %q", data)
	}

	got, err := st.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != store.StateDone || got.ResultPath != primary ||
		got.Model != "llava" || got.PromptVersion != "v1" || got.Attempts != 2 {
		t.Errorf("job after write = %+v", got)
	}
}

// TestWritePerFrameResults emits one numbered sidecar per frame and records
// the first as the primary artifact.
func TestWritePerFrameResults(t *testing.T) {
	w, st := newTestWriter(t, config.FramePolicyPerFrame)
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	job := claimJob(t, st, src, store.KindVideo)

	results := []ollama.CaptionResult{
		{Text: "frame one", Model: "llava"},
		{Text: "frame two", Model: "llava"},
	}
	primary, err := w.Write(job, results, 1)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if primary != filepath.Join(dir, "clip.frame-1.txt") {
		t.Errorf("primary = %q", primary)
	}

	for i, want := range []string{"frame one", "frame two"} {
		path := filepath.Join(dir, "clip.frame-"+string(rune('1'+i))+".txt")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

// TestWritePerFrameSingleResult keeps frame naming when only one frame
// survived extraction, so the artifact matches what the skip-existing check
// looks for.
func TestWritePerFrameSingleResult(t *testing.T) {
	w, st := newTestWriter(t, config.FramePolicyPerFrame)
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.mp4")
	job := claimJob(t, st, src, store.KindVideo)

	primary, err := w.Write(job, []ollama.CaptionResult{{Text: "only frame", Model: "llava"}}, 1)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if primary != filepath.Join(dir, "clip.frame-1.txt") {
		t.Errorf("primary = %q, want clip.frame-1.txt", primary)
	}
	if _, err := os.Stat(filepath.Join(dir, "clip.txt")); !os.IsNotExist(err) {
		t.Error("plain sidecar must not be written under per_frame policy")
	}
}

// TestWriteFailure surfaces an unwritable destination as ErrWrite and
// leaves the job unfinished.
func TestWriteFailure(t *testing.T) {
	w, st := newTestWriter(t, config.FramePolicyBatched)
	src := filepath.Join(t.TempDir(), "gone", "photo.png")
	job := claimJob(t, st, src, store.KindImage)

	_, err := w.Write(job, []ollama.CaptionResult{{Text: "x", Model: "llava"}}, 1)
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("error = %v, want ErrWrite", err)
	}

	got, _ := st.Get(job.ID)
	if got.State == store.StateDone {
		t.Error("job must not be done after a write failure")
	}
}

// TestWriteNoResults rejects an empty result set.
func TestWriteNoResults(t *testing.T) {
	w, st := newTestWriter(t, config.FramePolicyBatched)
	job := claimJob(t, st, filepath.Join(t.TempDir(), "a.png"), store.KindImage)
	if _, err := w.Write(job, nil, 1); !errors.Is(err, ErrWrite) {
		t.Fatalf("error = %v, want ErrWrite", err)
	}
}
