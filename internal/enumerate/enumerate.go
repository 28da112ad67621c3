package enumerate

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/snapcap/internal/fileops"
	"github.com/snapcap/internal/store"
)

// ErrDiscovery marks failures that happen before any work can start: an
// unreadable root directory or queue file.
var ErrDiscovery = errors.New("discovery failed")

// ErrInvalidQueueFormat marks a queue file line that cannot be parsed.
var ErrInvalidQueueFormat = errors.New("invalid queue file format")

// Options selects which extensions are enumerated and how.
type Options struct {
	ImageExts []string
	VideoExts []string
}

func (o Options) kindOf(path string) (store.Kind, bool) {
	if fileops.HasExt(path, o.ImageExts) {
		return store.KindImage, true
	}
	if fileops.HasExt(path, o.VideoExts) {
		return store.KindVideo, true
	}
	return "", false
}

// ScanDir walks root and returns jobs for every file carrying an accepted
// extension, in deterministic lexical order. Files with other extensions
// are never enumerated.
func ScanDir(root string, opts Options) ([]store.Job, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDiscovery, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", ErrDiscovery, root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := opts.kindOf(path); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %v", ErrDiscovery, root, err)
	}
	sort.Strings(paths)

	jobs := make([]store.Job, 0, len(paths))
	for _, p := range paths {
		kind, _ := opts.kindOf(p)
		jobs = append(jobs, store.NewJob(p, kind))
	}
	return jobs, nil
}

// ParseQueueFile reads an explicit ordered job list: one source path per
// line, blank lines and '#' comments skipped. A line may carry a prior
// state annotation after a tab ("path<TAB>done"). An in_progress annotation
// is treated as pending, since the item was interrupted, not completed.
func ParseQueueFile(path string, opts Options) ([]store.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open queue file %s: %v", ErrDiscovery, path, err)
	}
	defer f.Close()

	var jobs []store.Job
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		job, err := parseLine(line, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidQueueFormat, lineNo, err)
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read queue file %s: %v", ErrDiscovery, path, err)
	}
	return jobs, nil
}

func parseLine(line string, opts Options) (store.Job, error) {
	src := line
	annotation := ""
	if i := strings.IndexByte(line, '\t'); i >= 0 {
		src = strings.TrimSpace(line[:i])
		annotation = strings.TrimSpace(line[i+1:])
	}
	if src == "" {
		return store.Job{}, fmt.Errorf("empty source path")
	}

	kind, ok := opts.kindOf(src)
	if !ok {
		return store.Job{}, fmt.Errorf("unsupported media extension: %s", src)
	}

	job := store.NewJob(src, kind)
	if annotation != "" {
		state, err := parseState(annotation)
		if err != nil {
			return store.Job{}, err
		}
		job.State = state
	}
	return job, nil
}

func parseState(s string) (store.State, error) {
	switch store.State(strings.ToLower(s)) {
	case store.StatePending, store.StateInProgress:
		return store.StatePending, nil
	case store.StateDone:
		return store.StateDone, nil
	case store.StateFailed:
		return store.StateFailed, nil
	default:
		return "", fmt.Errorf("unknown state annotation %q", s)
	}
}
