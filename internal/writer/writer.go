package writer

import (
	"errors"
	"fmt"

	"github.com/snapcap/internal/client/ollama"
	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/fileops"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/pkg/logger"
)

// ErrWrite marks a filesystem failure while persisting a caption. The job
// fails but the run continues.
var ErrWrite = errors.New("result write failed")

// Writer persists caption sidecar artifacts and records completion in the
// job store.
type Writer struct {
	cfg   config.CaptionConfig
	video config.VideoConfig
	store *store.Store
}

// New creates a result writer.
func New(cfg config.CaptionConfig, video config.VideoConfig, st *store.Store) *Writer {
	return &Writer{cfg: cfg, video: video, store: st}
}

// SidecarPath derives the caption artifact path for a source item: same
// base name, caption extension.
func (w *Writer) SidecarPath(sourcePath string) string {
	return fileops.ChangeExtension(sourcePath, fileops.NormalizeExt(w.cfg.Extension))
}

// FrameSidecarPath derives the artifact path for one sampled frame of a
// video under the per_frame policy.
func (w *Writer) FrameSidecarPath(sourcePath string, frame int) string {
	ext := fileops.NormalizeExt(w.cfg.Extension)
	return fileops.ChangeExtension(sourcePath, fmt.Sprintf(".frame-%d%s", frame+1, ext))
}

// Write persists one artifact per caption result and marks the job done.
// Videos under the per_frame policy get numbered frame sidecars even when
// only a single frame survived extraction; everything else goes to the
// plain sidecar path. Files land via write-to-temp-then-rename, so a crash
// never exposes a half-written caption as the final artifact.
func (w *Writer) Write(job *store.Job, results []ollama.CaptionResult, attempts int) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("%w: no caption results for %s", ErrWrite, job.SourcePath)
	}

	perFrame := job.Kind == store.KindVideo && w.video.Policy == config.FramePolicyPerFrame

	var primary string
	for i, res := range results {
		path := w.SidecarPath(job.SourcePath)
		if perFrame {
			path = w.FrameSidecarPath(job.SourcePath, i)
		}
		if i == 0 {
			primary = path
		}

		if err := fileops.AtomicWriteFile(path, []byte(res.Text), 0644); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
		}
		logger.Debugf("📝 Wrote caption: %s", path)
	}

	err := w.store.Complete(job.ID, store.Result{
		Path:          primary,
		Model:         results[0].Model,
		PromptVersion: w.cfg.PromptVersion,
		Attempts:      attempts,
	})
	if err != nil {
		return "", err
	}
	return primary, nil
}
