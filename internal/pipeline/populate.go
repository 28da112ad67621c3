package pipeline

import (
	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/enumerate"
	"github.com/snapcap/internal/fileops"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/pkg/logger"
)

// SidecarLocator derives artifact paths for the skip-existing check.
type SidecarLocator interface {
	SidecarPath(sourcePath string) string
	FrameSidecarPath(sourcePath string, frame int) string
}

// PopulateFromDir scans a directory and loads the discovered items into the
// store. Returns how many jobs were newly added.
func PopulateFromDir(st *store.Store, cfg *config.Config, loc SidecarLocator, root string) (int, error) {
	jobs, err := enumerate.ScanDir(root, enumerateOptions(cfg))
	if err != nil {
		return 0, err
	}
	return populate(st, cfg, loc, jobs)
}

// PopulateFromQueueFile loads an explicit ordered job list into the store.
func PopulateFromQueueFile(st *store.Store, cfg *config.Config, loc SidecarLocator, path string) (int, error) {
	jobs, err := enumerate.ParseQueueFile(path, enumerateOptions(cfg))
	if err != nil {
		return 0, err
	}
	return populate(st, cfg, loc, jobs)
}

func enumerateOptions(cfg *config.Config) enumerate.Options {
	return enumerate.Options{
		ImageExts: cfg.Media.ImageExts,
		VideoExts: cfg.Media.VideoExts,
	}
}

// populate applies the skip-existing rule before inserting: unless
// overwrite is set, an item whose sidecar already exists on disk enters the
// queue as done so it is never re-captioned.
func populate(st *store.Store, cfg *config.Config, loc SidecarLocator, jobs []store.Job) (int, error) {
	if !cfg.Caption.Overwrite {
		for i := range jobs {
			if jobs[i].State != store.StatePending && jobs[i].State != "" {
				continue
			}
			if sidecar, ok := existingSidecar(cfg, loc, jobs[i]); ok {
				jobs[i].State = store.StateDone
				jobs[i].ResultPath = sidecar
				logger.Debugf("⏭️  Sidecar exists, skipping: %s", jobs[i].SourcePath)
			}
		}
	}

	added, err := st.Populate(jobs)
	if err != nil {
		return 0, err
	}
	logger.Infof("📥 Enumerated %d item(s), %d new", len(jobs), added)
	return added, nil
}

func existingSidecar(cfg *config.Config, loc SidecarLocator, job store.Job) (string, bool) {
	path := loc.SidecarPath(job.SourcePath)
	if job.Kind == store.KindVideo && cfg.Video.Policy == config.FramePolicyPerFrame {
		path = loc.FrameSidecarPath(job.SourcePath, 0)
	}
	if fileops.Exists(path) {
		return path, true
	}
	return "", false
}
