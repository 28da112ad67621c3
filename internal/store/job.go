package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State represents the lifecycle position of a job.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Kind classifies the source media of a job.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Job is one unit of captioning work tied to a source media item.
type Job struct {
	ID            string     `json:"id"`
	SourcePath    string     `json:"source_path"`
	Kind          Kind       `json:"kind"`
	State         State      `json:"state"`
	Position      int        `json:"position"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	ResultPath    string     `json:"result_path,omitempty"`
	Model         string     `json:"model,omitempty"`
	PromptVersion string     `json:"prompt_version,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Result carries the outcome of a successful caption attempt.
type Result struct {
	Path          string
	Model         string
	PromptVersion string
	Attempts      int
}

// Stats summarizes queue composition by state.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// NewJob creates a pending job for the given source item. The ID is derived
// from the source path, so re-scanning the same tree yields the same IDs.
func NewJob(sourcePath string, kind Kind) Job {
	return Job{
		ID:         JobID(sourcePath),
		SourcePath: sourcePath,
		Kind:       kind,
		State:      StatePending,
	}
}

// JobID derives the stable identifier for a source path.
func JobID(sourcePath string) string {
	sum := sha256.Sum256([]byte(sourcePath))
	return hex.EncodeToString(sum[:])[:16]
}
