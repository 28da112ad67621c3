package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapcap/internal/client/ollama"
	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/frames"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/internal/writer"
	"github.com/snapcap/pkg/logger"
)

// RunState is the lifecycle state of one captioning run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
	RunFailed    RunState = "failed"
)

// ErrRunInProgress is returned when starting a run while one is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// ErrPreflight marks an endpoint unreachable before any job was processed.
var ErrPreflight = errors.New("preflight check failed")

// Progress is delivered to the upstream layer on each job completion.
type Progress struct {
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Current   string `json:"current"`
}

// ProgressFunc receives progress ticks. Called from worker goroutines;
// implementations must be safe for concurrent use.
type ProgressFunc func(Progress)

// Captioner is the model client contract the workers call. Kept as an
// interface so tests can swap in a fake.
type Captioner interface {
	Caption(ctx context.Context, payloads [][]byte, prompt string) (ollama.CaptionResult, error)
	Health(ctx context.Context) error
}

// FrameExtractor samples frames from a video item.
type FrameExtractor interface {
	Extract(ctx context.Context, videoPath string) ([][]byte, error)
}

// ResultWriter persists caption artifacts and records completion.
type ResultWriter interface {
	Write(job *store.Job, results []ollama.CaptionResult, attempts int) (string, error)
}

// Controller orchestrates a bounded pool of workers over the shared job
// store. The store is the only mutable shared state; workers never touch
// each other's claimed jobs.
type Controller struct {
	cfg        *config.Config
	store      *store.Store
	captioner  Captioner
	extractor  FrameExtractor
	writer     ResultWriter
	onProgress ProgressFunc

	mu        sync.Mutex
	state     RunState
	paused    bool
	runID     string
	cancel    context.CancelFunc
	done      chan struct{}
	fatal     error
	completed int
	failed    int
	total     int
	current   string
}

// New creates a controller. onProgress may be nil.
func New(cfg *config.Config, st *store.Store, cap Captioner, ext FrameExtractor, w ResultWriter, onProgress ProgressFunc) *Controller {
	return &Controller{
		cfg:        cfg,
		store:      st,
		captioner:  cap,
		extractor:  ext,
		writer:     w,
		onProgress: onProgress,
		state:      RunIdle,
	}
}

// Start runs the preflight check and launches the worker pool. It returns
// once the pool is running; use Wait to block until the run finishes. The
// transition to Running happens atomically with the in-progress check, so
// concurrent callers cannot both claim the controller.
func (c *Controller) Start(parent context.Context) error {
	ctx, cancelRun := context.WithCancel(parent)

	c.mu.Lock()
	if c.state == RunRunning {
		c.mu.Unlock()
		cancelRun()
		return ErrRunInProgress
	}
	c.state = RunRunning
	c.paused = false
	c.runID = uuid.New().String()[:8]
	c.cancel = cancelRun
	c.done = make(chan struct{})
	c.fatal = nil
	c.completed = 0
	c.failed = 0
	c.total = 0
	c.current = ""
	runID := c.runID
	c.mu.Unlock()

	preflightCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := c.captioner.Health(preflightCtx)
	cancel()
	if err != nil {
		c.failStart(err)
		return fmt.Errorf("%w: %v", ErrPreflight, err)
	}

	stats, err := c.store.Stats()
	if err != nil {
		c.failStart(err)
		return err
	}

	c.mu.Lock()
	c.completed = stats.Done
	c.failed = stats.Failed
	c.total = stats.Total
	c.mu.Unlock()

	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("🚀 Run %s started: %d job(s), %d pending, concurrency %d",
		runID, stats.Total, stats.Pending, c.cfg.Pipeline.Concurrency)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	go c.run(ctx)
	return nil
}

// failStart rolls a claimed controller back to a terminal Failed state when
// the run dies before the worker pool launched. The done channel still
// closes so Wait returns.
func (c *Controller) failStart(err error) {
	c.mu.Lock()
	c.state = RunFailed
	c.fatal = err
	c.cancel()
	close(c.done)
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context) {
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Pipeline.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	switch {
	case c.fatal != nil:
		c.state = RunFailed
	case ctx.Err() != nil:
		c.state = RunCancelled
	default:
		c.state = RunCompleted
	}
	final := c.state
	fatal := c.fatal
	runID := c.runID
	c.cancel()
	close(c.done)
	c.mu.Unlock()

	elapsed := time.Since(start).Round(time.Second)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	switch final {
	case RunCompleted:
		logger.Infof("✅ Run %s completed in %v", runID, elapsed)
	case RunCancelled:
		logger.Infof("🛑 Run %s cancelled after %v", runID, elapsed)
	case RunFailed:
		logger.Errorf("❌ Run %s failed after %v: %v", runID, elapsed, fatal)
	}
	c.logSummary()
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// logSummary enumerates failed jobs with their last error for manual
// inspection or re-queue.
func (c *Controller) logSummary() {
	stats, err := c.store.Stats()
	if err != nil {
		logger.Warnf("⚠️ Could not read queue stats: %v", err)
		return
	}
	logger.Infof("📊 Queue: %d done, %d failed, %d pending (of %d)",
		stats.Done, stats.Failed, stats.Pending, stats.Total)

	if stats.Failed == 0 {
		return
	}
	failedJobs, err := c.store.ListByState(store.StateFailed)
	if err != nil {
		logger.Warnf("⚠️ Could not list failed jobs: %v", err)
		return
	}
	logger.Warnf("⚠️ Failed jobs:")
	for _, job := range failedJobs {
		logger.Warnf("   %s — %s", job.SourcePath, job.LastError)
	}
}

// worker claims and processes jobs until the queue drains or the run is
// cancelled. Cancellation is checked between claims only; an in-flight
// model call is bounded by its own timeout.
func (c *Controller) worker(ctx context.Context, id int) {
	for {
		if err := c.waitResume(ctx); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		job, err := c.store.ClaimNext()
		if err != nil {
			// The store itself is failing; no further state can be
			// durably tracked, so the run must stop.
			c.setFatal(fmt.Errorf("claim next job: %w", err))
			return
		}
		if job == nil {
			return
		}

		logger.Debugf("worker %d claimed %s (%s)", id, job.ID, job.SourcePath)
		c.process(ctx, job)
	}
}

// waitResume blocks while the run is paused.
func (c *Controller) waitResume(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Controller) process(ctx context.Context, job *store.Job) {
	c.setCurrent(job.SourcePath)

	payloads, err := c.loadPayloads(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			c.releaseJob(job)
			return
		}
		c.failJob(job, err, 1)
		return
	}

	perFrame := job.Kind == store.KindVideo && c.cfg.Video.Policy == config.FramePolicyPerFrame

	var results []ollama.CaptionResult
	var attempts int
	if perFrame {
		results, attempts, err = c.captionPerFrame(ctx, job, payloads)
	} else {
		var res ollama.CaptionResult
		res, attempts, err = c.captionWithRetry(ctx, job, payloads)
		results = []ollama.CaptionResult{res}
	}
	if err != nil {
		if ctx.Err() != nil && !isTerminal(err) {
			c.releaseJob(job)
			return
		}
		c.failJob(job, err, attempts)
		return
	}

	if _, err := c.writer.Write(job, results, attempts); err != nil {
		if errors.Is(err, writer.ErrWrite) {
			c.failJob(job, err, attempts)
			return
		}
		// Completion could not be recorded durably.
		c.setFatal(fmt.Errorf("record completion of %s: %w", job.ID, err))
		return
	}

	c.mu.Lock()
	c.completed++
	p := c.snapshotLocked(job.SourcePath)
	c.mu.Unlock()

	logger.Infof("✅ Captioned: %s (attempt %d)", job.SourcePath, attempts)
	c.tick(p)
}

// loadPayloads reads the image bytes, or samples frames for a video.
func (c *Controller) loadPayloads(ctx context.Context, job *store.Job) ([][]byte, error) {
	if job.Kind == store.KindVideo {
		return c.extractor.Extract(ctx, job.SourcePath)
	}
	data, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", job.SourcePath, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", frames.ErrEmptyMedia, job.SourcePath)
	}
	return [][]byte{data}, nil
}

// captionPerFrame captions each sampled frame independently. The first
// terminal failure fails the whole job.
func (c *Controller) captionPerFrame(ctx context.Context, job *store.Job, payloads [][]byte) ([]ollama.CaptionResult, int, error) {
	results := make([]ollama.CaptionResult, 0, len(payloads))
	totalAttempts := 0
	for _, payload := range payloads {
		res, attempts, err := c.captionWithRetry(ctx, job, [][]byte{payload})
		totalAttempts += attempts
		if err != nil {
			return nil, totalAttempts, err
		}
		results = append(results, res)
	}
	return results, totalAttempts, nil
}

// captionWithRetry applies the retry policy around a single caption
// request: connection and timeout errors retry up to the budget with
// backoff, a malformed response retries once, model-not-found never
// retries. Returns the number of attempts made.
func (c *Controller) captionWithRetry(ctx context.Context, job *store.Job, payloads [][]byte) (ollama.CaptionResult, int, error) {
	prompt := c.buildPrompt(job.Kind)
	maxAttempts := c.cfg.Pipeline.MaxRetries + 1
	malformedRetried := false

	for attempt := 1; ; attempt++ {
		res, err := c.captioner.Caption(ctx, payloads, prompt)
		if err == nil {
			return res, attempt, nil
		}

		switch {
		case errors.Is(err, ollama.ErrModelNotFound):
			return ollama.CaptionResult{}, attempt, err
		case errors.Is(err, ollama.ErrMalformedResponse):
			// The single malformed retry is granted even when the general
			// budget is exhausted.
			if malformedRetried {
				return ollama.CaptionResult{}, attempt, err
			}
			malformedRetried = true
		case errors.Is(err, ollama.ErrTimeout), errors.Is(err, ollama.ErrConnection):
			if attempt >= maxAttempts {
				return ollama.CaptionResult{}, attempt, err
			}
		default:
			return ollama.CaptionResult{}, attempt, err
		}

		delay := c.backoff(attempt)
		logger.Warnf("⚠️ Attempt %d/%d failed for %s: %v (retrying in %v)",
			attempt, maxAttempts, job.SourcePath, err, delay)

		select {
		case <-ctx.Done():
			return ollama.CaptionResult{}, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Controller) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.Pipeline.RetryDelay())
	factor := c.cfg.Pipeline.BackoffFactor
	if factor <= 1 {
		return time.Duration(delay)
	}
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	const maxBackoff = 5 * time.Minute
	if delay > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}

func (c *Controller) buildPrompt(kind store.Kind) string {
	instruction := "Describe this image in detail."
	if kind == store.KindVideo {
		instruction = "Describe this video in detail."
	}
	return c.cfg.Caption.SystemPrompt + "\n\n" + instruction
}

// isTerminal reports whether the error alone decides the job outcome even
// under cancellation.
func isTerminal(err error) bool {
	return errors.Is(err, ollama.ErrModelNotFound)
}

func (c *Controller) failJob(job *store.Job, cause error, attempts int) {
	logger.Errorf("❌ Job failed: %s — %v", job.SourcePath, cause)
	if err := c.store.Fail(job.ID, cause.Error(), attempts); err != nil {
		c.setFatal(fmt.Errorf("record failure of %s: %w", job.ID, err))
		return
	}

	c.mu.Lock()
	c.failed++
	p := c.snapshotLocked(job.SourcePath)
	c.mu.Unlock()
	c.tick(p)
}

func (c *Controller) releaseJob(job *store.Job) {
	if err := c.store.Release(job.ID); err != nil {
		logger.Warnf("⚠️ Could not release job %s: %v", job.ID, err)
	}
}

func (c *Controller) setFatal(err error) {
	logger.Errorf("❌ Fatal run error: %v", err)
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) setCurrent(item string) {
	c.mu.Lock()
	c.current = item
	c.mu.Unlock()
}

func (c *Controller) snapshotLocked(current string) Progress {
	return Progress{
		Completed: c.completed,
		Failed:    c.failed,
		Total:     c.total,
		Current:   current,
	}
}

func (c *Controller) tick(p Progress) {
	if c.onProgress != nil {
		c.onProgress(p)
	}
}

// Cancel requests cooperative cancellation: no new jobs are claimed, and
// in-flight calls finish or time out on their own.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != RunRunning {
		return fmt.Errorf("no run in progress")
	}
	c.cancel()
	return nil
}

// Pause stops workers from claiming new jobs; in-flight jobs finish.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != RunRunning {
		return fmt.Errorf("no run in progress")
	}
	c.paused = true
	logger.Info("⏸️  Run paused")
	return nil
}

// Resume lets workers claim jobs again.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != RunRunning {
		return fmt.Errorf("no run in progress")
	}
	c.paused = false
	logger.Info("▶️  Run resumed")
	return nil
}

// Wait blocks until the current run reaches a terminal state. Returns
// immediately if no run was started.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns the current run state.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Paused reports whether the running pool is paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// RunID returns the identifier of the current or last run.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Progress returns the latest progress snapshot.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.current)
}

// Err returns the fatal error of a failed run, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}
