package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/enumerate"
	"github.com/snapcap/internal/pipeline"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/internal/version"
	"github.com/snapcap/pkg/logger"
)

// Handler exposes the control surface the GUI/CLI layer drives: start,
// cancel, pause/resume, and queue inspection.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	ctrl    *pipeline.Controller
	locator pipeline.SidecarLocator

	// runCtx outlives individual HTTP requests; a started run must not die
	// with the request that launched it.
	runCtx context.Context
}

// New creates a new Handler. runCtx bounds the lifetime of runs started
// through the API (typically the process context).
func New(runCtx context.Context, cfg *config.Config, st *store.Store, ctrl *pipeline.Controller, locator pipeline.SidecarLocator) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   st,
		ctrl:    ctrl,
		locator: locator,
		runCtx:  runCtx,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		// Run control
		api.POST("/runs", h.StartRun)
		api.GET("/runs/current", h.CurrentRun)
		api.POST("/runs/cancel", h.CancelRun)
		api.POST("/runs/pause", h.PauseRun)
		api.POST("/runs/resume", h.ResumeRun)

		// Queue inspection
		api.GET("/queue", h.GetQueue)
		api.GET("/queue/stats", h.GetQueueStats)
		api.GET("/queue/:id", h.GetJob)

		// Re-queue endpoints
		api.POST("/retry/failed", h.RetryFailed)
		api.POST("/recaption/:id", h.Recaption)
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

// StartRunRequest selects what to caption: a directory to scan or an
// explicit queue file. Exactly one must be set.
type StartRunRequest struct {
	Directory string `json:"directory"`
	QueueFile string `json:"queue_file"`
}

// StartRun populates the queue from the requested source and launches the
// worker pool.
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Directory == "") == (req.QueueFile == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of directory or queue_file is required"})
		return
	}

	var added int
	var err error
	if req.Directory != "" {
		added, err = pipeline.PopulateFromDir(h.store, h.cfg, h.locator, req.Directory)
	} else {
		added, err = pipeline.PopulateFromQueueFile(h.store, h.cfg, h.locator, req.QueueFile)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, enumerate.ErrDiscovery) || errors.Is(err, enumerate.ErrInvalidQueueFormat) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := h.ctrl.Start(h.runCtx); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, pipeline.ErrPreflight):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	logger.Infof("📥 Run accepted: %d new job(s)", added)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "run started",
		"run_id":  h.ctrl.RunID(),
		"added":   added,
	})
}

// CurrentRun reports run state and progress.
func (h *Handler) CurrentRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"run_id":   h.ctrl.RunID(),
		"state":    h.ctrl.State(),
		"paused":   h.ctrl.Paused(),
		"progress": h.ctrl.Progress(),
	})
}

// CancelRun requests cooperative cancellation of the active run.
func (h *Handler) CancelRun(c *gin.Context) {
	if err := h.ctrl.Cancel(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// PauseRun stops claiming new jobs until resumed.
func (h *Handler) PauseRun(c *gin.Context) {
	if err := h.ctrl.Pause(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run paused"})
}

// ResumeRun lets workers claim jobs again.
func (h *Handler) ResumeRun(c *gin.Context) {
	if err := h.ctrl.Resume(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run resumed"})
}

// GetQueue returns all jobs in queue order.
func (h *Handler) GetQueue(c *gin.Context) {
	jobs, err := h.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetQueueStats returns queue composition by state.
func (h *Handler) GetQueueStats(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetJob returns a specific job by ID.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// RetryFailed moves every failed job back to pending.
func (h *Handler) RetryFailed(c *gin.Context) {
	n, err := h.store.RequeueFailed()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("📥 Re-queued %d failed job(s)", n)
	c.JSON(http.StatusOK, gin.H{"message": "failed jobs re-queued", "count": n})
}

// Recaption resets one job to pending for an explicit re-caption, even if
// it is already done.
func (h *Handler) Recaption(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Recaption(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("📥 Re-queued for re-caption: %s", id)
	c.JSON(http.StatusOK, gin.H{"message": "job re-queued for re-caption", "job": id})
}
