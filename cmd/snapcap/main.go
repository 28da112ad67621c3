package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snapcap/internal/client/ollama"
	"github.com/snapcap/internal/config"
	"github.com/snapcap/internal/fileops"
	"github.com/snapcap/internal/frames"
	"github.com/snapcap/internal/handler"
	"github.com/snapcap/internal/pipeline"
	"github.com/snapcap/internal/store"
	"github.com/snapcap/internal/version"
	"github.com/snapcap/internal/writer"
	"github.com/snapcap/pkg/logger"
)

func main() {
	// Initialize logger
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev)
	defer logger.Sync()

	version.PrintBanner(nil)

	dirFlag := flag.String("dir", "", "caption this directory immediately at startup")
	queueFlag := flag.String("queue", "", "caption this queue file immediately at startup")
	flag.Parse()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}

	// Open the durable job store
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := fileops.EnsureDir(dir); err != nil {
			logger.Fatalf("❌ Store directory error: %v", err)
		}
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatalf("❌ Store error: %v", err)
	}
	defer st.Close()

	// Wire the pipeline
	client := ollama.NewClient(cfg.Endpoint)
	extractor := frames.New(cfg.Video)
	resultWriter := writer.New(cfg.Caption, cfg.Video, st)

	onProgress := func(p pipeline.Progress) {
		logger.Infof("📈 Progress: %d done, %d failed of %d — %s",
			p.Completed, p.Failed, p.Total, filepath.Base(p.Current))
	}
	ctrl := pipeline.New(cfg, st, client, extractor, resultWriter, onProgress)

	// Process context bounds every run; cancelled on shutdown.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := handler.New(runCtx, cfg, st, ctrl, resultWriter)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Print startup info
	logger.Info("")
	logger.Infof("🧠 Endpoint: %s (model: %s)", cfg.Endpoint.BaseURL, cfg.Endpoint.Model)
	logger.Infof("🗃️  Queue store: %s", cfg.Store.Path)
	logger.Infof("👷 Concurrency: %d, retries: %d", cfg.Pipeline.Concurrency, cfg.Pipeline.MaxRetries)
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/runs          - start a captioning run")
	logger.Infof("   POST /api/v1/runs/cancel   - cancel the active run")
	logger.Infof("   POST /api/v1/retry/failed  - re-queue failed jobs")
	logger.Info("")

	// An immediate run requested on the command line
	if *dirFlag != "" || *queueFlag != "" {
		if err := startImmediateRun(runCtx, cfg, st, ctrl, resultWriter, *dirFlag, *queueFlag); err != nil {
			logger.Fatalf("❌ %v", err)
		}
	} else {
		logger.Info("────────────────────────────────────────────────────────────────")
		logger.Info("✅  Ready! Waiting for run requests...")
		logger.Info("────────────────────────────────────────────────────────────────")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	// Stop claiming new jobs; in-flight calls finish within their timeout.
	cancelRuns()
	ctrl.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}

	logger.Info("👋 Goodbye!")
}

func startImmediateRun(ctx context.Context, cfg *config.Config, st *store.Store, ctrl *pipeline.Controller, loc pipeline.SidecarLocator, dir, queueFile string) error {
	var err error
	if dir != "" {
		_, err = pipeline.PopulateFromDir(st, cfg, loc, dir)
	} else {
		_, err = pipeline.PopulateFromQueueFile(st, cfg, loc, queueFile)
	}
	if err != nil {
		return fmt.Errorf("populate queue: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
