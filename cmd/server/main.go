// Filecellar Server
//
// Features:
// - Content-addressed file and thumbnail storage over 512 shard directories
// - Self-healing location map with multi-location rebalancing
// - Deferred per-file maintenance queue (metadata, thumbnails, integrity)
// - Background maintenance throttled against operator activity
// - Prometheus metrics & structured logging (zap)
// - SSE real-time notifications
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/filecellar/filecellar/internal/api"
	"github.com/filecellar/filecellar/internal/config"
	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/logging"
	"github.com/filecellar/filecellar/internal/maintenance"
	"github.com/filecellar/filecellar/internal/media"
	"github.com/filecellar/filecellar/internal/metrics"
	"github.com/filecellar/filecellar/internal/notify"
	"github.com/filecellar/filecellar/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Filecellar Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := st.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// First boot: put all 512 shards on the configured storage location
	if err := st.InitializeFileStructure(ctx, cfg.StorageDir); err != nil {
		logging.Fatal("file structure init failed", zap.Error(err))
	}

	// Initialize SSE broadcaster and job status registry
	broadcaster := notify.NewBroadcaster()
	statuses := notify.NewStatusRegistry()
	logging.Info("SSE broadcaster initialized")

	// Initialize the file structure manager
	manager := files.NewManager(st, st, st, st, broadcaster, statuses, files.Options{
		Thumbnails: media.ThumbnailOptions{
			BoundingWidth:  cfg.ThumbnailWidth,
			BoundingHeight: cfg.ThumbnailHeight,
			ScaleType:      cfg.ThumbnailScaleType,
			DPRPercent:     cfg.ThumbnailDPRPercent,
		},
		DataDir:            cfg.DataDir,
		DeferredDeleteWait: cfg.DeferredDeleteWait,
	})
	if err := manager.Reinit(ctx); err != nil {
		logging.Fatal("file structure is not usable", zap.Error(err))
	}
	defer manager.Shutdown()
	logging.Info("file structure initialized")

	// Start the physical delete loop
	go manager.DoDeferredPhysicalDeletes(ctx)

	// Initialize the maintenance subsystem
	tracker := maintenance.NewWorkTracker(time.Hour)
	runner := maintenance.NewRunner(manager, st, st, st, broadcaster, tracker, cfg.DataDir)
	scheduler := maintenance.NewScheduler(runner, st, statuses, broadcaster, tracker, maintenance.SchedulerOptions{
		RunDuringIdle:   cfg.MaintenanceDuringIdle,
		RunDuringActive: cfg.MaintenanceDuringActive,
		IdleRules: maintenance.WorkRules{
			Files:  cfg.IdleThrottleFiles,
			Period: cfg.IdleThrottleTimeDelta,
		},
		ActiveRules: maintenance.WorkRules{
			Files:  cfg.ActiveThrottleFiles,
			Period: cfg.ActiveThrottleTimeDelta,
		},
	})
	scheduler.Start(ctx)
	defer scheduler.Shutdown()
	logging.Info("maintenance scheduler started")

	// Create API server
	srv := api.NewServer(st, manager, scheduler, broadcaster, statuses, cfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		scheduler.Shutdown()
		manager.Shutdown()
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.UpdateConnectionMetrics()
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// findMigrationsDir locates the migrations directory relative to the working
// directory or the executable.
func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
