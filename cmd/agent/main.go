package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skavis/scansync/internal/api"
	"github.com/skavis/scansync/internal/capture"
	"github.com/skavis/scansync/internal/clock"
	"github.com/skavis/scansync/internal/config"
	"github.com/skavis/scansync/internal/connectivity"
	"github.com/skavis/scansync/internal/db"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/metrics"
	"github.com/skavis/scansync/internal/notifier"
	"github.com/skavis/scansync/internal/remote"
	"github.com/skavis/scansync/internal/services"
	"github.com/skavis/scansync/internal/store"
)

func main() {
	// Command line flags override environment variables (SCANSYNC_*)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	flagPort := flag.String("port", "", "Control API port (env: SCANSYNC_PORT, default: 7340)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: SCANSYNC_LOG_LEVEL, default: info)")
	flagServerURL := flag.String("server-url", "", "Processing server base URL (env: SCANSYNC_SERVER_URL)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: SCANSYNC_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: SCANSYNC_DATABASE_PATH)")
	flagArtifactDir := flag.String("artifact-dir", "", "Downloaded artifact directory (env: SCANSYNC_ARTIFACT_DIR)")
	flagPollInterval := flag.Duration("poll-interval", 0, "Server status poll interval (env: SCANSYNC_POLL_INTERVAL, default: 30s)")
	flagDownloadRetryDelay := flag.Duration("download-retry-delay", 0, "Delay between artifact readiness probes (env: SCANSYNC_DOWNLOAD_RETRY_DELAY, default: 5s)")
	flagDownloadMaxAttempts := flag.Int("download-max-attempts", 0, "Readiness probes before a download times out (env: SCANSYNC_DOWNLOAD_MAX_ATTEMPTS, default: 24)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep old events, 0 to disable pruning (env: SCANSYNC_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Scansync %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()

	flagOverrides := config.FlagOverrides{
		Port:                flagPort,
		LogLevel:            flagLogLevel,
		ServerURL:           flagServerURL,
		DataDir:             flagDataDir,
		DatabasePath:        flagDatabasePath,
		ArtifactDir:         flagArtifactDir,
	}
	if *flagPollInterval > 0 {
		flagOverrides.PollInterval = flagPollInterval
	}
	if *flagDownloadRetryDelay > 0 {
		flagOverrides.DownloadRetryDelay = flagDownloadRetryDelay
	}
	if *flagDownloadMaxAttempts > 0 {
		flagOverrides.DownloadMaxAttempts = flagDownloadMaxAttempts
	}
	// -1 means not set; 0 disables pruning
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)

	cfg := config.Get()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Scansync agent %s...", config.Version)
	logger.Infof("========================================")
	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Server URL: %s", cfg.ServerURL)
	logger.Infof("  Processing Mode: %s", cfg.ProcessingMode)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Capture Directory: %s", cfg.CaptureDir)
	logger.Infof("  Artifact Directory: %s", cfg.ArtifactDir)
	logger.Infof("  Poll Interval: %s", cfg.PollInterval)
	logger.Infof("  Connectivity Interval: %s", cfg.ConnectivityInterval)
	logger.Infof("  Download Retries: %d probes, %s apart", cfg.DownloadMaxAttempts, cfg.DownloadRetryDelay)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Event Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Event Retention: disabled (no automatic pruning)")
	}

	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized")

	if backupPath, err := repo.Backup(cfg.DatabasePath); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}

	stopCheckpoints := repo.StartPeriodicCheckpoint(5 * time.Minute)

	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	autoSync, err := repo.GetAutoSyncEnabled(cfg.AutoSyncDefault)
	if err != nil {
		logger.Warnf("Could not read auto-sync setting, using default: %v", err)
	}

	logger.Infof("Loading scan records...")
	st, err := store.New(repo, eb, autoSync)
	if err != nil {
		logger.Errorf("Failed to load scan records: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Record store loaded (%d scans)", len(st.List()))

	// Fix up records whose status lags behind their artifacts on disk
	if repaired := st.RepairStatuses(); len(repaired) > 0 {
		logger.Infof("✓ Repaired %d scan statuses at startup", len(repaired))
	}

	client := remote.NewClient(cfg.ServerURL, repo)
	clk := clock.NewSystemClock()

	logger.Infof("Initializing core services...")

	monitor := connectivity.NewMonitor(client, eb, clk, cfg.ConnectivityInterval)
	logger.Infof("✓ Connectivity Monitor (probe every %s)", cfg.ConnectivityInterval)

	syncer := services.NewSyncer(st, repo, client, eb)
	monitor.OnTransition(syncer.OnConnectivityChange)
	logger.Infof("✓ Sync Orchestrator")

	pollers := services.NewPollerSet(st, client, eb, clk, cfg.PollInterval)
	logger.Infof("✓ Status Pollers (poll every %s)", cfg.PollInterval)

	processor := capture.NewCommandProcessor(cfg.PipelineCommand, cfg.PipelineTimeout)
	if cfg.ProcessingMode == "local" && !processor.Available() {
		logger.Warnf("Reconstruction pipeline %q not found on PATH; local processing will fail until it is installed", cfg.PipelineCommand)
	}

	modelDir := filepath.Join(cfg.DataDir, "models")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		logger.Errorf("Failed to create model directory: %v", err)
		os.Exit(1)
	}
	dispatcher := services.NewDispatcher(st, client, eb, processor, syncer, pollers, modelDir)
	logger.Infof("✓ Processing Dispatcher (%s mode)", cfg.ProcessingMode)

	downloader := services.NewDownloader(st, client, eb, clk, cfg.DownloadRetryDelay, cfg.DownloadMaxAttempts)
	logger.Infof("✓ Artifact Downloader")

	reconciler := services.NewReconciler(st, repo, client, syncer, pollers, downloader, cfg.ReconcileSchedule, cfg.RetentionDays)
	if err := reconciler.Start(eb); err != nil {
		logger.Errorf("Failed to start reconciler: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Reconciler (%s)", cfg.ReconcileSchedule)

	logger.Infof("Initializing Notification Service...")
	notifierService := notifier.NewNotifier(repo, eb)
	notifierService.Start()
	logger.Infof("✓ Notification Service")

	logger.Infof("Initializing Metrics Service...")
	metricsService := metrics.NewMetricsService(eb, st, nil)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	// New captures dispatch through the mode-selected processing path
	source := domain.SourceLocal
	if cfg.ProcessingMode == "server" {
		source = domain.SourceRemote
	}

	rawDir := filepath.Join(cfg.DataDir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		logger.Errorf("Failed to create raw data directory: %v", err)
		os.Exit(1)
	}
	ingest := services.NewIngestService(st, capture.NewFolderCapturer(), dispatcher, rawDir, source)
	ingest.Start(eb)
	logger.Infof("✓ Ingest Service")

	watcher := capture.NewWatcher(cfg.CaptureDir, eb, clk, cfg.CaptureScanInterval)
	watcher.Start()
	logger.Infof("✓ Capture Watcher (%s every %s)", cfg.CaptureDir, cfg.CaptureScanInterval)

	// Resume pollers for scans that were mid-pipeline at last shutdown
	pollers.ResumeInFlight()
	if n := pollers.ActiveCount(); n > 0 {
		logger.Infof("✓ Resumed %d status pollers", n)
	}

	monitor.Start()

	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		DB:         repo.DB,
		EventBus:   eb,
		Store:      st,
		Syncer:     syncer,
		Dispatcher: dispatcher,
		Downloader: downloader,
		Monitor:    monitor,
		Reconciler: reconciler,
		Notifier:   notifierService,
		Metrics:    metricsService,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Scansync agent %s started successfully", config.Version)
	logger.Infof("✓ Control API listening on port %s", cfg.Port)
	logger.Infof("========================================")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	watcher.Stop()
	logger.Infof("✓ Capture Watcher stopped")

	monitor.Stop()
	logger.Infof("✓ Connectivity Monitor stopped")

	pollers.StopAll()
	logger.Infof("✓ Status Pollers stopped")

	reconciler.Stop()
	logger.Infof("✓ Reconciler stopped")

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	stopCheckpoints()
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database: %v", err)
	} else {
		logger.Infof("✓ Database closed")
	}

	logger.Infof("✓ Scansync shutdown complete")
}
