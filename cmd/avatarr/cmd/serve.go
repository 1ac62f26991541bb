package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/avatarr/internal/config"
	"github.com/jmylchreest/avatarr/internal/engine"
	"github.com/jmylchreest/avatarr/internal/gpu"
	internalhttp "github.com/jmylchreest/avatarr/internal/http"
	"github.com/jmylchreest/avatarr/internal/http/handlers"
	"github.com/jmylchreest/avatarr/internal/httpclient"
	"github.com/jmylchreest/avatarr/internal/models"
	"github.com/jmylchreest/avatarr/internal/observability"
	"github.com/jmylchreest/avatarr/internal/pipeline"
	"github.com/jmylchreest/avatarr/internal/progress"
	"github.com/jmylchreest/avatarr/internal/registry"
	"github.com/jmylchreest/avatarr/internal/repository"
	"github.com/jmylchreest/avatarr/internal/scheduler"
	"github.com/jmylchreest/avatarr/internal/storage"
	"github.com/jmylchreest/avatarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the avatarr server",
	Long: `Start the avatarr HTTP server and API.

The server provides:
- REST API for submitting and inspecting video message tasks
- Per-task SSE progress streams
- Storage and GPU introspection endpoints
- Health check endpoint and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("storage-root", "", "Artifact storage root directory")
	serveCmd.Flags().String("database", "", "Task history database file path")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)
	applyLoggingFlags(rootCmd.PersistentFlags(), &cfg.Logging.Level, &cfg.Logging.Format)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	logger.Info("starting avatarr",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	// Task history archive. An empty database path disables it.
	var db *gorm.DB
	var history repository.TaskHistoryRepository
	if cfg.Database.Path != "" {
		db, err = initDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		history = repository.NewTaskHistoryRepository(db)
	}

	store, err := storage.NewManager(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	reg := registry.New(cfg.Pipeline.MaxActiveTasks, cfg.Maintenance.PurgeGrace, logger)
	store.SetActivityProbe(reg.IsActive)

	gpuScheduler, err := gpu.NewScheduler(cfg.GPU, logger)
	if err != nil {
		return fmt.Errorf("initializing GPU scheduler: %w", err)
	}

	hub := progress.NewHub(cfg.Progress, logger)
	defer hub.Close()

	orch := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Registry: reg,
		Store:    store,
		GPU:      gpuScheduler,
		Hub:      hub,
		Detector: engine.NewHTTPDetector(cfg.Engines.Detector.BaseURL, engineClient(cfg.Engines.Detector, logger)),
		Remover:  engine.NewHTTPRemover(cfg.Engines.Remover.BaseURL, engineClient(cfg.Engines.Remover, logger)),
		Synth:    engine.NewHTTPSynthesizer(cfg.Engines.Synthesizer.BaseURL, engineClient(cfg.Engines.Synthesizer, logger)),
		History:  history,
		Logger:   logger,
	})

	maintenance := scheduler.NewMaintenance(cfg.Maintenance, store, reg, history, logger)
	if err := maintenance.Start(context.Background()); err != nil {
		return fmt.Errorf("starting maintenance: %w", err)
	}
	defer maintenance.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	taskHandler := handlers.NewTaskHandler(orch, reg, store, history, logger)
	taskHandler.Register(server.API())
	taskHandler.RegisterResultRoute(server.Router())

	progressHandler := handlers.NewProgressHandler(hub, logger)
	progressHandler.RegisterSSE(server.Router())

	handlers.NewSystemHandler(store, gpuScheduler, maintenance, logger).Register(server.API())

	healthHandler := handlers.NewHealthHandler(version.Version)
	if db != nil {
		healthHandler.WithDB(db)
	}
	healthHandler.Register(server.API())

	// Run until SIGINT/SIGTERM, then drain in-flight tasks and stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	serveErr := server.ListenAndServe(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", slog.Any("error", err))
	}

	return serveErr
}

// applyServeFlags folds explicitly set serve flags into the config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("storage-root") {
		cfg.Storage.Root, _ = cmd.Flags().GetString("storage-root")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.Path, _ = cmd.Flags().GetString("database")
	}
}

// engineClient builds the retrying HTTP client for one engine endpoint.
func engineClient(cfg config.EngineConfig, logger *slog.Logger) *httpclient.Client {
	clientCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		clientCfg.Timeout = cfg.Timeout
	}
	clientCfg.Logger = logger
	return httpclient.New(clientCfg)
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&models.TaskHistory{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
