// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/poleshift/fieldsync/internal/config"
	"github.com/poleshift/fieldsync/internal/database"
	"github.com/poleshift/fieldsync/internal/loggy"
	"github.com/poleshift/fieldsync/internal/netmon"
	"github.com/poleshift/fieldsync/internal/oplog"
	"github.com/poleshift/fieldsync/internal/progress"
	"github.com/poleshift/fieldsync/internal/remote"
	"github.com/poleshift/fieldsync/internal/replay"
	"github.com/poleshift/fieldsync/internal/resources"
	"github.com/poleshift/fieldsync/internal/synclog"
	"github.com/poleshift/fieldsync/internal/transfer"
	"github.com/poleshift/fieldsync/internal/uploads"
)

// App holds the wired application instance. Every dependency is explicit;
// nothing reaches for package-level state.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Logger *loggy.Logger

	Oplog    oplog.Repository
	Queue    uploads.Repository
	SyncLogs synclog.Repository

	Remote    *remote.Client
	Replay    *replay.Coordinator
	Uploads   *uploads.Service
	Resources *resources.Fetcher
	Progress  *progress.Bus
	Monitor   *netmon.Monitor
	Slots     *transfer.Slots
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	logger := loggy.GetGlobalLogger()

	logger.Info("Application initializing",
		"device", cfg.DeviceName,
		"log_level", cfg.Logging.Level,
	)

	db, err := database.Open(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app := wire(cfg, db, logger)
	logger.Info("Application initialized successfully")
	return app, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// wire constructs every service from its dependencies
func wire(cfg *config.Config, db *sql.DB, logger *loggy.Logger) *App {
	oplogRepo := oplog.NewSQLRepository(db, logger)
	queueRepo := uploads.NewSQLRepository(db, logger)
	syncLogs := synclog.NewSQLRepository(db, logger)

	bus := progress.NewBus(logger)
	slots := transfer.NewSlots(cfg.Transfer.MaxConcurrentTransfers)

	client := remote.NewClient(cfg.Remote, cfg.DeviceName, logger)

	coordinator := replay.NewCoordinator(oplogRepo, client, syncLogs, nil, cfg.Sync, logger)
	uploadSvc := uploads.NewService(queueRepo, client, syncLogs, bus, slots, cfg.Sync, logger)
	fetcher := resources.NewFetcher(cfg.Transfer, bus, slots, syncLogs, logger)

	// The monitor starts offline; the first positive connectivity report
	// transitions to online and kicks off the initial drain.
	monitor := netmon.NewMonitor(false, oplogRepo, logger)
	monitor.OnOnline(func() {
		ctx := context.Background()
		coordinator.TriggerDrain(ctx)
		go func() {
			if _, err := uploadSvc.Drain(ctx); err != nil {
				logger.Warn("Upload drain on reconnect failed", "error", err)
			}
		}()
	})

	return &App{
		Config:    cfg,
		DB:        db,
		Logger:    logger,
		Oplog:     oplogRepo,
		Queue:     queueRepo,
		SyncLogs:  syncLogs,
		Remote:    client,
		Replay:    coordinator,
		Uploads:   uploadSvc,
		Resources: fetcher,
		Progress:  bus,
		Monitor:   monitor,
		Slots:     slots,
	}
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	app.Logger.Info("Shutting down application")

	if err := app.DB.Close(); err != nil {
		app.Logger.Error("Error closing database connection", "error", err)
		return err
	}
	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
