package auditd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lendledger/observability/logging"
	telemetry "lendledger/observability/otel"
	"lendledger/services/auditd/archive"
	"lendledger/services/auditd/config"
	"lendledger/services/auditd/export"
	"lendledger/services/auditd/stream"
	"lendledger/storage"
)

// Main initialises and runs the audit daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/auditd/config.yaml", "path to auditd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEDGER_ENV"))
	logger := logging.Setup("auditd", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("auditd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open archive database: %w", err)
	}
	if err := archive.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	store := archive.NewStore(db)

	checkpointDB, err := storage.NewBoltDB(cfg.CheckpointPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpointDB.Close()

	consumer, err := stream.NewConsumer(stream.ConsumerConfig{
		URL:        cfg.StreamURL,
		Archiver:   store,
		Checkpoint: stream.NewCheckpoint(checkpointDB),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init stream consumer: %w", err)
	}

	exporter, err := export.NewExporter(export.Config{
		Store:     store,
		Directory: cfg.Export.Directory,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init exporter: %w", err)
	}
	scheduler := export.NewScheduler(export.SchedulerConfig{
		Exporter: exporter,
		Interval: cfg.Export.Interval.Duration,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminRouter(store),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = consumer.Run(stopCtx) }()
	go scheduler.Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("Audit daemon listening", "address", cfg.ListenAddress, "stream", cfg.StreamURL)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("database driver %q not supported", cfg.Driver)
	}
}
