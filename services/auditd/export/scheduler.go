package export

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic export loop.
type SchedulerConfig struct {
	Exporter *Exporter
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler executes export runs on a fixed cadence.
type Scheduler struct {
	exporter *Exporter
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{exporter: cfg.Exporter, interval: interval, logger: logger}
}

// Start begins the export loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.exporter == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.exporter.Run(ctx); err != nil {
				s.logger.Error("Export run failed", "error", err)
			}
		}
	}
}
