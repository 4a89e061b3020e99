package insight

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Limit    int
}

// Scheduler runs the processor periodically.
type Scheduler struct {
	proc   *Processor
	cfg    SchedulerConfig
	logger *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(proc *Processor, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout == 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval - cfg.Interval/10
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	return &Scheduler{proc: proc, cfg: cfg, logger: logger}
}

// Start runs the processor on every tick until quit is closed.
func (s *Scheduler) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-quit:
			return
		}
	}
}

// RunOnce performs a single bounded run and logs its outcome.
func (s *Scheduler) RunOnce() *RunResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	res, err := s.proc.Run(ctx, s.cfg.Limit)
	switch {
	case err == nil:
	case IsCancelled(err) && res != nil:
		s.logger.Warn("insight scheduler: run cut short",
			zap.Duration("timeout", s.cfg.Timeout),
			zap.Int("written", res.WrittenInsights),
		)
	default:
		s.logger.Error("insight scheduler: run failed", zap.Error(err))
	}
	return res
}
