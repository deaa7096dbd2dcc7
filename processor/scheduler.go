package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// Runner runs one ingestion pass.
type Runner interface {
	Run(ctx context.Context) CycleResult
}

// Scheduler runs a Runner, sleeps a fixed interval, and repeats until the
// context is cancelled or MaxCycles passes have run. No cycle outcome, not
// even a panic, stops the loop.
type Scheduler struct {
	runner    Runner
	interval  time.Duration
	maxCycles int
	log       *logger.Log
}

func NewScheduler(cfg appconfig.SchedulerConfig, runner Runner) *Scheduler {
	return &Scheduler{
		runner:    runner,
		interval:  cfg.Interval,
		maxCycles: cfg.MaxCycles,
		log:       logger.GetLogger(),
	}
}

// Run blocks until ctx is done or the cycle limit is reached and returns the
// number of cycles run.
func (s *Scheduler) Run(ctx context.Context) int {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval":   s.interval,
		"max_cycles": s.maxCycles,
	})
	log.Info("scheduler started")

	cycles := 0
	for {
		if ctx.Err() != nil {
			break
		}
		s.runOnce(ctx, cycles+1)
		cycles++
		if s.maxCycles > 0 && cycles >= s.maxCycles {
			break
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	log.WithFields(logger.Fields{"cycles": cycles}).Info("scheduler stopped")
	return cycles
}

func (s *Scheduler) runOnce(ctx context.Context, seq int) (res CycleResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Panic = fmt.Sprint(r)
			res.Duration = time.Since(start)
			metrics.ObserveCycle(res.Duration, metrics.OutcomeFailed)
			s.log.WithComponent("scheduler").WithFields(logger.Fields{
				"cycle_seq": seq,
				"panic":     res.Panic,
				"stack":     string(debug.Stack()),
			}).Error("cycle panicked")
		}
	}()
	return s.runner.Run(ctx)
}
