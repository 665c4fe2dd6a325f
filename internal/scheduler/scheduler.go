// Package scheduler runs periodic jobs, one goroutine and ticker per job.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task. Run is invoked sequentially per job; a slow cycle
// delays the next tick rather than overlapping with it.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job      Job
	interval time.Duration
}

type Scheduler struct {
	logger  *zap.Logger
	entries []entry
	wg      sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

func (s *Scheduler) Add(job Job, interval time.Duration) {
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Start launches every registered job. Each runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
}

// Wait blocks until all job loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("job", e.job.Name()))
	logger.Info("job scheduled", zap.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("job stopped")
			return
		case <-ticker.C:
			s.runOne(ctx, e.job, logger)
		}
	}
}

// runOne isolates a cycle so a panicking job kills its cycle, not the
// process or its schedule.
func (s *Scheduler) runOne(ctx context.Context, job Job, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.Error("job cycle failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Debug("job cycle complete", zap.Duration("elapsed", time.Since(start)))
}
