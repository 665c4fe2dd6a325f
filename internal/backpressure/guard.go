// Package backpressure pauses trade ingestion while the store of record is
// unreachable and resumes it once a liveness probe succeeds.
package backpressure

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PausableConsumer is the inbound consumer the guard gates.
type PausableConsumer interface {
	Pause()
	Resume()
}

// LivenessProbe is a cheap storage read; nil means the store is reachable.
type LivenessProbe func(ctx context.Context) error

// DBProbe probes Postgres with a trivial query.
func DBProbe(db *gorm.DB) LivenessProbe {
	return func(ctx context.Context) error {
		return db.WithContext(ctx).Exec("SELECT 1").Error
	}
}

// Guard is a two-state machine, Running or Paused. A fatal persistence
// failure pauses the consumer and starts exactly one recovery watcher; the
// watcher polls the probe and resumes the consumer only after storage answers
// again.
type Guard struct {
	consumer PausableConsumer
	probe    LivenessProbe
	interval time.Duration
	logger   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	paused   bool
	watching bool
}

func NewGuard(consumer PausableConsumer, probe LivenessProbe, interval time.Duration, logger *zap.Logger) *Guard {
	return &Guard{
		consumer: consumer,
		probe:    probe,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Close stops any active recovery watcher. The guard must not be reused.
func (g *Guard) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}

// Paused reports whether ingestion is currently gated.
func (g *Guard) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// ReportFailure transitions to Paused and spawns the recovery watcher. A
// second report while a watcher is already active is a no-op.
func (g *Guard) ReportFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		g.logger.Warn("pausing ingestion, storage write failed", zap.Error(err))
		g.paused = true
		g.consumer.Pause()
	}

	if !g.watching {
		g.watching = true
		go g.watch()
	}
}

// watch polls storage liveness until it recovers, then restarts the consumer.
func (g *Guard) watch() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("storage recovery watcher started", zap.Duration("interval", g.interval))

	for {
		select {
		case <-g.done:
			g.logger.Info("storage recovery watcher stopped")
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.interval)
		err := g.probe(ctx)
		cancel()

		if err != nil {
			g.logger.Debug("storage still unreachable", zap.Error(err))
			continue
		}

		g.mu.Lock()
		g.paused = false
		g.watching = false
		g.consumer.Resume()
		g.mu.Unlock()

		g.logger.Info("storage reachable again, ingestion resumed")
		return
	}
}
