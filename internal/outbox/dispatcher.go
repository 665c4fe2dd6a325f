// Package outbox implements the transactional outbox dispatcher with
// adaptive batch sizing and poison-pill isolation.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Aidin1998/portfolio-analytics/internal/messaging"
	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

var (
	eventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_outbox_events_sent_total",
		Help: "Outbox events published and marked SENT",
	})
	eventsPoisoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_outbox_events_poisoned_total",
		Help: "Outbox events permanently marked FAILED",
	})
	dispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_outbox_dispatch_failures_total",
		Help: "Dispatch cycles aborted by a transient publish error",
	})
)

// cycleOutcome classifies one dispatch pass over a locked batch.
type cycleOutcome struct {
	sent          []uuid.UUID
	poison        *models.OutboxEvent
	systemFailure bool
}

// Dispatcher drains PENDING outbox rows to the bus, oldest first, keyed by
// portfolio so per-portfolio ordering survives partitioning.
type Dispatcher struct {
	store    Store
	producer messaging.Producer
	sizer    *AdaptiveBatchSizer
	topic    string
	logger   *zap.Logger
}

func NewDispatcher(store Store, producer messaging.Producer, sizer *AdaptiveBatchSizer, topic string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		producer: producer,
		sizer:    sizer,
		topic:    topic,
		logger:   logger,
	}
}

func (d *Dispatcher) Name() string { return "outbox-dispatch" }

// Run makes the dispatcher schedulable as a periodic job.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.DispatchOnce(ctx)
}

// DispatchOnce runs a single dispatch cycle:
//
//   - Empty: reset the sizer to its floor.
//   - Success: mark everything SENT, feed the cycle to the sizer.
//   - PoisonPill: mark prior successes SENT, mark the bad row FAILED, abandon
//     the rest of the batch; the sizer is not fed.
//   - SystemFailure: mark prior successes SENT, rows after the failure stay
//     PENDING for the next cycle; the sizer is not fed.
//
// Rows already locked by a concurrent instance are skipped, never waited on.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	limit := d.sizer.Current()

	return d.store.WithPending(ctx, limit, func(ops TxOps, batch []models.OutboxEvent) error {
		if len(batch) == 0 {
			d.sizer.Reset()
			return nil
		}

		start := time.Now()
		outcome := d.publish(ctx, batch)
		elapsed := time.Since(start)

		if len(outcome.sent) > 0 {
			if err := ops.MarkSent(outcome.sent); err != nil {
				return err
			}
			eventsSent.Add(float64(len(outcome.sent)))
		}

		if outcome.poison != nil {
			if err := ops.MarkFailed(outcome.poison.ID); err != nil {
				return err
			}
			eventsPoisoned.Inc()
			d.logger.Warn("poison pill quarantined",
				zap.String("event_id", outcome.poison.ID.String()),
				zap.String("portfolio_id", outcome.poison.PortfolioID.String()))
		}

		if outcome.systemFailure {
			dispatchFailures.Inc()
		}

		// Unhealthy cycles must not steer the controller.
		if !outcome.systemFailure && outcome.poison == nil {
			d.sizer.Adjust(elapsed, len(batch))
		}

		d.logger.Debug("dispatch cycle complete",
			zap.Int("fetched", len(batch)),
			zap.Int("sent", len(outcome.sent)),
			zap.Bool("system_failure", outcome.systemFailure),
			zap.Duration("elapsed", elapsed),
			zap.Int("next_limit", d.sizer.Current()))

		return nil
	})
}

// publish sends events in fetch order, stopping at the first failure so later
// rows are never published ahead of an earlier one.
func (d *Dispatcher) publish(ctx context.Context, batch []models.OutboxEvent) cycleOutcome {
	var outcome cycleOutcome

	for i := range batch {
		ev := &batch[i]

		var risk models.RiskEvent
		if err := json.Unmarshal(ev.Payload, &risk); err != nil {
			d.logger.Error("undecodable outbox payload",
				zap.Error(err),
				zap.String("event_id", ev.ID.String()))
			outcome.poison = ev
			return outcome
		}

		if err := d.producer.Publish(ctx, d.topic, risk.PortfolioID.String(), ev.Payload); err != nil {
			d.logger.Error("publish failed, leaving remainder pending",
				zap.Error(err),
				zap.String("event_id", ev.ID.String()))
			outcome.systemFailure = true
			return outcome
		}

		outcome.sent = append(outcome.sent, ev.ID)
	}

	return outcome
}
