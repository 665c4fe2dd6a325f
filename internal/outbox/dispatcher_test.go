package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// memStore is an in-memory Store with the same oldest-first, status-filtered
// visibility rules as the Postgres store.
type memStore struct {
	events []models.OutboxEvent
}

func (m *memStore) WithPending(_ context.Context, limit int, fn func(ops TxOps, batch []models.OutboxEvent) error) error {
	sort.Slice(m.events, func(i, j int) bool {
		return m.events[i].CreatedAt.Before(m.events[j].CreatedAt)
	})
	var batch []models.OutboxEvent
	for _, ev := range m.events {
		if ev.Status != models.OutboxStatusPending {
			continue
		}
		batch = append(batch, ev)
		if len(batch) == limit {
			break
		}
	}
	return fn(memTxOps{store: m}, batch)
}

func (m *memStore) setStatus(id uuid.UUID, status string) {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Status = status
		}
	}
}

func (m *memStore) statusOf(id uuid.UUID) string {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev.Status
		}
	}
	return ""
}

type memTxOps struct {
	store *memStore
}

func (o memTxOps) MarkSent(ids []uuid.UUID) error {
	for _, id := range ids {
		o.store.setStatus(id, models.OutboxStatusSent)
	}
	return nil
}

func (o memTxOps) MarkFailed(id uuid.UUID) error {
	o.store.setStatus(id, models.OutboxStatusFailed)
	return nil
}

// fakeProducer records publishes and can fail from a given call onward.
type fakeProducer struct {
	published [][]byte
	keys      []string
	failFrom  int // 0 = never fail
}

func (f *fakeProducer) Publish(_ context.Context, _ string, key string, payload []byte) error {
	if f.failFrom > 0 && len(f.published)+1 >= f.failFrom {
		return fmt.Errorf("broker unreachable")
	}
	f.published = append(f.published, payload)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func riskPayload(t *testing.T, portfolioID uuid.UUID) []byte {
	t.Helper()
	raw, err := json.Marshal(models.RiskEvent{
		PortfolioID:    portfolioID,
		AvgDailyReturn: 0.01,
		SharpeRatio:    1.2,
		SortinoRatio:   1.5,
	})
	require.NoError(t, err)
	return raw
}

func pendingEvent(t *testing.T, portfolioID uuid.UUID, createdAt time.Time) models.OutboxEvent {
	t.Helper()
	return models.OutboxEvent{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		Payload:     riskPayload(t, portfolioID),
		Status:      models.OutboxStatusPending,
		CreatedAt:   createdAt,
	}
}

func newTestDispatcher(store Store, producer *fakeProducer, t *testing.T) (*Dispatcher, *AdaptiveBatchSizer) {
	sizer := NewAdaptiveBatchSizer(10, 500, 200*time.Millisecond)
	d := NewDispatcher(store, producer, sizer, "risk-events", zaptest.NewLogger(t))
	return d, sizer
}

func TestDispatchSuccessMarksAllSent(t *testing.T) {
	portfolio := uuid.New()
	base := time.Now()
	store := &memStore{events: []models.OutboxEvent{
		pendingEvent(t, portfolio, base),
		pendingEvent(t, portfolio, base.Add(time.Second)),
	}}
	producer := &fakeProducer{}
	d, _ := newTestDispatcher(store, producer, t)

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Len(t, producer.published, 2)
	for _, ev := range store.events {
		assert.Equal(t, models.OutboxStatusSent, ev.Status)
	}
	assert.Equal(t, []string{portfolio.String(), portfolio.String()}, producer.keys,
		"events are keyed by portfolio for partition affinity")
}

func TestDispatchOldestFirstOrdering(t *testing.T) {
	base := time.Now()
	first := pendingEvent(t, uuid.New(), base)
	second := pendingEvent(t, uuid.New(), base.Add(time.Second))
	// Inserted newest-first to prove fetch order is by age, not insert order.
	store := &memStore{events: []models.OutboxEvent{second, first}}
	producer := &fakeProducer{}
	d, _ := newTestDispatcher(store, producer, t)

	require.NoError(t, d.DispatchOnce(context.Background()))

	require.Len(t, producer.published, 2)
	assert.Equal(t, first.Payload, producer.published[0])
	assert.Equal(t, second.Payload, producer.published[1])
}

func TestDispatchPoisonPillIsolation(t *testing.T) {
	base := time.Now()
	good := pendingEvent(t, uuid.New(), base)
	poison := models.OutboxEvent{
		ID:        uuid.New(),
		Payload:   []byte("not json"),
		Status:    models.OutboxStatusPending,
		CreatedAt: base.Add(time.Second),
	}
	after := pendingEvent(t, uuid.New(), base.Add(2*time.Second))
	store := &memStore{events: []models.OutboxEvent{good, poison, after}}
	producer := &fakeProducer{}
	d, sizer := newTestDispatcher(store, producer, t)

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Equal(t, models.OutboxStatusSent, store.statusOf(good.ID), "rows before the poison are sent")
	assert.Equal(t, models.OutboxStatusFailed, store.statusOf(poison.ID))
	assert.Equal(t, models.OutboxStatusPending, store.statusOf(after.ID), "remainder retried next cycle")
	assert.Equal(t, 10, sizer.Current(), "poison cycle must not feed the sizer")

	// The FAILED row is never selected again.
	producer2 := &fakeProducer{}
	d2, _ := newTestDispatcher(store, producer2, t)
	require.NoError(t, d2.DispatchOnce(context.Background()))
	require.Len(t, producer2.published, 1)
	assert.Equal(t, after.Payload, producer2.published[0])
	assert.Equal(t, models.OutboxStatusFailed, store.statusOf(poison.ID))
}

func TestDispatchSystemFailureLeavesPending(t *testing.T) {
	base := time.Now()
	first := pendingEvent(t, uuid.New(), base)
	second := pendingEvent(t, uuid.New(), base.Add(time.Second))
	third := pendingEvent(t, uuid.New(), base.Add(2*time.Second))
	store := &memStore{events: []models.OutboxEvent{first, second, third}}
	producer := &fakeProducer{failFrom: 2}
	d, sizer := newTestDispatcher(store, producer, t)

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Equal(t, models.OutboxStatusSent, store.statusOf(first.ID))
	assert.Equal(t, models.OutboxStatusPending, store.statusOf(second.ID))
	assert.Equal(t, models.OutboxStatusPending, store.statusOf(third.ID))
	assert.Equal(t, 10, sizer.Current(), "failure cycle must not feed the sizer")
}

func TestDispatchEmptyResetsSizer(t *testing.T) {
	store := &memStore{}
	producer := &fakeProducer{}
	d, sizer := newTestDispatcher(store, producer, t)
	sizer.Adjust(time.Millisecond, sizer.Current())
	require.NotEqual(t, 10, sizer.Current())

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Equal(t, 10, sizer.Current())
	assert.Empty(t, producer.published)
}

func TestDispatchSuccessFeedsSizer(t *testing.T) {
	base := time.Now()
	store := &memStore{}
	for i := 0; i < 10; i++ {
		store.events = append(store.events, pendingEvent(t, uuid.New(), base.Add(time.Duration(i)*time.Second)))
	}
	producer := &fakeProducer{}
	d, sizer := newTestDispatcher(store, producer, t)

	require.NoError(t, d.DispatchOnce(context.Background()))

	// Full batch of 10 published quickly: the controller grows.
	assert.Equal(t, 12, sizer.Current())
}
