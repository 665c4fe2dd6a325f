package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

type fakeCache struct {
	processed map[uuid.UUID]bool
	failing   bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{processed: make(map[uuid.UUID]bool)}
}

func (f *fakeCache) FilterProcessed(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if f.failing {
		return nil, fmt.Errorf("cache unreachable")
	}
	out := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if f.processed[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeCache) MarkProcessed(_ context.Context, ids []uuid.UUID) error {
	if f.failing {
		return fmt.Errorf("cache unreachable")
	}
	for _, id := range ids {
		f.processed[id] = true
	}
	return nil
}

type fakeBroadcaster struct {
	topics   []string
	payloads []any
}

func (f *fakeBroadcaster) Broadcast(topic string, payload any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.PositionAggregate{},
		&models.DeadLetterEvent{},
		&models.OutboxEvent{},
		&models.ValuationSnapshot{},
		&models.MetricStatus{},
		&models.OpenLot{},
		&models.Stock{},
	))
	return db
}

func newTestProcessor(t *testing.T, db *gorm.DB) (*Processor, *fakeCache, *fakeBroadcaster) {
	t.Helper()
	cache := newFakeCache()
	bc := &fakeBroadcaster{}
	p := NewProcessor(db, cache, bc, nil, zaptest.NewLogger(t))
	return p, cache, bc
}

func rawTrade(t *testing.T, txID, portfolioID uuid.UUID, symbol, side, buy, sell string, qty int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"transaction_id": txID.String(),
		"portfolio_id":   portfolioID.String(),
		"symbol":         symbol,
		"side":           side,
		"buy_price":      buy,
		"sell_price":     sell,
		"quantity":       qty,
	})
	require.NoError(t, err)
	return raw
}

func loadAggregate(t *testing.T, db *gorm.DB, portfolioID uuid.UUID, symbol string) models.PositionAggregate {
	t.Helper()
	var agg models.PositionAggregate
	require.NoError(t, db.Where("portfolio_id = ? AND symbol = ?", portfolioID, symbol).First(&agg).Error)
	return agg
}

func TestProcessBatchBuysAccumulate(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	batch := []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 10),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "110.50", "NA", 4),
	}

	res, err := p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(14), agg.Holdings)
	assert.True(t, agg.TotalInvested.Equal(decimal.RequireFromString("1442")),
		"total invested = %s", agg.TotalInvested)
	assert.True(t, agg.RealizedPnl.IsZero())
}

func TestProcessBatchSellRealizesPnl(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	_, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 10),
	})
	require.NoError(t, err)

	_, err = p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "SELL", "100", "120", 4),
	})
	require.NoError(t, err)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(6), agg.Holdings)
	assert.True(t, agg.TotalInvested.Equal(decimal.RequireFromString("600")))
	assert.True(t, agg.RealizedPnl.Equal(decimal.RequireFromString("80")))
}

func TestProcessBatchSellToZeroResetsInvested(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	_, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "TSLA", "BUY", "33.333333", "NA", 3),
		rawTrade(t, uuid.New(), portfolio, "TSLA", "SELL", "33.333333", "40", 3),
	})
	require.NoError(t, err)

	agg := loadAggregate(t, db, portfolio, "TSLA")
	assert.Equal(t, int64(0), agg.Holdings)
	assert.True(t, agg.TotalInvested.IsZero(), "invested must reset to zero, got %s", agg.TotalInvested)
}

func TestProcessBatchOversellDeadLetters(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	res, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 5),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "SELL", "100", "120", 9),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "90", "NA", 2),
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2, "batch continues past the bad sell")
	assert.Equal(t, 1, res.DeadLettered)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(7), agg.Holdings)
	assert.True(t, agg.TotalInvested.Equal(decimal.RequireFromString("680")))
	assert.True(t, agg.RealizedPnl.IsZero(), "rejected sell must not touch pnl")

	var dead []models.DeadLetterEvent
	require.NoError(t, db.Find(&dead).Error)
	require.Len(t, dead, 1)
	assert.Equal(t, portfolio, dead[0].PortfolioID)
	assert.Contains(t, dead[0].Reason, "insufficient holdings")
}

func TestProcessBatchEndToEndScenario(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	// BUY 10@100, SELL 4@120 (cost 100), SELL 10@120 with only 6 held.
	res, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 10),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "SELL", "100", "120", 4),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "SELL", "100", "120", 10),
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)
	assert.Equal(t, 1, res.DeadLettered)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(6), agg.Holdings)
	assert.True(t, agg.TotalInvested.Equal(decimal.RequireFromString("600")))
	assert.True(t, agg.RealizedPnl.Equal(decimal.RequireFromString("80")))

	var deadCount int64
	require.NoError(t, db.Model(&models.DeadLetterEvent{}).Count(&deadCount).Error)
	assert.Equal(t, int64(1), deadCount)
}

func TestProcessBatchInBatchDuplicateDropped(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()
	txID := uuid.New()

	res, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, txID, portfolio, "AAPL", "BUY", "100", "NA", 10),
		rawTrade(t, txID, portfolio, "AAPL", "BUY", "100", "NA", 10),
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.Equal(t, 1, res.Duplicates)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(10), agg.Holdings)
}

func TestProcessBatchReplayIsNoop(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()
	txID := uuid.New()

	batch := []json.RawMessage{
		rawTrade(t, txID, portfolio, "AAPL", "BUY", "100", "NA", 10),
	}

	_, err := p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)

	res, err := p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 1, res.Duplicates)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(10), agg.Holdings, "replay must not change the aggregate")
}

func TestProcessBatchUndecodableItemQuarantined(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	res, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		json.RawMessage(`{"transaction_id":"not-a-uuid"}`),
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 1),
	})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.Equal(t, 1, res.DeadLettered)

	var dead []models.DeadLetterEvent
	require.NoError(t, db.Find(&dead).Error)
	require.Len(t, dead, 1)
	assert.Equal(t, uuid.Nil, dead[0].PortfolioID)
}

func TestProcessBatchNAPriceTreatedAsZero(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := newTestProcessor(t, db)
	portfolio := uuid.New()

	_, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "NA", "", 5),
	})
	require.NoError(t, err)

	agg := loadAggregate(t, db, portfolio, "AAPL")
	assert.Equal(t, int64(5), agg.Holdings)
	assert.True(t, agg.TotalInvested.IsZero())
}

func TestProcessBatchCacheDownRetries(t *testing.T) {
	db := newTestDB(t)
	p, cache, _ := newTestProcessor(t, db)
	cache.failing = true
	portfolio := uuid.New()

	_, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 1),
	})
	require.Error(t, err, "cache outage must fail the batch, not skip dedup")

	var count int64
	require.NoError(t, db.Model(&models.PositionAggregate{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestProcessBatchBroadcastsMutations(t *testing.T) {
	db := newTestDB(t)
	p, _, bc := newTestProcessor(t, db)
	portfolio := uuid.New()

	_, err := p.ProcessBatch(context.Background(), []json.RawMessage{
		rawTrade(t, uuid.New(), portfolio, "AAPL", "BUY", "100", "NA", 1),
	})
	require.NoError(t, err)

	require.Len(t, bc.topics, 1)
	assert.Equal(t, "positions", bc.topics[0])
	mutated, ok := bc.payloads[0].([]models.PositionAggregate)
	require.True(t, ok)
	require.Len(t, mutated, 1)
	assert.Equal(t, portfolio, mutated[0].PortfolioID)
}
