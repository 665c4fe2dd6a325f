package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/portfolio-analytics/internal/backpressure"
	"github.com/Aidin1998/portfolio-analytics/internal/pnl"
	"github.com/Aidin1998/portfolio-analytics/internal/reporting"
	"github.com/Aidin1998/portfolio-analytics/internal/ws"
	"github.com/Aidin1998/portfolio-analytics/pkg/models"
	"github.com/redis/go-redis/v9"
)

type staticResolver struct {
	prices map[string]decimal.Decimal
}

func (r *staticResolver) Resolve(_ context.Context, symbol string) (decimal.Decimal, bool) {
	price, ok := r.prices[symbol]
	return price, ok
}

type directRunner struct {
	db *gorm.DB
}

func (r *directRunner) RunExclusive(_ context.Context, _ uuid.UUID, fn func(tx *gorm.DB) error) (bool, error) {
	if err := r.db.Transaction(fn); err != nil {
		return false, err
	}
	return true, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, any) error { return nil }

type nopConsumer struct{}

func (nopConsumer) Pause()  {}
func (nopConsumer) Resume() {}

func newTestServer(t *testing.T) (*Server, *gorm.DB, *backpressure.Guard) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.PositionAggregate{},
		&models.ValuationSnapshot{},
		&models.DeadLetterEvent{},
		&models.OpenLot{},
		&models.Stock{},
	))

	logger := zaptest.NewLogger(t)
	hub := ws.NewHub(logger)
	guard := backpressure.NewGuard(nopConsumer{}, func(context.Context) error { return errors.New("down") }, time.Hour, logger)
	resolver := &staticResolver{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150)}}
	pnlEngine := pnl.NewEngine(db, &directRunner{db: db}, resolver, nopBroadcaster{}, logger)
	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})

	server := NewServer(":0", logger, reporting.NewService(db), pnlEngine, hub, guard, db, redisClient)
	return server, db, guard
}

func doRequest(server *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	server.httpServe.Handler.ServeHTTP(rec, req)
	return rec
}

func TestPositionsEndpoint(t *testing.T) {
	server, db, _ := newTestServer(t)
	pid := uuid.New()
	require.NoError(t, db.Create(&models.PositionAggregate{
		PortfolioID: pid, Symbol: "AAPL", Holdings: 10,
		TotalInvested: decimal.NewFromInt(1000),
	}).Error)

	rec := doRequest(server, http.MethodGet, "/api/v1/portfolios/"+pid.String()+"/positions")

	require.Equal(t, http.StatusOK, rec.Code)
	var out []reporting.SymbolSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.Equal(t, int64(10), out[0].Holdings)
}

func TestUnrealizedPnlEndpoint(t *testing.T) {
	server, db, _ := newTestServer(t)
	pid := uuid.New()
	require.NoError(t, db.Create(&models.OpenLot{
		ID: uuid.New(), PortfolioID: pid, Symbol: "AAPL",
		BuyPrice: decimal.NewFromInt(100), RemainingQty: 10,
	}).Error)

	rec := doRequest(server, http.MethodGet, "/api/v1/portfolios/"+pid.String()+"/unrealized-pnl")

	require.Equal(t, http.StatusOK, rec.Code)
	var out models.UnrealizedPnl
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, decimal.NewFromInt(500).Equal(out.Total))
}

func TestInvalidPortfolioIDRejected(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/api/v1/portfolios/not-a-uuid/positions")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthDegradedWhilePaused(t *testing.T) {
	server, _, guard := newTestServer(t)

	guard.ReportFailure(errors.New("storage down"))

	rec := doRequest(server, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "paused", out["ingestion"])
}
