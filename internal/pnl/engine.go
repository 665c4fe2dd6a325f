// Package pnl computes unrealized profit and loss over open lots and pushes
// the result to websocket subscribers.
package pnl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// Topic is the broadcast channel subscribers listen on.
const Topic = "unrealized-pnl"

type PriceResolver interface {
	Resolve(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

type ExclusiveRunner interface {
	RunExclusive(ctx context.Context, portfolioID uuid.UUID, fn func(tx *gorm.DB) error) (bool, error)
}

// Broadcaster delivery is telemetry grade; failures are logged, never retried.
type Broadcaster interface {
	Broadcast(topic string, payload any) error
}

type Engine struct {
	db          *gorm.DB
	runner      ExclusiveRunner
	resolver    PriceResolver
	broadcaster Broadcaster
	logger      *zap.Logger
}

func NewEngine(db *gorm.DB, runner ExclusiveRunner, resolver PriceResolver, broadcaster Broadcaster, logger *zap.Logger) *Engine {
	return &Engine{db: db, runner: runner, resolver: resolver, broadcaster: broadcaster, logger: logger}
}

func (e *Engine) Name() string { return "unrealized-pnl" }

// Run recomputes unrealized PnL for every portfolio holding open lots. The
// broadcast happens after the coordination transaction commits so the
// advisory lock is never held across subscriber delivery.
func (e *Engine) Run(ctx context.Context) error {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.OpenLot{}).
		Where("remaining_qty > 0").
		Distinct("portfolio_id").
		Pluck("portfolio_id", &ids).Error
	if err != nil {
		return err
	}

	for _, pid := range ids {
		var result *models.UnrealizedPnl
		ran, err := e.runner.RunExclusive(ctx, pid, func(tx *gorm.DB) error {
			var computeErr error
			result, computeErr = e.compute(ctx, tx, pid)
			return computeErr
		})
		if err != nil {
			e.logger.Error("unrealized pnl failed", zap.String("portfolio_id", pid.String()), zap.Error(err))
			continue
		}
		if !ran || result == nil {
			continue
		}
		if err := e.broadcaster.Broadcast(Topic, result); err != nil {
			e.logger.Warn("unrealized pnl broadcast failed",
				zap.String("portfolio_id", pid.String()), zap.Error(err))
		}
	}
	return nil
}

// Compute answers an on-demand request without freshness gating or locking;
// reads are consistent enough for a dashboard view.
func (e *Engine) Compute(ctx context.Context, portfolioID uuid.UUID) (*models.UnrealizedPnl, error) {
	return e.compute(ctx, e.db.WithContext(ctx), portfolioID)
}

func (e *Engine) compute(ctx context.Context, tx *gorm.DB, portfolioID uuid.UUID) (*models.UnrealizedPnl, error) {
	var lots []models.OpenLot
	err := tx.Where("portfolio_id = ? AND remaining_qty > 0", portfolioID).Find(&lots).Error
	if err != nil {
		return nil, err
	}

	result := &models.UnrealizedPnl{
		PortfolioID: portfolioID,
		BySymbol:    make(map[string]decimal.Decimal),
		ComputedAt:  time.Now().UTC(),
	}
	for _, lot := range lots {
		price, ok := e.resolver.Resolve(ctx, lot.Symbol)
		if !ok {
			// No source can price this lot; leave it out rather than guess.
			continue
		}
		unrealized := price.Sub(lot.BuyPrice).Mul(decimal.NewFromInt(lot.RemainingQty))
		result.BySymbol[lot.Symbol] = result.BySymbol[lot.Symbol].Add(unrealized)
		result.Total = result.Total.Add(unrealized)
	}
	return result, nil
}
