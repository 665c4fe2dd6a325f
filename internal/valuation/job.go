// Package valuation writes the end-of-day portfolio value snapshots the risk
// engine consumes as its historical series.
package valuation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

type PriceResolver interface {
	Resolve(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

type ExclusiveRunner interface {
	RunExclusive(ctx context.Context, portfolioID uuid.UUID, fn func(tx *gorm.DB) error) (bool, error)
}

type Job struct {
	db       *gorm.DB
	runner   ExclusiveRunner
	resolver PriceResolver
	logger   *zap.Logger
}

func NewJob(db *gorm.DB, runner ExclusiveRunner, resolver PriceResolver, logger *zap.Logger) *Job {
	return &Job{db: db, runner: runner, resolver: resolver, logger: logger}
}

func (j *Job) Name() string { return "valuation" }

// Run snapshots every portfolio's current value. One row per portfolio per
// day; a concurrent instance that already wrote today's row wins and the
// duplicate insert is dropped.
func (j *Job) Run(ctx context.Context) error {
	var ids []uuid.UUID
	err := j.db.WithContext(ctx).
		Model(&models.PositionAggregate{}).
		Distinct("portfolio_id").
		Pluck("portfolio_id", &ids).Error
	if err != nil {
		return err
	}

	for _, pid := range ids {
		ran, err := j.runner.RunExclusive(ctx, pid, func(tx *gorm.DB) error {
			return j.snapshotOne(ctx, tx, pid)
		})
		if err != nil {
			j.logger.Error("valuation snapshot failed", zap.String("portfolio_id", pid.String()), zap.Error(err))
			continue
		}
		if ran {
			j.logger.Debug("valuation snapshot written", zap.String("portfolio_id", pid.String()))
		}
	}
	return nil
}

func (j *Job) snapshotOne(ctx context.Context, tx *gorm.DB, portfolioID uuid.UUID) error {
	var positions []models.PositionAggregate
	err := tx.Where("portfolio_id = ? AND holdings > 0", portfolioID).Find(&positions).Error
	if err != nil {
		return err
	}

	total := decimal.Zero
	for _, p := range positions {
		price, ok := j.resolver.Resolve(ctx, p.Symbol)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(p.Holdings)))
	}

	snapshot := models.ValuationSnapshot{
		ID:             uuid.New(),
		PortfolioID:    portfolioID,
		Date:           time.Now().UTC().Truncate(24 * time.Hour),
		PortfolioValue: total,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "portfolio_id"}, {Name: "date"}},
		DoNothing: true,
	}).Create(&snapshot).Error
}
