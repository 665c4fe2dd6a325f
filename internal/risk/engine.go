// Package risk computes per-portfolio Sharpe and Sortino ratios from a
// 30-observation value series and appends the result to the outbox.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/internal/outbox"
	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// observations is the series length: 29 end-of-day snapshots plus the live
// value. Portfolios with shorter history are skipped until it accrues.
const observations = 30

const returnScale = 8

var errInsufficientHistory = errors.New("insufficient valuation history")

// PriceResolver answers current prices for the live portfolio value.
type PriceResolver interface {
	Resolve(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// ExclusiveRunner serializes per-portfolio computation across instances.
type ExclusiveRunner interface {
	RunExclusive(ctx context.Context, portfolioID uuid.UUID, fn func(tx *gorm.DB) error) (bool, error)
}

type Engine struct {
	db       *gorm.DB
	runner   ExclusiveRunner
	resolver PriceResolver
	logger   *zap.Logger
}

func NewEngine(db *gorm.DB, runner ExclusiveRunner, resolver PriceResolver, logger *zap.Logger) *Engine {
	return &Engine{db: db, runner: runner, resolver: resolver, logger: logger}
}

func (e *Engine) Name() string { return "risk" }

// Run computes risk metrics for every known portfolio. Portfolios are
// processed sequentially; a failure on one is logged and the rest still run.
func (e *Engine) Run(ctx context.Context) error {
	ids, err := e.portfolioIDs(ctx)
	if err != nil {
		return err
	}

	for _, pid := range ids {
		ran, err := e.runner.RunExclusive(ctx, pid, func(tx *gorm.DB) error {
			return e.computeOne(ctx, tx, pid)
		})
		switch {
		case errors.Is(err, errInsufficientHistory):
			e.logger.Debug("risk skipped, not enough history", zap.String("portfolio_id", pid.String()))
		case err != nil:
			e.logger.Error("risk computation failed", zap.String("portfolio_id", pid.String()), zap.Error(err))
		case ran:
			e.logger.Debug("risk computed", zap.String("portfolio_id", pid.String()))
		}
	}
	return nil
}

func (e *Engine) portfolioIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.PositionAggregate{}).
		Distinct("portfolio_id").
		Pluck("portfolio_id", &ids).Error
	return ids, err
}

// computeOne runs inside the advisory-lock transaction. The outbox append
// shares that transaction, so a rollback discards both the metric and its
// pending publication together.
func (e *Engine) computeOne(ctx context.Context, tx *gorm.DB, portfolioID uuid.UUID) error {
	var snapshots []models.ValuationSnapshot
	err := tx.Where("portfolio_id = ?", portfolioID).
		Order("date DESC").
		Limit(observations - 1).
		Find(&snapshots).Error
	if err != nil {
		return err
	}
	if len(snapshots) < observations-1 {
		return errInsufficientHistory
	}

	today, err := e.liveValue(ctx, tx, portfolioID)
	if err != nil {
		return err
	}

	// Snapshots came back newest-first; the series is oldest-first with the
	// live value last.
	values := make([]decimal.Decimal, 0, observations)
	for i := len(snapshots) - 1; i >= 0; i-- {
		values = append(values, snapshots[i].PortfolioValue)
	}
	values = append(values, today)

	m := computeMetrics(values)

	payload, err := json.Marshal(models.RiskEvent{
		PortfolioID:    portfolioID,
		AvgDailyReturn: m.avgReturn,
		SharpeRatio:    m.sharpe,
		SortinoRatio:   m.sortino,
	})
	if err != nil {
		return err
	}
	return outbox.Append(tx, portfolioID, payload)
}

func (e *Engine) liveValue(ctx context.Context, tx *gorm.DB, portfolioID uuid.UUID) (decimal.Decimal, error) {
	var positions []models.PositionAggregate
	err := tx.Where("portfolio_id = ? AND holdings > 0", portfolioID).Find(&positions).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, p := range positions {
		price, ok := e.resolver.Resolve(ctx, p.Symbol)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(p.Holdings)))
	}
	return total, nil
}

type metrics struct {
	avgReturn float64
	sharpe    float64
	sortino   float64
}

// computeMetrics derives daily-return statistics from an ascending value
// series. Returns are computed at scale 8 with half-up rounding; the standard
// deviation divides the summed squared deviations by len(values)-2, and the
// downside deviation is the root mean square of the negative returns only.
// Sums and divisions stay in decimal; only the final square root runs in
// float64, the type the reported ratios use anyway.
func computeMetrics(values []decimal.Decimal) metrics {
	n := len(values)
	returns := make([]decimal.Decimal, 0, n-1)
	sum := decimal.Zero
	for i := 1; i < n; i++ {
		prev := values[i-1]
		var r decimal.Decimal
		if !prev.IsZero() {
			r = values[i].Sub(prev).DivRound(prev, returnScale)
		}
		returns = append(returns, r)
		sum = sum.Add(r)
	}

	avg := sum.DivRound(decimal.NewFromInt(int64(len(returns))), returnScale)

	sumSq := decimal.Zero
	downSq := decimal.Zero
	downCount := 0
	for _, r := range returns {
		dev := r.Sub(avg)
		sumSq = sumSq.Add(dev.Mul(dev))
		if r.IsNegative() {
			downSq = downSq.Add(r.Mul(r))
			downCount++
		}
	}

	stdDev := math.Sqrt(sumSq.Div(decimal.NewFromInt(int64(n - 2))).InexactFloat64())

	downsideDev := 0.0
	if downCount > 0 {
		downsideDev = math.Sqrt(downSq.Div(decimal.NewFromInt(int64(downCount))).InexactFloat64())
	}

	out := metrics{avgReturn: avg.InexactFloat64()}
	if stdDev > 0 {
		out.sharpe = out.avgReturn / stdDev
	}
	if downsideDev > 0 {
		out.sortino = out.avgReturn / downsideDev
	}
	return out
}
