package prices

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Refresher keeps the shared live-price hash warm for every symbol currently
// held in any portfolio. Per-symbol fetch failures are logged and skipped so
// one bad instrument never starves the rest.
type Refresher struct {
	db      *gorm.DB
	fetcher Fetcher
	cache   *LiveCache
	logger  *zap.Logger
}

func NewRefresher(db *gorm.DB, fetcher Fetcher, cache *LiveCache, logger *zap.Logger) *Refresher {
	return &Refresher{db: db, fetcher: fetcher, cache: cache, logger: logger}
}

func (r *Refresher) Name() string { return "price-refresh" }

func (r *Refresher) Run(ctx context.Context) error {
	var symbols []string
	err := r.db.WithContext(ctx).
		Table("position_aggregates").
		Where("holdings > 0").
		Distinct("symbol").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return err
	}

	refreshed := 0
	for _, symbol := range symbols {
		price, err := r.fetcher.Fetch(ctx, symbol)
		if err != nil {
			r.logger.Warn("price refresh skipped", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if err := r.cache.Set(ctx, symbol, price); err != nil {
			r.logger.Warn("price cache write failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		refreshed++
	}

	r.logger.Debug("price refresh cycle complete",
		zap.Int("symbols", len(symbols)), zap.Int("refreshed", refreshed))
	return nil
}
