package prices

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveSource is the shared live-price lookup the resolver consults first.
type LiveSource interface {
	Get(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Resolver answers "what is this symbol worth right now". Resolution order:
// live cache, then the last-known fallback map, then a bounded fetch from the
// price source. Every successful resolution refreshes the fallback map, so a
// price-source outage degrades to slightly stale prices instead of misses.
type Resolver struct {
	live    LiveSource
	fetcher Fetcher
	logger  *zap.Logger

	mu       sync.RWMutex
	fallback map[string]decimal.Decimal
}

func NewResolver(live LiveSource, fetcher Fetcher, logger *zap.Logger) *Resolver {
	return &Resolver{
		live:     live,
		fetcher:  fetcher,
		logger:   logger,
		fallback: make(map[string]decimal.Decimal),
	}
}

// Resolve returns the current price for symbol, or false when no source can
// answer. It never returns an error; an unresolvable symbol is skipped by
// callers, not treated as a failure.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if price, ok, err := r.live.Get(ctx, symbol); err != nil {
		r.logger.Warn("live price cache unavailable", zap.String("symbol", symbol), zap.Error(err))
	} else if ok {
		r.remember(symbol, price)
		return price, true
	}

	r.mu.RLock()
	price, ok := r.fallback[symbol]
	r.mu.RUnlock()
	if ok {
		return price, true
	}

	price, err := r.fetcher.Fetch(ctx, symbol)
	if err != nil {
		r.logger.Warn("price unresolved", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero, false
	}
	r.remember(symbol, price)
	return price, true
}

func (r *Resolver) remember(symbol string, price decimal.Decimal) {
	r.mu.Lock()
	r.fallback[symbol] = price
	r.mu.Unlock()
}
