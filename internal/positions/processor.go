// Package positions consumes inbound trade batches and nets them into
// per-(portfolio, symbol) aggregates.
//
// Consumption is idempotent at-least-once: transaction IDs are deduplicated
// in-batch and against the Redis cache, and offsets are acknowledged only
// after the batch's atomic write commits. The cache marking happens after the
// commit and is not transactional with it; a crash in between can cause a
// transaction to be re-applied on redelivery. That gap is accepted and
// documented rather than papered over.
package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// ErrInsufficientHoldings marks a SELL whose quantity exceeds the current
// position. The transaction is dead-lettered; the rest of its batch proceeds.
var ErrInsufficientHoldings = errors.New("insufficient holdings")

// DedupCache is the idempotency store consulted before applying transactions.
type DedupCache interface {
	FilterProcessed(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID) error
}

// Broadcaster pushes mutated aggregates to live subscribers, best-effort.
type Broadcaster interface {
	Broadcast(topic string, payload any) error
}

// FailureReporter receives fatal persistence failures so ingestion can be
// paused while the store of record is down.
type FailureReporter interface {
	ReportFailure(err error)
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Applied      []uuid.UUID
	Duplicates   int
	DeadLettered int
	Mutated      []models.PositionAggregate
}

// Processor applies trade batches against the position store.
type Processor struct {
	db          *gorm.DB
	cache       DedupCache
	broadcaster Broadcaster
	guard       FailureReporter
	logger      *zap.Logger
}

func NewProcessor(db *gorm.DB, cache DedupCache, broadcaster Broadcaster, guard FailureReporter, logger *zap.Logger) *Processor {
	return &Processor{
		db:          db,
		cache:       cache,
		broadcaster: broadcaster,
		guard:       guard,
		logger:      logger,
	}
}

// positionTopic is the push channel carrying mutated aggregates.
const positionTopic = "positions"

type aggregateKey struct {
	portfolioID uuid.UUID
	symbol      string
}

type decodedTrade struct {
	raw json.RawMessage
	ev  models.TradeEvent
}

// HandleMessage adapts the processor to the bus consumer. A batch whose
// envelope is unreadable is quarantined whole and acknowledged; a persistence
// failure propagates so the offset stays uncommitted.
func (p *Processor) HandleMessage(ctx context.Context, msg kafka.Message) error {
	items, err := models.DecodeTradeBatch(msg.Value)
	if err != nil {
		p.logger.Warn("quarantining unreadable batch", zap.Error(err), zap.Int64("offset", msg.Offset))
		return p.db.WithContext(ctx).Create(&models.DeadLetterEvent{
			ID:      uuid.New(),
			Payload: msg.Value,
			Reason:  err.Error(),
			Status:  models.OutboxStatusPending,
		}).Error
	}
	_, err = p.ProcessBatch(ctx, items)
	return err
}

// ProcessBatch applies an ordered batch of transactions per the contract:
// in-batch dedup, cache dedup, one bulk aggregate load, ordered in-memory
// apply with per-transaction failure containment, then one atomic write of
// aggregates plus dead letters. Cache marking and subscriber broadcast run
// only after the commit.
func (p *Processor) ProcessBatch(ctx context.Context, items []json.RawMessage) (*BatchResult, error) {
	start := time.Now()
	res := &BatchResult{}

	batch, deadLetters := p.decodeAndDedup(items, res)

	ids := make([]uuid.UUID, 0, len(batch))
	for _, d := range batch {
		ids = append(ids, d.ev.TransactionID)
	}
	already, err := p.cache.FilterProcessed(ctx, ids)
	if err != nil {
		// Cache unreachable: failing open would double-apply trades, so the
		// batch is retried instead.
		return nil, fmt.Errorf("idempotency check: %w", err)
	}

	surviving := batch[:0]
	for _, d := range batch {
		if already[d.ev.TransactionID] {
			res.Duplicates++
			continue
		}
		surviving = append(surviving, d)
	}

	working, err := p.loadAggregates(ctx, surviving)
	if err != nil {
		p.reportFailure(err)
		return nil, fmt.Errorf("bulk aggregate load: %w", err)
	}

	mutated := make(map[aggregateKey]*models.PositionAggregate)
	for _, d := range surviving {
		key := aggregateKey{d.ev.PortfolioID, d.ev.Symbol}
		agg := working[key]
		if agg == nil {
			agg = &models.PositionAggregate{
				PortfolioID:   d.ev.PortfolioID,
				Symbol:        d.ev.Symbol,
				TotalInvested: decimal.Zero,
				RealizedPnl:   decimal.Zero,
			}
			working[key] = agg
		}

		if err := applyTrade(agg, d.ev); err != nil {
			p.logger.Warn("transaction rejected",
				zap.Error(err),
				zap.String("transaction_id", d.ev.TransactionID.String()),
				zap.String("portfolio_id", d.ev.PortfolioID.String()))
			deadLetters = append(deadLetters, newDeadLetter(d.ev.PortfolioID, d.raw, err.Error()))
			res.DeadLettered++
			continue
		}
		mutated[key] = agg
		res.Applied = append(res.Applied, d.ev.TransactionID)
	}

	for _, agg := range mutated {
		res.Mutated = append(res.Mutated, *agg)
	}

	if err := p.persist(ctx, res.Mutated, deadLetters); err != nil {
		p.reportFailure(err)
		return nil, fmt.Errorf("batch persistence: %w", err)
	}

	// Post-commit: marking and broadcast must never roll back the write.
	if err := p.cache.MarkProcessed(ctx, res.Applied); err != nil {
		p.logger.Error("failed to mark processed transactions, replays possible", zap.Error(err))
	}
	if p.broadcaster != nil && len(res.Mutated) > 0 {
		if err := p.broadcaster.Broadcast(positionTopic, res.Mutated); err != nil {
			p.logger.Warn("position broadcast failed", zap.Error(err))
		}
	}

	p.logger.Info("batch processed",
		zap.Int("received", len(items)),
		zap.Int("applied", len(res.Applied)),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("dead_lettered", res.DeadLettered),
		zap.Duration("duration", time.Since(start)))

	return res, nil
}

// decodeAndDedup decodes each raw transaction and drops in-batch duplicates,
// first occurrence winning. Undecodable items become dead letters.
func (p *Processor) decodeAndDedup(items []json.RawMessage, res *BatchResult) ([]decodedTrade, []models.DeadLetterEvent) {
	var batch []decodedTrade
	var deadLetters []models.DeadLetterEvent
	seen := make(map[uuid.UUID]struct{}, len(items))

	for _, raw := range items {
		ev, err := models.DecodeTradeEvent(raw)
		if err != nil {
			p.logger.Warn("undecodable transaction", zap.Error(err))
			deadLetters = append(deadLetters, newDeadLetter(portfolioHint(raw), raw, err.Error()))
			res.DeadLettered++
			continue
		}
		if _, dup := seen[ev.TransactionID]; dup {
			res.Duplicates++
			continue
		}
		seen[ev.TransactionID] = struct{}{}
		batch = append(batch, decodedTrade{raw: raw, ev: ev})
	}
	return batch, deadLetters
}

// loadAggregates fetches every touched (portfolio, symbol) aggregate in a
// single read.
func (p *Processor) loadAggregates(ctx context.Context, batch []decodedTrade) (map[aggregateKey]*models.PositionAggregate, error) {
	working := make(map[aggregateKey]*models.PositionAggregate)
	if len(batch) == 0 {
		return working, nil
	}

	keys := make(map[aggregateKey]struct{}, len(batch))
	for _, d := range batch {
		keys[aggregateKey{d.ev.PortfolioID, d.ev.Symbol}] = struct{}{}
	}

	q := p.db.WithContext(ctx).Model(&models.PositionAggregate{})
	cond := p.db.Session(&gorm.Session{NewDB: true})
	for key := range keys {
		cond = cond.Or("portfolio_id = ? AND symbol = ?", key.portfolioID, key.symbol)
	}

	var existing []models.PositionAggregate
	if err := q.Where(cond).Find(&existing).Error; err != nil {
		return nil, err
	}

	for i := range existing {
		agg := existing[i]
		working[aggregateKey{agg.PortfolioID, agg.Symbol}] = &existing[i]
	}
	return working, nil
}

// persist writes mutated aggregates and dead letters as two bulk writes in
// one atomic transaction.
func (p *Processor) persist(ctx context.Context, mutated []models.PositionAggregate, deadLetters []models.DeadLetterEvent) error {
	if len(mutated) == 0 && len(deadLetters) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(mutated) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "portfolio_id"}, {Name: "symbol"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"holdings", "total_invested", "realized_pnl", "updated_at",
				}),
			}).Create(&mutated).Error
			if err != nil {
				return err
			}
		}
		if len(deadLetters) > 0 {
			if err := tx.Create(&deadLetters).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Processor) reportFailure(err error) {
	if p.guard != nil {
		p.guard.ReportFailure(err)
	}
}

// applyTrade nets one transaction into the aggregate. BUY and SELL are the
// only sides; decoding guarantees exhaustiveness.
func applyTrade(agg *models.PositionAggregate, ev models.TradeEvent) error {
	qty := decimal.NewFromInt(ev.Quantity)

	switch ev.Side {
	case models.TradeSideBuy:
		agg.Holdings += ev.Quantity
		agg.TotalInvested = agg.TotalInvested.Add(ev.BuyPrice.Mul(qty))

	case models.TradeSideSell:
		if ev.Quantity > agg.Holdings {
			return fmt.Errorf("%w: selling %d with %d held", ErrInsufficientHoldings, ev.Quantity, agg.Holdings)
		}
		agg.RealizedPnl = agg.RealizedPnl.Add(ev.SellPrice.Sub(ev.BuyPrice).Mul(qty))
		agg.Holdings -= ev.Quantity
		agg.TotalInvested = agg.TotalInvested.Sub(ev.BuyPrice.Mul(qty))
		// Cost basis has no meaning without holdings.
		if agg.Holdings == 0 {
			agg.TotalInvested = decimal.Zero
		}

	default:
		return fmt.Errorf("unknown trade side %q", ev.Side)
	}
	return nil
}

func newDeadLetter(portfolioID uuid.UUID, raw []byte, reason string) models.DeadLetterEvent {
	return models.DeadLetterEvent{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		Payload:     raw,
		Reason:      reason,
		Status:      models.OutboxStatusPending,
	}
}

// portfolioHint best-effort extracts the portfolio from a payload that failed
// full decoding, so the dead letter stays attributable.
func portfolioHint(raw []byte) uuid.UUID {
	var partial struct {
		PortfolioID string `json:"portfolio_id"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(partial.PortfolioID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
