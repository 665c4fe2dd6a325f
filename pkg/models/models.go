package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade sides. The inbound feed only ever carries these two values; anything
// else fails decoding and is dead-lettered.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Outbox and dead-letter statuses
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Metric kinds coordinated through MetricStatus rows and advisory locks.
const (
	MetricKindUnrealizedPnl  = "UNREALIZED_PNL"
	MetricKindRisk           = "RISK"
	MetricKindPortfolioValue = "PORTFOLIO_VALUE"
)

// TradeEvent is one inbound trade message. Immutable once decoded;
// TransactionID is the dedup key.
type TradeEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	PortfolioID   uuid.UUID       `json:"portfolio_id"`
	Symbol        string          `json:"symbol"`
	Side          TradeSide       `json:"side"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	Quantity      int64           `json:"quantity"`
}

// ParsePrice decodes a decimal price off the wire. Upstream encodes prices as
// strings and emits "NA" or an empty field when the side has no price; those
// and anything unparseable collapse to zero.
func ParsePrice(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PositionAggregate is the per-(portfolio, symbol) netted position. Mutated
// only by the batch transaction processor inside its atomic batch write.
// TotalInvested is reset to zero whenever Holdings reaches zero.
type PositionAggregate struct {
	PortfolioID   uuid.UUID       `json:"portfolio_id" gorm:"primaryKey;type:uuid"`
	Symbol        string          `json:"symbol" gorm:"primaryKey"`
	Holdings      int64           `json:"holdings"`
	TotalInvested decimal.Decimal `json:"total_invested" gorm:"type:numeric(24,8)"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl" gorm:"type:numeric(24,8)"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (PositionAggregate) TableName() string { return "position_aggregates" }

// OutboxEvent is a durable pending publication. Created by the risk engine
// with status PENDING; only the outbox dispatcher moves it to SENT or FAILED.
type OutboxEvent struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PortfolioID uuid.UUID `json:"portfolio_id" gorm:"type:uuid;index"`
	Payload     []byte    `json:"payload" gorm:"type:bytea"`
	Status      string    `json:"status" gorm:"index;default:PENDING"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// DeadLetterEvent quarantines an inbound transaction that violated a domain
// invariant or failed to decode. Audit trail; never mutated after insert.
type DeadLetterEvent struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PortfolioID uuid.UUID `json:"portfolio_id" gorm:"type:uuid;index"`
	Payload     []byte    `json:"payload" gorm:"type:bytea"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status" gorm:"default:PENDING"`
	CreatedAt   time.Time `json:"created_at"`
}

func (DeadLetterEvent) TableName() string { return "dead_letter_events" }

// ValuationSnapshot is one portfolio's end-of-day value. Append-only,
// one row per portfolio per day.
type ValuationSnapshot struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PortfolioID    uuid.UUID       `json:"portfolio_id" gorm:"type:uuid;uniqueIndex:idx_valuation_day"`
	Date           time.Time       `json:"date" gorm:"type:date;uniqueIndex:idx_valuation_day"`
	PortfolioValue decimal.Decimal `json:"portfolio_value" gorm:"type:numeric(24,8)"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (ValuationSnapshot) TableName() string { return "valuation_snapshots" }

// MetricStatus records when a metric kind was last computed for a portfolio.
// Read to decide whether recomputation is due; upserted after a successful run.
type MetricStatus struct {
	MetricKind     string    `json:"metric_kind" gorm:"primaryKey"`
	PortfolioID    uuid.UUID `json:"portfolio_id" gorm:"primaryKey;type:uuid"`
	LastComputedAt time.Time `json:"last_computed_at"`
}

func (MetricStatus) TableName() string { return "metric_status" }

// OpenLot is a partially-unfilled buy, written by the upstream trade matcher
// and read here to derive unrealized PnL. RemainingQty counts the unsold part.
type OpenLot struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PortfolioID  uuid.UUID       `json:"portfolio_id" gorm:"type:uuid;index"`
	Symbol       string          `json:"symbol" gorm:"index"`
	BuyPrice     decimal.Decimal `json:"buy_price" gorm:"type:numeric(24,8)"`
	RemainingQty int64           `json:"remaining_qty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (OpenLot) TableName() string { return "open_lots" }

// Stock is catalog metadata used by the sector reporting queries.
type Stock struct {
	Symbol string `json:"symbol" gorm:"primaryKey"`
	Name   string `json:"name"`
	Sector string `json:"sector" gorm:"index"`
}

func (Stock) TableName() string { return "stocks" }

// RiskEvent is the outbound risk-metrics payload, serialized into an
// OutboxEvent and published keyed by portfolio.
type RiskEvent struct {
	PortfolioID    uuid.UUID `json:"portfolio_id"`
	AvgDailyReturn float64   `json:"avg_daily_return"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	SortinoRatio   float64   `json:"sortino_ratio"`
}

// UnrealizedPnl is the broadcast payload of the unrealized-PnL engine.
type UnrealizedPnl struct {
	PortfolioID uuid.UUID                  `json:"portfolio_id"`
	BySymbol    map[string]decimal.Decimal `json:"by_symbol"`
	Total       decimal.Decimal            `json:"total"`
	ComputedAt  time.Time                  `json:"computed_at"`
}
