package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// tradeEventWire is the raw inbound shape. Prices arrive as strings so the
// upstream can send "NA" for the side that has no price.
type tradeEventWire struct {
	TransactionID string `json:"transaction_id"`
	PortfolioID   string `json:"portfolio_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	BuyPrice      string `json:"buy_price"`
	SellPrice     string `json:"sell_price"`
	Quantity      int64  `json:"quantity"`
}

// DecodeTradeEvent decodes and validates a single inbound transaction.
// A non-nil error means the payload is dead-letter material, not retryable.
func DecodeTradeEvent(raw []byte) (TradeEvent, error) {
	var w tradeEventWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return TradeEvent{}, fmt.Errorf("malformed trade event: %w", err)
	}

	txID, err := uuid.Parse(w.TransactionID)
	if err != nil {
		return TradeEvent{}, fmt.Errorf("invalid transaction_id %q: %w", w.TransactionID, err)
	}
	portfolioID, err := uuid.Parse(w.PortfolioID)
	if err != nil {
		return TradeEvent{}, fmt.Errorf("invalid portfolio_id %q: %w", w.PortfolioID, err)
	}
	if w.Symbol == "" {
		return TradeEvent{}, fmt.Errorf("transaction %s has empty symbol", txID)
	}

	side := TradeSide(w.Side)
	switch side {
	case TradeSideBuy, TradeSideSell:
	default:
		return TradeEvent{}, fmt.Errorf("transaction %s has unknown side %q", txID, w.Side)
	}

	if w.Quantity <= 0 {
		return TradeEvent{}, fmt.Errorf("transaction %s has non-positive quantity %d", txID, w.Quantity)
	}

	return TradeEvent{
		TransactionID: txID,
		PortfolioID:   portfolioID,
		Symbol:        w.Symbol,
		Side:          side,
		BuyPrice:      ParsePrice(w.BuyPrice),
		SellPrice:     ParsePrice(w.SellPrice),
		Quantity:      w.Quantity,
	}, nil
}

// DecodeTradeBatch splits one bus message into its individual transactions
// without decoding them, so a single bad element can be quarantined while the
// rest of the batch proceeds.
func DecodeTradeBatch(raw []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("malformed trade batch: %w", err)
	}
	return items, nil
}
