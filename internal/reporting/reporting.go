// Package reporting serves read-side aggregations over the position store.
package reporting

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// SectorAllocation is invested capital grouped by stock sector. Symbols with
// no catalog entry fall into the "UNKNOWN" bucket.
type SectorAllocation struct {
	Sector        string          `json:"sector"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	Holdings      int64           `json:"holdings"`
}

// SymbolSummary is one symbol's aggregate across a portfolio.
type SymbolSummary struct {
	Symbol        string          `json:"symbol"`
	Holdings      int64           `json:"holdings"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// SectorAllocations joins positions against the stock catalog and groups
// invested capital by sector, largest first.
func (s *Service) SectorAllocations(ctx context.Context, portfolioID uuid.UUID) ([]SectorAllocation, error) {
	var out []SectorAllocation
	err := s.db.WithContext(ctx).
		Table("position_aggregates p").
		Select("COALESCE(s.sector, 'UNKNOWN') AS sector, SUM(p.total_invested) AS total_invested, SUM(p.holdings) AS holdings").
		Joins("LEFT JOIN stocks s ON s.symbol = p.symbol").
		Where("p.portfolio_id = ? AND p.holdings > 0", portfolioID).
		Group("COALESCE(s.sector, 'UNKNOWN')").
		Order("total_invested DESC").
		Scan(&out).Error
	return out, err
}

// Positions returns the per-symbol aggregates of one portfolio, including
// closed positions whose realized PnL is still of interest.
func (s *Service) Positions(ctx context.Context, portfolioID uuid.UUID) ([]SymbolSummary, error) {
	var out []SymbolSummary
	err := s.db.WithContext(ctx).
		Model(&models.PositionAggregate{}).
		Select("symbol, holdings, total_invested, realized_pnl").
		Where("portfolio_id = ?", portfolioID).
		Order("symbol").
		Scan(&out).Error
	return out, err
}

// Valuations returns the snapshot history of one portfolio, oldest first.
func (s *Service) Valuations(ctx context.Context, portfolioID uuid.UUID, limit int) ([]models.ValuationSnapshot, error) {
	var out []models.ValuationSnapshot
	q := s.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("date ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeadLetters returns quarantined transactions for operator inspection.
func (s *Service) DeadLetters(ctx context.Context, portfolioID uuid.UUID, limit int) ([]models.DeadLetterEvent, error) {
	var out []models.DeadLetterEvent
	q := s.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
