package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// TxOps are the status transitions available while a batch's row locks are
// held.
type TxOps interface {
	MarkSent(ids []uuid.UUID) error
	MarkFailed(id uuid.UUID) error
}

// Store fetches and transitions pending outbox rows.
type Store interface {
	// WithPending locks up to limit PENDING rows oldest-first, skipping rows
	// already locked by a concurrent dispatcher, and runs fn inside the same
	// transaction so status updates commit before the locks release.
	WithPending(ctx context.Context, limit int, fn func(ops TxOps, batch []models.OutboxEvent) error) error
}

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append inserts a new PENDING event. Used by the metric engines inside their
// own transactions, so computation commit and event creation are atomic.
func Append(tx *gorm.DB, portfolioID uuid.UUID, payload []byte) error {
	return tx.Create(&models.OutboxEvent{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		Payload:     payload,
		Status:      models.OutboxStatusPending,
	}).Error
}

func (s *GormStore) WithPending(ctx context.Context, limit int, fn func(ops TxOps, batch []models.OutboxEvent) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []models.OutboxEvent
		err := tx.Raw(`
			SELECT * FROM outbox_events
			WHERE status = ?
			ORDER BY created_at, id
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			models.OutboxStatusPending, limit,
		).Scan(&batch).Error
		if err != nil {
			return err
		}
		return fn(gormTxOps{tx: tx}, batch)
	})
}

type gormTxOps struct {
	tx *gorm.DB
}

func (o gormTxOps) MarkSent(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return o.tx.Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": models.OutboxStatusSent, "updated_at": time.Now()}).Error
}

func (o gormTxOps) MarkFailed(id uuid.UUID) error {
	return o.tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.OutboxStatusFailed, "updated_at": time.Now()}).Error
}
