// Package coordination implements the per-portfolio freshness check and
// database advisory lock shared by every periodic metric computation. Any
// number of instances may race over the same portfolio list; at most one
// performs the expensive computation per freshness window.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// Coordinator is instantiated once per metric kind.
type Coordinator struct {
	db     *gorm.DB
	kind   string
	window time.Duration
}

func New(db *gorm.DB, kind string, window time.Duration) *Coordinator {
	return &Coordinator{db: db, kind: kind, window: window}
}

// Kind returns the metric kind this coordinator owns.
func (c *Coordinator) Kind() string { return c.kind }

// ComputedRecently reports whether the metric was computed within the
// freshness window.
func (c *Coordinator) ComputedRecently(ctx context.Context, portfolioID uuid.UUID) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&models.MetricStatus{}).
		Where("metric_kind = ? AND portfolio_id = ? AND last_computed_at > ?",
			c.kind, portfolioID, time.Now().UTC().Add(-c.window)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("freshness check %s/%s: %w", c.kind, portfolioID, err)
	}
	return count > 0, nil
}

// TryAdvisoryLock attempts a non-blocking, transaction-scoped exclusive lock
// keyed by hashtext("<kind>:<portfolioId>"). It must run inside tx; Postgres
// releases the lock automatically at commit or rollback. Returns false
// immediately when another instance holds it.
func (c *Coordinator) TryAdvisoryLock(tx *gorm.DB, portfolioID uuid.UUID) (bool, error) {
	var acquired bool
	err := tx.Raw(
		"SELECT pg_try_advisory_xact_lock(hashtext(? || ':' || ?))",
		c.kind, portfolioID.String(),
	).Scan(&acquired).Error
	if err != nil {
		return false, fmt.Errorf("advisory lock %s/%s: %w", c.kind, portfolioID, err)
	}
	return acquired, nil
}

// UpdateLastComputed upserts the freshness marker to now. The timestamp comes
// from Go rather than the database so the upsert works on any SQL backend.
func (c *Coordinator) UpdateLastComputed(tx *gorm.DB, portfolioID uuid.UUID) error {
	err := tx.Exec(`
		INSERT INTO metric_status (metric_kind, portfolio_id, last_computed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (metric_kind, portfolio_id)
		DO UPDATE SET last_computed_at = excluded.last_computed_at`,
		c.kind, portfolioID, time.Now().UTC(),
	).Error
	if err != nil {
		return fmt.Errorf("update last computed %s/%s: %w", c.kind, portfolioID, err)
	}
	return nil
}

// RunExclusive applies the full call order for a periodic per-portfolio
// computation: skip when fresh, skip when locked elsewhere, otherwise run fn
// inside one transaction and stamp the freshness marker on success. Returns
// true when fn actually ran.
func (c *Coordinator) RunExclusive(ctx context.Context, portfolioID uuid.UUID, fn func(tx *gorm.DB) error) (bool, error) {
	fresh, err := c.ComputedRecently(ctx, portfolioID)
	if err != nil {
		return false, err
	}
	if fresh {
		return false, nil
	}

	ran := false
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acquired, err := c.TryAdvisoryLock(tx, portfolioID)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		if err := fn(tx); err != nil {
			return err
		}
		ran = true
		return c.UpdateLastComputed(tx, portfolioID)
	})
	if err != nil {
		return false, err
	}
	return ran, nil
}
