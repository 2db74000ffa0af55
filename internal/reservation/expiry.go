package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
)

// expireDue expires every active reservation of productID with expires_at <= now.
// The caller's unit must hold productID.
func (m *Manager) expireDue(tx *inventory.Tx, productID string, now time.Time) (int, error) {
	var due []*db.Reservation
	err := tx.DB().
		Where("product_id = ? AND status = ? AND expires_at <= ?", productID, db.ReservationActive, now).
		Order("expires_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("find due reservations of %s: %w", productID, err)
	}

	for _, r := range due {
		if _, err := tx.ApplyMovement(productID, inventory.Change{
			Reserved:    -r.Quantity,
			Type:        db.MovementRelease,
			ReferenceID: r.ReservationID,
			Reason:      "reservation expired",
		}); err != nil {
			return 0, err
		}
		if err := transition(tx.DB(), r, db.ReservationExpired, map[string]interface{}{"released_at": now}); err != nil {
			return 0, err
		}
		r.Status = db.ReservationExpired
		r.ReleasedAt = &now
		tx.Emit(events.NewEvent(events.EventTypeReservationExpired, now, payload(r)))
	}
	if n := len(due); n > 0 {
		tx.AfterCommit(func() {
			for i := 0; i < n; i++ {
				m.store.Metrics().Reservation("expired")
			}
		})
	}
	return len(due), nil
}

func (m *Manager) hasDue(ctx context.Context, productID string, now time.Time) (bool, error) {
	var n int64
	err := m.store.DB().WithContext(ctx).Model(&db.Reservation{}).
		Where("product_id = ? AND status = ? AND expires_at <= ?", productID, db.ReservationActive, now).
		Count(&n).Error
	return n > 0, err
}

// ExpireDue lazily expires the due reservations of one product. It is cheap
// when nothing is due.
func (m *Manager) ExpireDue(ctx context.Context, productID string) (int, error) {
	now := m.store.Now()
	due, err := m.hasDue(ctx, productID, now)
	if err != nil || !due {
		return 0, err
	}

	var expired int
	err = m.store.Update(ctx, []string{productID}, func(tx *inventory.Tx) error {
		n, err := m.expireDue(tx, productID, now)
		expired = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		m.log.Info("Expired reservations", zap.String("product_id", productID), zap.Int("count", expired))
	}
	return expired, nil
}

// SweepExpired expires every active reservation with expires_at <= now,
// one product at a time under that product's lock.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var productIDs []string
	err := m.store.DB().WithContext(ctx).Model(&db.Reservation{}).
		Where("status = ? AND expires_at <= ?", db.ReservationActive, now).
		Distinct("product_id").
		Order("product_id").
		Pluck("product_id", &productIDs).Error
	if err != nil {
		return 0, fmt.Errorf("find products with due reservations: %w", err)
	}

	total := 0
	var errs []error
	for _, productID := range productIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		var expired int
		err := m.store.Update(ctx, []string{productID}, func(tx *inventory.Tx) error {
			n, err := m.expireDue(tx, productID, now)
			expired = n
			return err
		})
		if err != nil {
			m.log.Warn("Failed to expire reservations", zap.String("product_id", productID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", productID, err))
			continue
		}
		total += expired
	}
	return total, errors.Join(errs...)
}

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{manager: manager, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Reservation sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.manager.SweepExpired(ctx, s.manager.store.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		level := zap.ErrorLevel
		if apperr.Retryable(err) {
			level = zap.WarnLevel
		}
		s.log.Log(level, "Reservation sweep incomplete", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("Reservation sweep expired reservations", zap.Int("expired", n))
	}
}
