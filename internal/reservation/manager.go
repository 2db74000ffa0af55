// Package reservation manages the lifecycle of stock holds: reserve, extend,
// commit, release and TTL expiry.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
)

// DefaultTTL is how long a reservation holds stock before it expires.
const DefaultTTL = 15 * time.Minute

type Manager struct {
	store *inventory.Store
	log   *zap.Logger
	ttl   time.Duration
	newID func() string
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

func NewManager(store *inventory.Store, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store: store,
		log:   log,
		ttl:   DefaultTTL,
		newID: func() string { return "RES-" + strings.ToUpper(uuid.New().String()) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Get retrieves a reservation by id
func (m *Manager) Get(ctx context.Context, reservationID string) (*db.Reservation, error) {
	return load(m.store.DB().WithContext(ctx), reservationID)
}

func load(tx *gorm.DB, reservationID string) (*db.Reservation, error) {
	var r db.Reservation
	err := tx.Where("reservation_id = ?", reservationID).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrUnknownReservation, reservationID)
		}
		return nil, err
	}
	return &r, nil
}

// ListByCustomer returns the customer's reservations, newest first.
func (m *Manager) ListByCustomer(ctx context.Context, customerID string, activeOnly bool) ([]*db.Reservation, error) {
	q := m.store.DB().WithContext(ctx).Where("customer_id = ?", customerID)
	if activeOnly {
		q = q.Where("status = ?", db.ReservationActive)
	}
	var out []*db.Reservation
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve holds quantity units of productID for customerID until now+TTL.
// Due reservations of the product are expired first so they do not hide stock.
func (m *Manager) Reserve(ctx context.Context, productID string, quantity int, customerID string) (*db.Reservation, error) {
	if quantity <= 0 {
		return nil, apperr.Invalid("quantity must be positive, got %d", quantity)
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, apperr.Invalid("customer id is required")
	}

	reservationID := m.newID()
	var created *db.Reservation
	err := m.store.Update(ctx, []string{productID}, func(tx *inventory.Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("%w: %s", apperr.ErrProductInactive, productID)
		}
		if err := requireCustomer(tx.DB(), customerID); err != nil {
			return err
		}
		now := tx.Now()
		if _, err := m.expireDue(tx, productID, now); err != nil {
			return err
		}

		if _, err := tx.ApplyMovement(productID, inventory.Change{
			Reserved:    quantity,
			Type:        db.MovementReservation,
			ReferenceID: reservationID,
			Reason:      "reserved for " + customerID,
		}); err != nil {
			return err
		}

		r := &db.Reservation{
			ReservationID: reservationID,
			ProductID:     productID,
			CustomerID:    customerID,
			Quantity:      quantity,
			Status:        db.ReservationActive,
			ExpiresAt:     now.Add(m.ttl),
			CreatedAt:     now,
		}
		if err := tx.DB().Create(r).Error; err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}

		tx.Emit(events.NewEvent(events.EventTypeReservationCreated, now, payload(r)))
		tx.AfterCommit(func() { m.store.Metrics().Reservation("created") })
		created = r
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientStock) {
			m.store.Metrics().Reservation("rejected")
		}
		return nil, err
	}

	m.log.Info("Stock reserved",
		zap.String("reservation_id", created.ReservationID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
		zap.String("customer_id", customerID),
		zap.Time("expires_at", created.ExpiresAt))
	return created, nil
}

// Release returns an active reservation's units to available stock. Any other
// state fails with ErrInvalidReservationState, so a second release never
// decrements reserved twice. Due reservations of the product are expired in
// the same unit first, so a release after the TTL reports "expired".
func (m *Manager) Release(ctx context.Context, reservationID string) (*db.Reservation, error) {
	r, err := m.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var (
		released *db.Reservation
		refused  error
	)
	err = m.store.Update(ctx, []string{r.ProductID}, func(tx *inventory.Tx) error {
		refused = nil
		now := tx.Now()
		cur, err := m.settle(tx, reservationID, r.ProductID, now)
		if err != nil {
			return err
		}
		if cur.Status != db.ReservationActive {
			refused = apperr.ReservationState(reservationID, string(cur.Status), "release")
			return nil
		}
		if _, err := tx.ApplyMovement(cur.ProductID, inventory.Change{
			Reserved:    -cur.Quantity,
			Type:        db.MovementRelease,
			ReferenceID: cur.ReservationID,
			Reason:      "reservation cancelled",
		}); err != nil {
			return err
		}
		if err := transition(tx.DB(), cur, db.ReservationReleased, map[string]interface{}{"released_at": now}); err != nil {
			return err
		}
		cur.Status = db.ReservationReleased
		cur.ReleasedAt = &now

		tx.Emit(events.NewEvent(events.EventTypeReservationReleased, now, payload(cur)))
		tx.AfterCommit(func() { m.store.Metrics().Reservation("released") })
		released = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refused != nil {
		return nil, refused
	}

	m.log.Info("Reservation released", zap.String("reservation_id", reservationID))
	return released, nil
}

// Commit turns an active reservation into a sale for orderID.
func (m *Manager) Commit(ctx context.Context, reservationID, orderID string) (*db.Reservation, error) {
	r, err := m.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	var committed *db.Reservation
	err = m.store.Update(ctx, []string{r.ProductID}, func(tx *inventory.Tx) error {
		c, err := m.CommitTx(tx, reservationID, orderID)
		committed = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// CommitTx is Commit inside a unit that already holds the reservation's product.
// The reservation must be active and not past expires_at; the whole quantity
// is sold at once.
func (m *Manager) CommitTx(tx *inventory.Tx, reservationID, orderID string) (*db.Reservation, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperr.Invalid("order id is required")
	}
	cur, err := load(tx.DB(), reservationID)
	if err != nil {
		return nil, err
	}
	if cur.Status != db.ReservationActive {
		return nil, apperr.ReservationState(reservationID, string(cur.Status), "commit")
	}
	now := tx.Now()
	if !now.Before(cur.ExpiresAt) {
		return nil, apperr.ReservationState(reservationID, "expired", "commit")
	}

	if _, err := tx.ApplyMovement(cur.ProductID, inventory.Change{
		Stock:       -cur.Quantity,
		Reserved:    -cur.Quantity,
		Type:        db.MovementSale,
		ReferenceID: orderID,
		Reason:      "reservation " + cur.ReservationID,
	}); err != nil {
		return nil, err
	}
	if err := transition(tx.DB(), cur, db.ReservationCompleted, map[string]interface{}{"order_id": orderID}); err != nil {
		return nil, err
	}
	cur.Status = db.ReservationCompleted
	cur.OrderID = &orderID

	tx.Emit(events.NewEvent(events.EventTypeReservationCommitted, now, payload(cur)))
	tx.AfterCommit(func() { m.store.Metrics().Reservation("committed") })
	return cur, nil
}

// Extend moves an active reservation's expiry to now+TTL. Stock is untouched.
// A reservation that has already lapsed is expired instead and the call fails.
func (m *Manager) Extend(ctx context.Context, reservationID string) (*db.Reservation, error) {
	r, err := m.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var (
		extended *db.Reservation
		refused  error
	)
	err = m.store.Update(ctx, []string{r.ProductID}, func(tx *inventory.Tx) error {
		refused = nil
		now := tx.Now()
		cur, err := m.settle(tx, reservationID, r.ProductID, now)
		if err != nil {
			return err
		}
		if cur.Status != db.ReservationActive {
			refused = apperr.ReservationState(reservationID, string(cur.Status), "extend")
			return nil
		}
		expiresAt := now.Add(m.ttl)
		if err := transition(tx.DB(), cur, db.ReservationActive, map[string]interface{}{"expires_at": expiresAt}); err != nil {
			return err
		}
		cur.ExpiresAt = expiresAt

		tx.Emit(events.NewEvent(events.EventTypeReservationExtended, now, payload(cur)))
		tx.AfterCommit(func() { m.store.Metrics().Reservation("extended") })
		extended = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refused != nil {
		return nil, refused
	}
	return extended, nil
}

// settle expires the product's due reservations at the unit's now and reloads
// reservationID. The expiries commit even when the caller then refuses.
func (m *Manager) settle(tx *inventory.Tx, reservationID, productID string, now time.Time) (*db.Reservation, error) {
	if _, err := m.expireDue(tx, productID, now); err != nil {
		return nil, err
	}
	return load(tx.DB(), reservationID)
}

// transition moves r from active to status with a compare-and-set on status.
func transition(tx *gorm.DB, r *db.Reservation, status db.ReservationStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&db.Reservation{}).
		Where("reservation_id = ? AND status = ?", r.ReservationID, db.ReservationActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update reservation %s: %w", r.ReservationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Contention(r.ProductID, fmt.Errorf("reservation %s changed concurrently", r.ReservationID))
	}
	return nil
}

func requireCustomer(tx *gorm.DB, customerID string) error {
	var n int64
	if err := tx.Model(&db.Customer{}).Where("customer_id = ?", customerID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(apperr.ErrUnknownCustomer, customerID)
	}
	return nil
}

func payload(r *db.Reservation) map[string]interface{} {
	p := map[string]interface{}{
		"reservation_id": r.ReservationID,
		"product_id":     r.ProductID,
		"customer_id":    r.CustomerID,
		"quantity":       r.Quantity,
		"status":         string(r.Status),
		"expires_at":     r.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if r.OrderID != nil {
		p["order_id"] = *r.OrderID
	}
	return p
}
