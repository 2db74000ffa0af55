// Package order creates orders from committed reservations and moves them
// through their lifecycle.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/reservation"
)

type Service struct {
	store        *inventory.Store
	reservations *reservation.Manager
	log          *zap.Logger
	newID        func() string
}

type Option func(*Service)

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store *inventory.Store, reservations *reservation.Manager, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:        store,
		reservations: reservations,
		log:          log,
		newID:        func() string { return "ORD-" + strings.ToUpper(uuid.New().String()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves an order with its items
func (s *Service) Get(ctx context.Context, orderID string) (*db.Order, error) {
	return load(s.store.DB().WithContext(ctx), orderID)
}

// GetTx is Get inside a unit that holds LockKey(orderID).
func (s *Service) GetTx(tx *inventory.Tx, orderID string) (*db.Order, error) {
	return load(tx.DB(), orderID)
}

func load(tx *gorm.DB, orderID string) (*db.Order, error) {
	var o db.Order
	err := tx.Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("order_id = ?", orderID).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrUnknownOrder, orderID)
		}
		return nil, err
	}
	return &o, nil
}

// ListByCustomer returns the customer's orders, newest first, optionally
// filtered by status.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, status db.OrderStatus, limit int) ([]*db.Order, error) {
	q := s.store.DB().WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("customer_id = ?", customerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*db.Order
	if err := q.Order("created_at DESC").Order("order_id").Find(&out).Error; err != nil {
		s.log.Error("Failed to list orders", zap.String("customer_id", customerID), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// Change updates an order's lifecycle status, its payment status or both.
// Empty fields are left as they are. TrackingNumber and ExpectedDelivery only
// apply when shipping; Reason only when cancelling.
type Change struct {
	Status           db.OrderStatus
	Payment          db.PaymentStatus
	TrackingNumber   string
	ExpectedDelivery *time.Time
	Reason           string
}

// Ship moves a processing order to shipped and records how it travels.
func (s *Service) Ship(ctx context.Context, orderID, trackingNumber string, expectedDelivery *time.Time) (*db.Order, error) {
	return s.Apply(ctx, orderID, Change{
		Status:           db.OrderShipped,
		TrackingNumber:   trackingNumber,
		ExpectedDelivery: expectedDelivery,
	})
}

// UpdateStatus moves an order along one edge of the lifecycle. Cancellation
// restocks; refunded is reachable only through a completed refund.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to db.OrderStatus) (*db.Order, error) {
	return s.Apply(ctx, orderID, Change{Status: to})
}

// Cancel moves a pending or processing order to cancelled and returns every
// item to stock in the same unit.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*db.Order, error) {
	return s.Apply(ctx, orderID, Change{Status: db.OrderCancelled, Reason: reason})
}

// SetPaymentStatus records the payment outcome of a pending payment.
func (s *Service) SetPaymentStatus(ctx context.Context, orderID string, to db.PaymentStatus) (*db.Order, error) {
	return s.Apply(ctx, orderID, Change{Payment: to})
}

// Apply performs every part of c in one unit. If any part is refused the
// order and stock are left untouched.
func (s *Service) Apply(ctx context.Context, orderID string, c Change) (*db.Order, error) {
	if c.Status == "" && c.Payment == "" {
		return nil, apperr.Invalid("status or payment status is required")
	}
	switch c.Status {
	case "", db.OrderPending, db.OrderProcessing, db.OrderShipped,
		db.OrderDelivered, db.OrderCancelled, db.OrderRefunded:
	default:
		return nil, apperr.Invalid("unknown order status %q", c.Status)
	}
	if c.Payment != "" && c.Payment != db.PaymentPaid && c.Payment != db.PaymentFailed {
		return nil, apperr.Invalid("payment status can only become paid or failed, got %q", c.Payment)
	}

	keys := []string{orderKey(orderID)}
	if c.Status == db.OrderCancelled {
		// Items are fixed at creation, so their products can be locked up front.
		o, err := s.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		for _, item := range o.Items {
			keys = append(keys, item.ProductID)
		}
	}

	var updated *db.Order
	err := s.store.Update(ctx, keys, func(tx *inventory.Tx) error {
		o, err := load(tx.DB(), orderID)
		if err != nil {
			return err
		}
		if c.Status != "" {
			if err := move(tx, o, c); err != nil {
				return err
			}
		}
		if c.Payment != "" {
			if err := setPayment(tx, o, c.Payment); err != nil {
				return err
			}
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Order updated",
		zap.String("order_id", orderID),
		zap.String("status", string(updated.Status)),
		zap.String("payment_status", string(updated.PaymentStatus)))
	return updated, nil
}

func move(tx *inventory.Tx, o *db.Order, c Change) error {
	if !CanTransition(o.Status, c.Status) {
		return apperr.Transition(o.OrderID, string(o.Status), string(c.Status))
	}

	switch c.Status {
	case db.OrderCancelled:
		reason := c.Reason
		if reason == "" {
			reason = "order cancelled"
		}
		for _, item := range o.Items {
			if _, err := tx.ApplyMovement(item.ProductID, inventory.Change{
				Stock:       item.Quantity,
				Type:        db.MovementReturn,
				ReferenceID: o.OrderID,
				Reason:      reason,
			}); err != nil {
				return err
			}
		}
		return transition(tx, o, c.Status, nil)
	case db.OrderShipped:
		extra := map[string]interface{}{}
		if c.TrackingNumber != "" {
			extra["tracking_number"] = c.TrackingNumber
		}
		if c.ExpectedDelivery != nil {
			extra["expected_delivery"] = c.ExpectedDelivery.UTC()
		}
		return transition(tx, o, c.Status, extra)
	}
	return transition(tx, o, c.Status, nil)
}

func setPayment(tx *inventory.Tx, o *db.Order, to db.PaymentStatus) error {
	if o.PaymentStatus != db.PaymentPending {
		return &apperr.StateError{
			Kind:   apperr.ErrInvalidTransition,
			Entity: "order",
			ID:     o.OrderID,
			State:  "payment " + string(o.PaymentStatus),
			Op:     "set payment " + string(to) + " on",
		}
	}
	now := tx.Now()
	res := tx.DB().Model(&db.Order{}).
		Where("order_id = ? AND payment_status = ?", o.OrderID, db.PaymentPending).
		Updates(map[string]interface{}{"payment_status": to, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("update payment of %s: %w", o.OrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Contention(orderKey(o.OrderID), errors.New("payment status changed"))
	}
	o.PaymentStatus = to
	o.UpdatedAt = now
	return nil
}

// MarkRefunded records a completed refund on the order inside the refund's
// unit. A full refund moves a shipped or delivered order to refunded.
func (s *Service) MarkRefunded(tx *inventory.Tx, orderID string, full bool) (*db.Order, error) {
	o, err := load(tx.DB(), orderID)
	if err != nil {
		return nil, err
	}
	payment := db.PaymentPartialRefund
	if full {
		payment = db.PaymentRefunded
	}

	if !full {
		now := tx.Now()
		if err := tx.DB().Model(&db.Order{}).
			Where("order_id = ?", orderID).
			Updates(map[string]interface{}{"payment_status": payment, "updated_at": now}).Error; err != nil {
			return nil, fmt.Errorf("update payment of %s: %w", orderID, err)
		}
		o.PaymentStatus = payment
		o.UpdatedAt = now
		return o, nil
	}

	if o.Status != db.OrderShipped && o.Status != db.OrderDelivered {
		return nil, apperr.Transition(orderID, string(o.Status), string(db.OrderRefunded))
	}
	if err := transition(tx, o, db.OrderRefunded, map[string]interface{}{"payment_status": payment}); err != nil {
		return nil, err
	}
	o.PaymentStatus = payment
	return o, nil
}

// transition writes o.Status -> to with a compare-and-set on the current status.
func transition(tx *inventory.Tx, o *db.Order, to db.OrderStatus, extra map[string]interface{}) error {
	now := tx.Now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	from := o.Status
	res := tx.DB().Model(&db.Order{}).
		Where("order_id = ? AND status = ?", o.OrderID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", o.OrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Contention(orderKey(o.OrderID), errors.New("order status changed"))
	}

	o.Status = to
	o.UpdatedAt = now
	if v, ok := extra["tracking_number"].(string); ok {
		o.TrackingNumber = v
	}
	if v, ok := extra["expected_delivery"].(time.Time); ok {
		o.ExpectedDelivery = &v
	}

	tx.Emit(events.NewEvent(events.EventTypeOrderStatusChanged, now, map[string]interface{}{
		"order_id":        o.OrderID,
		"customer_id":     o.CustomerID,
		"previous_status": string(from),
		"status":          string(to),
		"tracking_number": o.TrackingNumber,
	}))
	tx.AfterCommit(func() { tx.Metrics().OrderTransition(string(to)) })
	return nil
}

// orderKey is the lock key that serializes work on one order. It never
// collides with a product id.
func orderKey(orderID string) string {
	return "order/" + orderID
}

// LockKey exposes orderKey to units outside this package that touch the order.
func LockKey(orderID string) string { return orderKey(orderID) }

func totalOf(items []db.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].LineTotal())
	}
	return total
}
