package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
)

// ItemRequest names one reservation to turn into an order line. ProductID and
// Quantity are optional; when set they must match the reservation.
type ItemRequest struct {
	ReservationID string
	ProductID     string
	Quantity      int
}

type CreateRequest struct {
	// OrderID is generated when empty.
	OrderID    string
	CustomerID string
	Items      []ItemRequest
	// Total is computed from the items when zero, otherwise it must match them.
	Total decimal.Decimal
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return apperr.Invalid("customer id is required")
	}
	if len(r.Items) == 0 {
		return apperr.Invalid("an order needs at least one item")
	}
	if r.Total.IsNegative() {
		return apperr.Invalid("total must not be negative, got %s", r.Total)
	}
	seen := make(map[string]bool, len(r.Items))
	for _, item := range r.Items {
		if strings.TrimSpace(item.ReservationID) == "" {
			return apperr.Invalid("every item needs a reservation id")
		}
		if seen[item.ReservationID] {
			return apperr.Invalid("reservation %s listed twice", item.ReservationID)
		}
		seen[item.ReservationID] = true
	}
	return nil
}

// Create commits every referenced reservation, one unit per reservation, and
// then persists the order as pending. If any step fails the reservations
// committed so far are compensated with return movements and no order exists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = s.newID()
	}
	if _, err := s.Get(ctx, orderID); err == nil {
		return nil, apperr.Invalid("order %s already exists", orderID)
	} else if !errors.Is(err, apperr.ErrUnknownOrder) {
		return nil, err
	}

	items, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	total := totalOf(items)
	if !req.Total.IsZero() && !req.Total.Round(2).Equal(total.Round(2)) {
		return nil, apperr.Invalid("total %s does not match the items (%s)", req.Total.StringFixed(2), total.StringFixed(2))
	}

	committed := make([]db.OrderItem, 0, len(items))
	for _, item := range items {
		if _, err := s.reservations.Commit(ctx, item.ReservationID, orderID); err != nil {
			s.compensate(ctx, orderID, committed, err)
			return nil, fmt.Errorf("create order %s: %w", orderID, err)
		}
		committed = append(committed, item)
	}

	o := &db.Order{
		OrderID:       orderID,
		CustomerID:    req.CustomerID,
		Total:         total.Round(2),
		Status:        db.OrderPending,
		PaymentStatus: db.PaymentPending,
	}
	err = s.store.Update(ctx, []string{orderKey(orderID)}, func(tx *inventory.Tx) error {
		now := tx.Now()
		o.CreatedAt = now
		o.UpdatedAt = now
		if err := tx.DB().Omit(clause.Associations).Create(o).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		lines := make([]db.OrderItem, len(items))
		copy(lines, items)
		for i := range lines {
			lines[i].OrderID = orderID
		}
		if err := tx.DB().Omit(clause.Associations).Create(&lines).Error; err != nil {
			return fmt.Errorf("create order items: %w", err)
		}
		o.Items = lines

		tx.Emit(events.NewEvent(events.EventTypeOrderCreated, now, map[string]interface{}{
			"order_id":    orderID,
			"customer_id": o.CustomerID,
			"total":       o.Total.StringFixed(2),
			"items":       len(lines),
		}))
		tx.AfterCommit(func() { tx.Metrics().OrderTransition(string(db.OrderPending)) })
		return nil
	})
	if err != nil {
		s.compensate(ctx, orderID, committed, err)
		return nil, fmt.Errorf("create order %s: %w", orderID, err)
	}

	s.log.Info("Order created",
		zap.String("order_id", orderID),
		zap.String("customer_id", o.CustomerID),
		zap.Int("items", len(o.Items)),
		zap.String("total", o.Total.StringFixed(2)))
	return o, nil
}

// plan checks the reservations before anything is committed and prices each
// line from the current product price.
func (s *Service) plan(ctx context.Context, req CreateRequest) ([]db.OrderItem, error) {
	items := make([]db.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		r, err := s.reservations.Get(ctx, it.ReservationID)
		if err != nil {
			return nil, err
		}
		if r.CustomerID != req.CustomerID {
			return nil, fmt.Errorf("%w: reservation %s belongs to customer %s",
				apperr.ErrInvalidReservationState, r.ReservationID, r.CustomerID)
		}
		if r.Status != db.ReservationActive {
			return nil, apperr.ReservationState(r.ReservationID, string(r.Status), "commit")
		}
		if it.ProductID != "" && it.ProductID != r.ProductID {
			return nil, apperr.Invalid("reservation %s holds %s, not %s", r.ReservationID, r.ProductID, it.ProductID)
		}
		if it.Quantity != 0 && it.Quantity != r.Quantity {
			return nil, apperr.Invalid("reservation %s holds %d units, not %d", r.ReservationID, r.Quantity, it.Quantity)
		}

		p, err := s.store.GetProduct(ctx, r.ProductID)
		if err != nil {
			return nil, err
		}
		items = append(items, db.OrderItem{
			ProductID:     r.ProductID,
			ReservationID: r.ReservationID,
			Quantity:      r.Quantity,
			UnitPrice:     p.Price,
		})
	}
	return items, nil
}

// compensate returns the units of already committed reservations to stock.
// It runs even when ctx is cancelled.
func (s *Service) compensate(ctx context.Context, orderID string, committed []db.OrderItem, cause error) {
	if len(committed) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.log.Warn("Order creation failed, compensating committed reservations",
		zap.String("order_id", orderID),
		zap.Int("committed", len(committed)),
		zap.Error(cause))

	for _, item := range committed {
		_, err := s.store.ApplyMovement(ctx, item.ProductID, inventory.Change{
			Stock:       item.Quantity,
			Type:        db.MovementReturn,
			ReferenceID: orderID,
			Reason:      "compensate reservation " + item.ReservationID,
		})
		if err != nil {
			s.log.Error("Compensation failed",
				zap.String("order_id", orderID),
				zap.String("reservation_id", item.ReservationID),
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}
