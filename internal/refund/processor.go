// Package refund handles refund requests against shipped or delivered orders
// and returns refunded items to stock on completion.
package refund

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
	"gorm.io/gorm/clause"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/order"
)

type Processor struct {
	store  *inventory.Store
	orders *order.Service
	log    *zap.Logger
	newID  func() string
}

type Option func(*Processor)

func WithIDGenerator(newID func() string) Option {
	return func(p *Processor) { p.newID = newID }
}

func NewProcessor(store *inventory.Store, orders *order.Service, log *zap.Logger, opts ...Option) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		store:  store,
		orders: orders,
		log:    log,
		newID:  func() string { return "REF-" + strings.ToUpper(uuid.New().String()) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ItemRequest asks to refund Quantity units of ProductID.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

type InitiateRequest struct {
	OrderID string
	Reason  string
	// Items defaults to everything on the order not yet covered by a refund.
	Items []ItemRequest
}

// Get retrieves a refund with its items
func (p *Processor) Get(ctx context.Context, refundID string) (*db.Refund, error) {
	return load(p.store.DB().WithContext(ctx), refundID)
}

func load(tx *gorm.DB, refundID string) (*db.Refund, error) {
	var r db.Refund
	err := tx.Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("refund_id = ?", refundID).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrUnknownRefund, refundID)
		}
		return nil, err
	}
	return &r, nil
}

// ListByOrder returns every refund of an order, oldest first.
func (p *Processor) ListByOrder(ctx context.Context, orderID string) ([]*db.Refund, error) {
	var out []*db.Refund
	err := p.store.DB().WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("id") }).
		Where("order_id = ?", orderID).
		Order("created_at").Order("refund_id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Initiate opens a pending refund. The order must be shipped or delivered and
// the amount, derived from the items, must fit in what earlier non-rejected
// refunds left of the order total.
func (p *Processor) Initiate(ctx context.Context, req InitiateRequest) (*db.Refund, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, apperr.Invalid("order id is required")
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, apperr.Invalid("refund quantity of %s must be positive, got %d", it.ProductID, it.Quantity)
		}
	}

	refundID := p.newID()
	var created *db.Refund
	err := p.store.Update(ctx, []string{order.LockKey(req.OrderID)}, func(tx *inventory.Tx) error {
		o, err := p.orders.GetTx(tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Status != db.OrderShipped && o.Status != db.OrderDelivered {
			return &apperr.StateError{
				Kind:   apperr.ErrRefundNotEligible,
				Entity: "order",
				ID:     o.OrderID,
				State:  string(o.Status),
				Op:     "refund",
			}
		}

		prior, err := openOrDone(tx.DB(), o.OrderID)
		if err != nil {
			return err
		}
		covered := make(map[uint]int)
		priorAmount := decimal.Zero
		for _, r := range prior {
			priorAmount = priorAmount.Add(r.Amount)
			for _, item := range r.Items {
				covered[item.OrderItemID] += item.Quantity
			}
		}

		lines, err := selectItems(o, covered, req.Items)
		if err != nil {
			return err
		}

		amount := decimal.Zero
		for _, line := range lines {
			amount = amount.Add(line.unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		amount = amount.Round(2)
		if priorAmount.Add(amount).GreaterThan(o.Total) {
			return fmt.Errorf("%w: refund of %s exceeds what is left of order total %s",
				apperr.ErrRefundNotEligible, amount.StringFixed(2), o.Total.StringFixed(2))
		}

		now := tx.Now()
		r := &db.Refund{
			RefundID:  refundID,
			OrderID:   o.OrderID,
			Amount:    amount,
			Status:    db.RefundPending,
			Reason:    req.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.DB().Omit(clause.Associations).Create(r).Error; err != nil {
			return fmt.Errorf("create refund: %w", err)
		}
		items := make([]db.RefundItem, len(lines))
		for i, line := range lines {
			items[i] = line.RefundItem
			items[i].RefundID = refundID
		}
		if err := tx.DB().Omit(clause.Associations).Create(&items).Error; err != nil {
			return fmt.Errorf("create refund items: %w", err)
		}
		r.Items = items

		tx.Emit(events.NewEvent(events.EventTypeRefundCreated, now, payload(r)))
		tx.AfterCommit(func() { tx.Metrics().Refund(string(db.RefundPending)) })
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("Refund initiated",
		zap.String("refund_id", created.RefundID),
		zap.String("order_id", created.OrderID),
		zap.String("amount", created.Amount.StringFixed(2)),
		zap.Int("items", len(created.Items)))
	return created, nil
}

type line struct {
	db.RefundItem
	unitPrice decimal.Decimal
}

// selectItems maps the requested products onto order lines that still have
// refundable units. Without a request every remaining unit is selected.
func selectItems(o *db.Order, covered map[uint]int, requested []ItemRequest) ([]line, error) {
	remaining := func(item *db.OrderItem) int {
		return item.Quantity - covered[item.ID]
	}

	var lines []line
	if len(requested) == 0 {
		for i := range o.Items {
			item := &o.Items[i]
			if n := remaining(item); n > 0 {
				lines = append(lines, newLine(item, n))
			}
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: order %s is fully covered by earlier refunds",
				apperr.ErrRefundAlreadyProcessed, o.OrderID)
		}
		return lines, nil
	}

	wanted := make(map[string]int)
	var productOrder []string
	for _, it := range requested {
		if _, ok := wanted[it.ProductID]; !ok {
			productOrder = append(productOrder, it.ProductID)
		}
		wanted[it.ProductID] += it.Quantity
	}

	for _, productID := range productOrder {
		want := wanted[productID]
		left, found := 0, false
		for i := range o.Items {
			if o.Items[i].ProductID == productID {
				found = true
				left += remaining(&o.Items[i])
			}
		}
		switch {
		case !found:
			return nil, fmt.Errorf("%w: order %s does not contain %s", apperr.ErrRefundNotEligible, o.OrderID, productID)
		case left == 0:
			return nil, fmt.Errorf("%w: %s on order %s is already refunded", apperr.ErrRefundAlreadyProcessed, productID, o.OrderID)
		case want > left:
			return nil, fmt.Errorf("%w: only %d units of %s are refundable on order %s",
				apperr.ErrRefundNotEligible, left, productID, o.OrderID)
		}

		for i := range o.Items {
			item := &o.Items[i]
			if item.ProductID != productID || want == 0 {
				continue
			}
			n := remaining(item)
			if n > want {
				n = want
			}
			if n > 0 {
				lines = append(lines, newLine(item, n))
				want -= n
			}
		}
	}
	return lines, nil
}

func newLine(item *db.OrderItem, quantity int) line {
	return line{
		RefundItem: db.RefundItem{
			OrderItemID: item.ID,
			ProductID:   item.ProductID,
			Quantity:    quantity,
		},
		unitPrice: item.UnitPrice,
	}
}

// openOrDone loads the refunds of an order that were not rejected.
func openOrDone(tx *gorm.DB, orderID string) ([]*db.Refund, error) {
	var out []*db.Refund
	err := tx.Preload("Items").
		Where("order_id = ? AND status <> ?", orderID, db.RefundRejected).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load refunds of %s: %w", orderID, err)
	}
	return out, nil
}

// Complete returns the refunded units to stock, marks the refund completed and
// records it on the order. A full refund moves the order to refunded.
func (p *Processor) Complete(ctx context.Context, refundID string) (*db.Refund, error) {
	r, err := p.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	keys := []string{order.LockKey(r.OrderID)}
	for _, item := range r.Items {
		keys = append(keys, item.ProductID)
	}

	var completed *db.Refund
	var full bool
	err = p.store.Update(ctx, keys, func(tx *inventory.Tx) error {
		cur, err := load(tx.DB(), refundID)
		if err != nil {
			return err
		}
		if cur.Status == db.RefundCompleted || cur.Status == db.RefundRejected {
			return &apperr.StateError{
				Kind:   apperr.ErrRefundAlreadyProcessed,
				Entity: "refund",
				ID:     refundID,
				State:  string(cur.Status),
				Op:     "complete",
			}
		}

		for _, item := range cur.Items {
			if _, err := tx.ApplyMovement(item.ProductID, inventory.Change{
				Stock:       item.Quantity,
				Type:        db.MovementReturn,
				ReferenceID: refundID,
				Reason:      "refund of order " + cur.OrderID,
			}); err != nil {
				return err
			}
			res := tx.DB().Model(&db.OrderItem{}).
				Where("id = ? AND refunded_quantity + ? <= quantity", item.OrderItemID, item.Quantity).
				Update("refunded_quantity", gorm.Expr("refunded_quantity + ?", item.Quantity))
			if res.Error != nil {
				return fmt.Errorf("update refunded quantity: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: order item %d cannot take %d more refunded units",
					apperr.ErrRefundNotEligible, item.OrderItemID, item.Quantity)
			}
		}

		now := tx.Now()
		if err := setStatus(tx, cur, db.RefundCompleted, map[string]interface{}{"completed_at": now}); err != nil {
			return err
		}
		cur.CompletedAt = &now

		var refunded decimal.Decimal
		var amounts []decimal.Decimal
		if err := tx.DB().Model(&db.Refund{}).
			Where("order_id = ? AND status = ?", cur.OrderID, db.RefundCompleted).
			Pluck("amount", &amounts).Error; err != nil {
			return fmt.Errorf("sum refunds of %s: %w", cur.OrderID, err)
		}
		for _, a := range amounts {
			refunded = refunded.Add(a)
		}
		o, err := p.orders.GetTx(tx, cur.OrderID)
		if err != nil {
			return err
		}
		full = refunded.GreaterThanOrEqual(o.Total)
		if _, err := p.orders.MarkRefunded(tx, cur.OrderID, full); err != nil {
			return err
		}

		tx.Emit(events.NewEvent(events.EventTypeRefundCompleted, now, payload(cur)))
		completed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("Refund completed",
		zap.String("refund_id", refundID),
		zap.String("order_id", completed.OrderID),
		zap.String("amount", completed.Amount.StringFixed(2)),
		zap.Bool("full", full))
	return completed, nil
}

// Approve moves a pending refund to approved.
func (p *Processor) Approve(ctx context.Context, refundID string) (*db.Refund, error) {
	return p.advance(ctx, refundID, db.RefundApproved, db.RefundPending)
}

// MarkProcessing moves an approved refund to processing.
func (p *Processor) MarkProcessing(ctx context.Context, refundID string) (*db.Refund, error) {
	return p.advance(ctx, refundID, db.RefundProcessing, db.RefundApproved)
}

// Reject closes a pending or approved refund without touching stock.
func (p *Processor) Reject(ctx context.Context, refundID string) (*db.Refund, error) {
	return p.advance(ctx, refundID, db.RefundRejected, db.RefundPending, db.RefundApproved)
}

func (p *Processor) advance(ctx context.Context, refundID string, to db.RefundStatus, from ...db.RefundStatus) (*db.Refund, error) {
	r, err := p.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var moved *db.Refund
	err = p.store.Update(ctx, []string{order.LockKey(r.OrderID)}, func(tx *inventory.Tx) error {
		cur, err := load(tx.DB(), refundID)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			allowed = allowed || cur.Status == f
		}
		if !allowed {
			return &apperr.StateError{
				Kind:   apperr.ErrInvalidTransition,
				Entity: "refund",
				ID:     refundID,
				State:  string(cur.Status),
				Op:     "move to " + string(to) + ":",
			}
		}
		if err := setStatus(tx, cur, to, nil); err != nil {
			return err
		}
		if to == db.RefundRejected {
			tx.Emit(events.NewEvent(events.EventTypeRefundRejected, tx.Now(), payload(cur)))
		}
		moved = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("Refund status updated", zap.String("refund_id", refundID), zap.String("status", string(to)))
	return moved, nil
}

// setStatus writes r.Status -> to with a compare-and-set on the current status.
func setStatus(tx *inventory.Tx, r *db.Refund, to db.RefundStatus, extra map[string]interface{}) error {
	now := tx.Now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.DB().Model(&db.Refund{}).
		Where("refund_id = ? AND status = ?", r.RefundID, r.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update refund %s: %w", r.RefundID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Contention(order.LockKey(r.OrderID), errors.New("refund status changed"))
	}
	r.Status = to
	r.UpdatedAt = now
	tx.AfterCommit(func() { tx.Metrics().Refund(string(to)) })
	return nil
}

func payload(r *db.Refund) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, map[string]interface{}{
			"product_id": item.ProductID,
			"quantity":   item.Quantity,
		})
	}
	p := map[string]interface{}{
		"refund_id": r.RefundID,
		"order_id":  r.OrderID,
		"amount":    r.Amount.StringFixed(2),
		"status":    string(r.Status),
		"reason":    r.Reason,
		"items":     items,
	}
	if r.CompletedAt != nil {
		p["completed_at"] = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return p
}
