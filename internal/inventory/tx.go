package inventory

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/ledger"
	"github.com/bookstore/stockcore/internal/metrics"
)

// Change is one signed adjustment of a product's stock and reserved quantity.
type Change struct {
	Stock       int
	Reserved    int
	Type        db.MovementType
	ReferenceID string
	Reason      string
}

// Tx is the handle passed to Store.Update callbacks. It is only valid inside
// the callback.
type Tx struct {
	store       *Store
	db          *gorm.DB
	products    map[string]*db.Product
	locked      map[string]bool
	events      []events.Event
	afterCommit []func()
	movements   int
}

// DB is the transaction every read and write of the unit must use.
func (t *Tx) DB() *gorm.DB { return t.db }

func (t *Tx) Now() time.Time { return t.store.Now() }

func (t *Tx) Metrics() *metrics.Metrics { return t.store.metrics }

// Product returns the locked row of productID as loaded at the start of the unit,
// reflecting every movement applied since.
func (t *Tx) Product(productID string) (*db.Product, error) {
	if !t.locked[productID] {
		return nil, fmt.Errorf("product %s is not locked by this unit", productID)
	}
	p, ok := t.products[productID]
	if !ok {
		return nil, apperr.NotFound(apperr.ErrUnknownProduct, productID)
	}
	return p, nil
}

// Emit queues an event for publication after commit.
func (t *Tx) Emit(e events.Event) {
	t.events = append(t.events, e)
}

// AfterCommit registers f to run once the unit has committed.
func (t *Tx) AfterCommit(f func()) {
	t.afterCommit = append(t.afterCommit, f)
}

// ApplyMovement validates c against the invariant 0 <= reserved <= stock,
// appends it to the ledger and updates the product row with a version
// compare-and-set.
func (t *Tx) ApplyMovement(productID string, c Change) (*db.StockMovement, error) {
	p, err := t.Product(productID)
	if err != nil {
		return nil, err
	}
	if err := validateChange(c); err != nil {
		return nil, err
	}

	newStock := p.StockQuantity + c.Stock
	newReserved := p.ReservedQuantity + c.Reserved
	if newStock < 0 || newReserved < 0 || newReserved > newStock {
		return nil, &apperr.InsufficientStockError{
			ProductID: productID,
			Requested: requested(c),
			Available: p.Available(),
		}
	}

	now := t.Now()
	res := t.db.Model(&db.Product{}).
		Where("product_id = ? AND version = ?", productID, p.Version).
		Updates(map[string]interface{}{
			"stock_quantity":    newStock,
			"reserved_quantity": newReserved,
			"version":           p.Version + 1,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update product %s: %w", productID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Contention(productID, errors.New("product version changed"))
	}

	m := &db.StockMovement{
		ProductID:        productID,
		QuantityChange:   c.Stock,
		ReservedChange:   c.Reserved,
		MovementType:     c.Type,
		PreviousStock:    p.StockQuantity,
		NewStock:         newStock,
		PreviousReserved: p.ReservedQuantity,
		NewReserved:      newReserved,
		ReferenceID:      c.ReferenceID,
		Reason:           c.Reason,
		CreatedAt:        now,
	}
	if err := ledger.Append(t.db, m); err != nil {
		return nil, err
	}

	wasLow := p.Available() <= p.LowStockThreshold
	p.StockQuantity = newStock
	p.ReservedQuantity = newReserved
	p.Version++
	p.UpdatedAt = now
	t.movements++

	t.Emit(events.NewEvent(events.EventTypeStockMovement, now, map[string]interface{}{
		"seq":             m.Seq,
		"product_id":      productID,
		"movement_type":   string(c.Type),
		"quantity_change": c.Stock,
		"reserved_change": c.Reserved,
		"previous_stock":  m.PreviousStock,
		"new_stock":       m.NewStock,
		"reference_id":    c.ReferenceID,
	}))
	if p.Active && !wasLow && p.Available() <= p.LowStockThreshold {
		t.Emit(events.NewEvent(events.EventTypeLowStock, now, map[string]interface{}{
			"product_id":         productID,
			"name":               p.Name,
			"available_quantity": p.Available(),
			"threshold":          p.LowStockThreshold,
		}))
	}

	movementType := string(c.Type)
	t.AfterCommit(func() { t.store.metrics.Movement(movementType) })

	return m, nil
}

// validateChange enforces the sign of each movement type.
func validateChange(c Change) error {
	ok := false
	switch c.Type {
	case db.MovementReservation:
		ok = c.Stock == 0 && c.Reserved > 0
	case db.MovementRelease:
		ok = c.Stock == 0 && c.Reserved < 0
	case db.MovementSale:
		ok = c.Stock < 0 && c.Reserved <= 0 && c.Reserved >= c.Stock
	case db.MovementReturn, db.MovementRestock:
		ok = c.Stock > 0 && c.Reserved == 0
	case db.MovementDamage:
		ok = c.Stock < 0 && c.Reserved == 0
	case db.MovementAdjustment:
		ok = c.Stock != 0 && c.Reserved == 0
	default:
		return apperr.Invalid("unknown movement type %q", c.Type)
	}
	if !ok {
		return apperr.Invalid("%s movement cannot change stock by %d and reserved by %d", c.Type, c.Stock, c.Reserved)
	}
	return nil
}

func requested(c Change) int {
	if c.Reserved > 0 {
		return c.Reserved
	}
	if c.Stock < 0 {
		return -c.Stock
	}
	return c.Stock
}
