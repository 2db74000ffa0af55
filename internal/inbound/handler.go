// Package inbound applies catalog and fulfillment events from other services
// to the inventory core.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/order"
)

// CatalogCreated is published by the catalog service. Price is in cents.
type CatalogCreated struct {
	SKU         string `json:"sku"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	Category    string `json:"category"`
	Active      *bool  `json:"active"`
}

type CatalogDeleted struct {
	SKU string `json:"sku"`
}

type FulfillmentShipped struct {
	OrderID          string `json:"order_id"`
	TrackingNumber   string `json:"tracking_number"`
	ExpectedDelivery string `json:"expected_delivery"`
}

type FulfillmentDelivered struct {
	OrderID string `json:"order_id"`
}

// Handler routes inbound events by type. Products created through the catalog
// start with zero stock; stock arrives through restock movements.
type Handler struct {
	store             *inventory.Store
	orders            *order.Service
	lowStockThreshold int
	log               *zap.Logger
}

func NewHandler(store *inventory.Store, orders *order.Service, lowStockThreshold int, log *zap.Logger) *Handler {
	return &Handler{store: store, orders: orders, lowStockThreshold: lowStockThreshold, log: log}
}

var _ events.Handler = (*Handler)(nil)

// Handle applies event. Business rule rejections are returned as permanent
// errors so the message is dropped instead of redelivered forever.
func (h *Handler) Handle(ctx context.Context, event events.Event) error {
	var err error
	switch event.EventType {
	case events.EventTypeCatalogCreated:
		err = h.catalogCreated(ctx, event)
	case events.EventTypeCatalogDeleted:
		err = h.catalogDeleted(ctx, event)
	case events.EventTypeFulfillmentShipped:
		err = h.fulfillmentShipped(ctx, event)
	case events.EventTypeFulfillmentDelivered:
		err = h.fulfillmentDelivered(ctx, event)
	default:
		return events.Permanent(fmt.Errorf("unhandled event type %q", event.EventType))
	}
	if apperr.IsDomain(err) {
		return events.Permanent(err)
	}
	return err
}

func decodePayload(event events.Event, into interface{}) error {
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return events.Permanent(err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return events.Permanent(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return nil
}

func (h *Handler) catalogCreated(ctx context.Context, event events.Event) error {
	var p CatalogCreated
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	if p.Active != nil && !*p.Active {
		h.log.Info("Skipping inactive catalog entry", zap.String("sku", p.SKU))
		return nil
	}

	_, err := h.store.AddProduct(ctx, inventory.NewProduct{
		ProductID:         p.SKU,
		Name:              p.Title,
		Description:       describe(p),
		Price:             decimal.New(p.Price, -2),
		Category:          p.Category,
		LowStockThreshold: h.lowStockThreshold,
	})
	if errors.Is(err, apperr.ErrProductExists) {
		h.log.Debug("Catalog product already stocked", zap.String("sku", p.SKU))
		return nil
	}
	return err
}

func describe(p CatalogCreated) string {
	switch {
	case p.Description != "":
		return p.Description
	case p.Author != "":
		return "by " + p.Author
	}
	return ""
}

func (h *Handler) catalogDeleted(ctx context.Context, event events.Event) error {
	var p CatalogDeleted
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	return h.store.SetActive(ctx, p.SKU, false)
}

func (h *Handler) fulfillmentShipped(ctx context.Context, event events.Event) error {
	var p FulfillmentShipped
	if err := decodePayload(event, &p); err != nil {
		return err
	}

	var eta *time.Time
	if p.ExpectedDelivery != "" {
		t, err := time.Parse(time.RFC3339, p.ExpectedDelivery)
		if err != nil {
			return events.Permanent(apperr.Invalid("expected_delivery %q is not RFC3339", p.ExpectedDelivery))
		}
		eta = &t
	}

	_, err := h.orders.Ship(ctx, p.OrderID, p.TrackingNumber, eta)
	return h.redelivered(ctx, p.OrderID, db.OrderShipped, err)
}

func (h *Handler) fulfillmentDelivered(ctx context.Context, event events.Event) error {
	var p FulfillmentDelivered
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	_, err := h.orders.UpdateStatus(ctx, p.OrderID, db.OrderDelivered)
	return h.redelivered(ctx, p.OrderID, db.OrderDelivered, err)
}

// redelivered turns a rejected transition into success when the order is
// already in the target state, so a duplicate message is acknowledged.
func (h *Handler) redelivered(ctx context.Context, orderID string, target db.OrderStatus, err error) error {
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		return err
	}
	o, getErr := h.orders.Get(ctx, orderID)
	if getErr != nil {
		return err
	}
	if o.Status == target {
		h.log.Debug("Duplicate fulfillment event", zap.String("order_id", orderID), zap.String("status", string(target)))
		return nil
	}
	return err
}
