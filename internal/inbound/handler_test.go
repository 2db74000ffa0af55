package inbound_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inbound"
	"github.com/bookstore/stockcore/internal/tools"
	"github.com/bookstore/stockcore/internal/tools/toolstest"
)

func newHandler(t *testing.T) (*inbound.Handler, *toolstest.Fixture) {
	f := toolstest.New(t)
	return inbound.NewHandler(f.Store, f.Orders, tools.DefaultLowStockThreshold, zap.NewNop()), f
}

func event(eventType string, payload map[string]interface{}) events.Event {
	return events.NewEvent(eventType, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), payload)
}

func TestCatalogCreatedAddsEmptyProduct(t *testing.T) {
	h, f := newHandler(t)
	ctx := context.Background()

	created := event(events.EventTypeCatalogCreated, map[string]interface{}{
		"sku":      "BOOK-9780",
		"title":    "The Go Programming Language",
		"author":   "Donovan",
		"price":    3999,
		"currency": "USD",
		"category": "books",
		"active":   true,
	})
	require.NoError(t, h.Handle(ctx, created))

	p, err := f.Store.GetProduct(ctx, "BOOK-9780")
	require.NoError(t, err)
	assert.Equal(t, "The Go Programming Language", p.Name)
	assert.Equal(t, "by Donovan", p.Description)
	assert.Equal(t, "39.99", p.Price.StringFixed(2))
	assert.Equal(t, 0, p.StockQuantity)
	assert.Equal(t, tools.DefaultLowStockThreshold, p.LowStockThreshold)

	// Redelivery is acknowledged.
	require.NoError(t, h.Handle(ctx, created))
}

func TestCatalogDeletedDeactivates(t *testing.T) {
	h, f := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, event(events.EventTypeCatalogDeleted, map[string]interface{}{"sku": "PROD003"})))
	p, err := f.Store.GetProduct(ctx, "PROD003")
	require.NoError(t, err)
	assert.False(t, p.Active)

	err = h.Handle(ctx, event(events.EventTypeCatalogDeleted, map[string]interface{}{"sku": "PROD999"}))
	assert.True(t, events.IsPermanent(err))
}

func TestFulfillmentMovesOrder(t *testing.T) {
	h, f := newHandler(t)
	ctx := context.Background()

	r, err := f.Service.ReserveProduct(ctx, tools.ReserveInput{ProductID: "PROD001", Quantity: 1, CustomerID: "CUST001"})
	require.NoError(t, err)
	_, err = f.Service.CreateNewOrder(ctx, tools.CreateOrderInput{
		CustomerID: "CUST001",
		OrderID:    "ORD3100",
		Items:      []tools.OrderItemInput{{ReservationID: r.ReservationID}},
	})
	require.NoError(t, err)

	shipped := event(events.EventTypeFulfillmentShipped, map[string]interface{}{
		"order_id":          "ORD3100",
		"tracking_number":   "1Z555",
		"expected_delivery": "2026-03-06T12:00:00Z",
	})
	err = h.Handle(ctx, shipped)
	assert.True(t, events.IsPermanent(err), "pending orders cannot ship")

	_, err = f.Orders.UpdateStatus(ctx, "ORD3100", db.OrderProcessing)
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, shipped))
	require.NoError(t, h.Handle(ctx, shipped))

	o, err := f.Orders.Get(ctx, "ORD3100")
	require.NoError(t, err)
	assert.Equal(t, db.OrderShipped, o.Status)
	assert.Equal(t, "1Z555", o.TrackingNumber)
	require.NotNil(t, o.ExpectedDelivery)

	delivered := event(events.EventTypeFulfillmentDelivered, map[string]interface{}{"order_id": "ORD3100"})
	require.NoError(t, h.Handle(ctx, delivered))
	require.NoError(t, h.Handle(ctx, delivered))

	o, err = f.Orders.Get(ctx, "ORD3100")
	require.NoError(t, err)
	assert.Equal(t, db.OrderDelivered, o.Status)
}

func TestHandleRejectsUnusableEvents(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event events.Event
	}{
		{"unknown type", event("catalog.updated", map[string]interface{}{"sku": "PROD001"})},
		{"bad payload", event(events.EventTypeCatalogCreated, map[string]interface{}{"price": "free"})},
		{"bad eta", event(events.EventTypeFulfillmentShipped, map[string]interface{}{"order_id": "ORD1", "expected_delivery": "tomorrow"})},
		{"unknown order", event(events.EventTypeFulfillmentDelivered, map[string]interface{}{"order_id": "ORD404"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(ctx, tt.event)
			require.Error(t, err)
			assert.True(t, events.IsPermanent(err))
		})
	}
}

func TestHandleLeavesInfrastructureErrorsTransient(t *testing.T) {
	h, f := newHandler(t)
	require.NoError(t, f.DB.Close())

	err := h.Handle(context.Background(), event(events.EventTypeCatalogDeleted, map[string]interface{}{"sku": "PROD001"}))
	require.Error(t, err)
	assert.False(t, events.IsPermanent(err))
}
