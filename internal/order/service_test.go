package order

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/db/dbtest"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/reservation"
)

type fixture struct {
	store        *inventory.Store
	reservations *reservation.Manager
	orders       *Service
	clock        *dbtest.Clock
	recorder     *events.Recorder
	events       *events.Dispatcher
}

func setup(t *testing.T) *fixture {
	database := dbtest.OpenWithCustomers(t)
	clock := dbtest.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	rec := &events.Recorder{}
	dispatcher := events.NewDispatcher(rec, zap.NewNop())
	store := inventory.NewStore(database, zap.NewNop(),
		inventory.WithClock(clock.Now),
		inventory.WithDispatcher(dispatcher),
		inventory.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	_, err := store.Seed(context.Background(), db.SampleProducts())
	require.NoError(t, err)

	reservations := reservation.NewManager(store, zap.NewNop())
	return &fixture{
		store:        store,
		reservations: reservations,
		orders:       NewService(store, reservations, zap.NewNop()),
		clock:        clock,
		recorder:     rec,
		events:       dispatcher,
	}
}

func (f *fixture) reserve(t *testing.T, productID string, quantity int, customerID string) *db.Reservation {
	t.Helper()
	r, err := f.reservations.Reserve(context.Background(), productID, quantity, customerID)
	require.NoError(t, err)
	return r
}

func (f *fixture) stock(t *testing.T, productID string) inventory.Availability {
	t.Helper()
	a, err := f.store.GetAvailable(context.Background(), productID)
	require.NoError(t, err)
	return a
}

func (f *fixture) verify(t *testing.T, productIDs ...string) {
	t.Helper()
	for _, id := range productIDs {
		_, err := f.store.Ledger().Verify(context.Background(), id)
		assert.NoError(t, err, id)
	}
}

func (f *fixture) create(t *testing.T, orderID, customerID string, rs ...*db.Reservation) *db.Order {
	t.Helper()
	req := CreateRequest{OrderID: orderID, CustomerID: customerID}
	for _, r := range rs {
		req.Items = append(req.Items, ItemRequest{ReservationID: r.ReservationID})
	}
	o, err := f.orders.Create(context.Background(), req)
	require.NoError(t, err)
	return o
}

func TestCreateCommitsEveryReservation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	laptop := f.reserve(t, "PROD001", 2, "CUST001")
	jacket := f.reserve(t, "PROD101", 3, "CUST001")

	o, err := f.orders.Create(ctx, CreateRequest{
		OrderID:    "ORD1001",
		CustomerID: "CUST001",
		Items: []ItemRequest{
			{ReservationID: laptop.ReservationID, ProductID: "PROD001", Quantity: 2},
			{ReservationID: jacket.ReservationID},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, db.OrderPending, o.Status)
	assert.Equal(t, db.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "4239.95", o.Total.StringFixed(2))
	require.Len(t, o.Items, 2)

	got, err := f.orders.Get(ctx, "ORD1001")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "PROD001", got.Items[0].ProductID)
	assert.Equal(t, "1999.99", got.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "4239.95", got.Total.StringFixed(2))

	for _, r := range []*db.Reservation{laptop, jacket} {
		cur, err := f.reservations.Get(ctx, r.ReservationID)
		require.NoError(t, err)
		assert.Equal(t, db.ReservationCompleted, cur.Status)
	}
	assert.Equal(t, 23, f.stock(t, "PROD001").Stock)
	assert.Equal(t, 0, f.stock(t, "PROD001").Reserved)
	assert.Equal(t, 97, f.stock(t, "PROD101").Stock)

	sales, err := f.store.Ledger().ByReference(ctx, "ORD1001")
	require.NoError(t, err)
	assert.Len(t, sales, 2)
	f.verify(t, "PROD001", "PROD101")

	f.events.Wait()
	assert.True(t, f.recorder.Has(events.EventTypeOrderCreated))
}

func TestCreateGeneratesID(t *testing.T) {
	f := setup(t)
	r := f.reserve(t, "PROD401", 1, "CUST002")

	o := f.create(t, "", "CUST002", r)
	assert.Regexp(t, `^ORD-[0-9A-F-]{36}$`, o.OrderID)
}

func TestCreateCompensatesWhenACommitFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	phone := f.reserve(t, "PROD002", 1, "CUST001")
	f.clock.Advance(10 * time.Minute)
	laptop := f.reserve(t, "PROD001", 2, "CUST001")
	// The phone reservation is past its TTL, the laptop one is not.
	f.clock.Advance(6 * time.Minute)

	_, err := f.orders.Create(ctx, CreateRequest{
		OrderID:    "ORD2001",
		CustomerID: "CUST001",
		Items: []ItemRequest{
			{ReservationID: laptop.ReservationID},
			{ReservationID: phone.ReservationID},
		},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidReservationState)

	_, err = f.orders.Get(ctx, "ORD2001")
	assert.ErrorIs(t, err, apperr.ErrUnknownOrder)

	a := f.stock(t, "PROD001")
	assert.Equal(t, 25, a.Stock)
	assert.Equal(t, 0, a.Reserved)

	movements, err := f.store.Ledger().ByReference(ctx, "ORD2001")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, db.MovementSale, movements[0].MovementType)
	assert.Equal(t, db.MovementReturn, movements[1].MovementType)
	assert.Equal(t, 2, movements[1].QuantityChange)
	f.verify(t, "PROD001", "PROD002")
}

func TestCreateRejectsBeforeCommitting(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	mine := f.reserve(t, "PROD203", 1, "CUST001")
	theirs := f.reserve(t, "PROD203", 1, "CUST002")

	_, err := f.orders.Create(ctx, CreateRequest{
		CustomerID: "CUST001",
		Items:      []ItemRequest{{ReservationID: mine.ReservationID}, {ReservationID: theirs.ReservationID}},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidReservationState)

	_, err = f.orders.Create(ctx, CreateRequest{
		CustomerID: "CUST001",
		Items:      []ItemRequest{{ReservationID: mine.ReservationID}},
		Total:      decimal.RequireFromString("1.00"),
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.orders.Create(ctx, CreateRequest{
		CustomerID: "CUST001",
		Items:      []ItemRequest{{ReservationID: mine.ReservationID, Quantity: 5}},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.orders.Create(ctx, CreateRequest{
		CustomerID: "CUST001",
		Items:      []ItemRequest{{ReservationID: "RES-MISSING"}},
	})
	assert.ErrorIs(t, err, apperr.ErrUnknownReservation)

	_, err = f.orders.Create(ctx, CreateRequest{CustomerID: "CUST001"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	a := f.stock(t, "PROD203")
	assert.Equal(t, 30, a.Stock)
	assert.Equal(t, 2, a.Reserved)
}

func TestCreateRejectsDuplicateOrderID(t *testing.T) {
	f := setup(t)
	f.create(t, "ORD3001", "CUST001", f.reserve(t, "PROD301", 1, "CUST001"))

	r := f.reserve(t, "PROD301", 1, "CUST001")
	_, err := f.orders.Create(context.Background(), CreateRequest{
		OrderID:    "ORD3001",
		CustomerID: "CUST001",
		Items:      []ItemRequest{{ReservationID: r.ReservationID}},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Equal(t, 1, f.stock(t, "PROD301").Reserved)
}

func TestLifecycleTransitions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.create(t, "ORD4001", "CUST003", f.reserve(t, "PROD102", 1, "CUST003"))

	_, err := f.orders.UpdateStatus(ctx, "ORD4001", db.OrderShipped)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	o, err := f.orders.UpdateStatus(ctx, "ORD4001", db.OrderProcessing)
	require.NoError(t, err)
	assert.Equal(t, db.OrderProcessing, o.Status)

	eta := f.clock.Now().Add(72 * time.Hour)
	o, err = f.orders.Ship(ctx, "ORD4001", "TRK-123", &eta)
	require.NoError(t, err)
	assert.Equal(t, db.OrderShipped, o.Status)
	assert.Equal(t, "TRK-123", o.TrackingNumber)

	_, err = f.orders.UpdateStatus(ctx, "ORD4001", db.OrderCancelled)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.orders.UpdateStatus(ctx, "ORD4001", db.OrderRefunded)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	o, err = f.orders.UpdateStatus(ctx, "ORD4001", db.OrderDelivered)
	require.NoError(t, err)
	assert.Equal(t, db.OrderDelivered, o.Status)

	got, err := f.orders.Get(ctx, "ORD4001")
	require.NoError(t, err)
	assert.Equal(t, db.OrderDelivered, got.Status)
	assert.Equal(t, "TRK-123", got.TrackingNumber)
	require.NotNil(t, got.ExpectedDelivery)
	assert.True(t, eta.Equal(*got.ExpectedDelivery))

	_, err = f.orders.UpdateStatus(ctx, "ORD404", db.OrderProcessing)
	assert.ErrorIs(t, err, apperr.ErrUnknownOrder)
	_, err = f.orders.UpdateStatus(ctx, "ORD4001", db.OrderStatus("lost"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	f.events.Wait()
	n := 0
	for _, typ := range f.recorder.Types() {
		if typ == events.EventTypeOrderStatusChanged {
			n++
		}
	}
	assert.Equal(t, 3, n)
}

func TestCancelRestocksItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.create(t, "ORD5001", "CUST001",
		f.reserve(t, "PROD004", 2, "CUST001"),
		f.reserve(t, "PROD303", 1, "CUST001"))
	assert.Equal(t, 13, f.stock(t, "PROD004").Stock)

	o, err := f.orders.Cancel(ctx, "ORD5001", "")
	require.NoError(t, err)
	assert.Equal(t, db.OrderCancelled, o.Status)
	assert.Equal(t, 15, f.stock(t, "PROD004").Stock)
	assert.Equal(t, 18, f.stock(t, "PROD303").Stock)

	_, err = f.orders.Cancel(ctx, "ORD5001", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 15, f.stock(t, "PROD004").Stock)

	movements, err := f.store.Ledger().ByReference(ctx, "ORD5001")
	require.NoError(t, err)
	assert.Len(t, movements, 4)
	f.verify(t, "PROD004", "PROD303")
}

func TestSetPaymentStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.create(t, "ORD6001", "CUST002", f.reserve(t, "PROD402", 2, "CUST002"))

	o, err := f.orders.SetPaymentStatus(ctx, "ORD6001", db.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPaid, o.PaymentStatus)

	_, err = f.orders.SetPaymentStatus(ctx, "ORD6001", db.PaymentFailed)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.orders.SetPaymentStatus(ctx, "ORD6001", db.PaymentRefunded)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestListByCustomer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.create(t, "ORD7001", "CUST001", f.reserve(t, "PROD401", 1, "CUST001"))
	f.clock.Advance(time.Minute)
	f.create(t, "ORD7002", "CUST001", f.reserve(t, "PROD401", 1, "CUST001"))
	f.create(t, "ORD7003", "CUST002", f.reserve(t, "PROD401", 1, "CUST002"))
	_, err := f.orders.Cancel(ctx, "ORD7001", "changed mind")
	require.NoError(t, err)

	all, err := f.orders.ListByCustomer(ctx, "CUST001", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ORD7002", all[0].OrderID)
	assert.Len(t, all[0].Items, 1)

	pending, err := f.orders.ListByCustomer(ctx, "CUST001", db.OrderPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ORD7002", pending[0].OrderID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(db.OrderPending, db.OrderProcessing))
	assert.True(t, CanTransition(db.OrderProcessing, db.OrderCancelled))
	assert.False(t, CanTransition(db.OrderDelivered, db.OrderCancelled))
	assert.False(t, CanTransition(db.OrderShipped, db.OrderRefunded))
	assert.True(t, Terminal(db.OrderCancelled))
	assert.False(t, Terminal(db.OrderShipped))
}
