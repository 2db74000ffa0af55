// Package toolstest wires a complete tool service over an in-memory database
// seeded with the sample catalogue, for transport tests.
package toolstest

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/db/dbtest"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/metrics"
	"github.com/bookstore/stockcore/internal/order"
	"github.com/bookstore/stockcore/internal/refund"
	"github.com/bookstore/stockcore/internal/reservation"
	"github.com/bookstore/stockcore/internal/tools"
)

type Fixture struct {
	DB           *db.DB
	Clock        *dbtest.Clock
	Registry     *prometheus.Registry
	Recorder     *events.Recorder
	Dispatcher   *events.Dispatcher
	Store        *inventory.Store
	Reservations *reservation.Manager
	Orders       *order.Service
	Refunds      *refund.Processor
	Service      *tools.Service
}

func New(t testing.TB) *Fixture {
	t.Helper()

	f := &Fixture{
		DB:       dbtest.OpenWithCustomers(t),
		Clock:    dbtest.NewClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)),
		Registry: prometheus.NewRegistry(),
		Recorder: &events.Recorder{},
	}
	f.Dispatcher = events.NewDispatcher(f.Recorder, zap.NewNop())
	f.Store = inventory.NewStore(f.DB, zap.NewNop(),
		inventory.WithClock(f.Clock.Now),
		inventory.WithMetrics(metrics.New(f.Registry)),
		inventory.WithDispatcher(f.Dispatcher),
		inventory.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	_, err := f.Store.Seed(context.Background(), db.SampleProducts())
	require.NoError(t, err)

	f.Reservations = reservation.NewManager(f.Store, zap.NewNop())
	f.Orders = order.NewService(f.Store, f.Reservations, zap.NewNop())
	f.Refunds = refund.NewProcessor(f.Store, f.Orders, zap.NewNop())
	f.Service = tools.NewService(f.Store, f.Reservations, f.Orders, f.Refunds, zap.NewNop())
	return f
}
