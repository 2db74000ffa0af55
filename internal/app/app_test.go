package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/config"
	"github.com/bookstore/stockcore/internal/db/dbtest"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/tools"
)

func testConfig(t *testing.T) *config.Config {
	t.Setenv("EVENTS_BROKER", config.BrokerNone)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewSeedsAndServesTools(t *testing.T) {
	cfg := testConfig(t)
	rec := &events.Recorder{}
	core, err := New(context.Background(), cfg, dbtest.Open(t), rec, zap.NewNop())
	require.NoError(t, err)

	// Seeding twice adds nothing.
	require.NoError(t, core.seed(context.Background()))

	p, err := core.Tools.CheckProductAvailability(context.Background(), tools.ProductInput{ProductID: "PROD001"})
	require.NoError(t, err)
	assert.Greater(t, p.AvailableQuantity, 0)

	r, err := core.Tools.ReserveProduct(context.Background(), tools.ReserveInput{ProductID: "PROD001", Quantity: 1, CustomerID: "CUST001"})
	require.NoError(t, err)
	assert.Equal(t, "active", r.Status)

	core.Dispatcher.Wait()
	assert.True(t, rec.Has(events.EventTypeReservationCreated))
	require.NoError(t, core.Healthy(context.Background()))
}

func TestNewPublisherNone(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPublisher(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, events.NopPublisher{}, p)

	cfg.EventsBroker = "nats"
	_, err = NewPublisher(cfg, zap.NewNop())
	assert.Error(t, err)
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rr.Result().Body)
	require.NoError(t, err)
	return rr.Code, string(body)
}

func TestHTTPHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.SeedData = false
	core, err := New(context.Background(), cfg, dbtest.Open(t), events.NopPublisher{}, zap.NewNop())
	require.NoError(t, err)

	h := core.HTTPHandler(nil)

	code, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body)

	code, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "go_goroutines"))

	code, _ = get(t, h, "/mcp")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, core.DB.Close())
	code, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "database")
}
