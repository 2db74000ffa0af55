package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Movement("sale")
	m.Movement("sale")
	m.Reservation("expired")
	m.ContentionRetry()
	m.SetLowStock(3)
	m.ToolCall("reserve_product", "ok", 15*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.movements.WithLabelValues("sale")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reservations.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.contentionRetries))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.lowStockProducts))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "stockcore_tool_call_duration_seconds")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Movement("sale")
		m.Reservation("created")
		m.OrderTransition("shipped")
		m.Refund("completed")
		m.ContentionRetry()
		m.ContentionFailure()
		m.SetLowStock(1)
		m.ToolCall("x", "ok", time.Second)
	})
}
