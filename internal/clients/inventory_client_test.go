package clients_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bookstore/stockcore/internal/clients"
	"github.com/bookstore/stockcore/internal/events"
	grpcserver "github.com/bookstore/stockcore/internal/grpc"
	"github.com/bookstore/stockcore/internal/tools"
	"github.com/bookstore/stockcore/internal/tools/toolstest"
)

func newClient(t *testing.T) (*clients.InventoryClient, *toolstest.Fixture) {
	t.Helper()

	f := toolstest.New(t)
	lis := bufconn.Listen(1 << 20)
	server := grpcserver.NewServer(f.Service, f.DB, f.Dispatcher, zap.NewNop())
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	client, err := clients.NewInventoryClient("passthrough:///bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, f
}

func TestRemoteReservationLifecycle(t *testing.T) {
	client, f := newClient(t)
	ctx := events.WithCorrelationID(context.Background(), "corr-42")

	avail, err := client.CheckProductAvailability(ctx, tools.ProductInput{ProductID: "PROD402"})
	require.NoError(t, err)
	assert.Equal(t, 60, avail.AvailableQuantity)

	held, err := client.ReserveProduct(ctx, tools.ReserveInput{ProductID: "PROD402", Quantity: 5, CustomerID: "CUST001"})
	require.NoError(t, err)
	assert.Equal(t, "active", held.Status)

	released, err := client.CancelReservation(ctx, tools.ReservationInput{ReservationID: held.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, "released", released.Status)

	f.Dispatcher.Wait()
	var correlated int
	for _, e := range f.Recorder.Events() {
		if e.EventType == events.EventTypeReservationCreated {
			assert.Equal(t, "corr-42", e.CorrelationID)
			correlated++
		}
	}
	assert.Equal(t, 1, correlated)
}

func TestRemoteErrorsCarryCodes(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	_, err := client.GetProductDetails(ctx, tools.ProductInput{ProductID: "PROD999"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.ReserveProduct(ctx, tools.ReserveInput{ProductID: "PROD005", Quantity: 1, CustomerID: "CUST001"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "insufficient stock")

	_, err = client.AddNewProduct(ctx, tools.AddProductInput{ProductID: "PROD001", Name: "Duplicate", Price: 1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.UpdateProductStock(ctx, tools.StockUpdateInput{ProductID: "PROD001"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRemoteHealth(t *testing.T) {
	client, _ := newClient(t)

	ok, err := client.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteLowStock(t *testing.T) {
	client, _ := newClient(t)

	low, err := client.GetLowStockAlerts(context.Background(), tools.LowStockInput{})
	require.NoError(t, err)
	assert.Equal(t, 4, low.Count)
}
