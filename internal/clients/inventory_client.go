// Package clients calls a remote inventory daemon over gRPC.
package clients

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/bookstore/stockcore/internal/events"
	grpcserver "github.com/bookstore/stockcore/internal/grpc"
	"github.com/bookstore/stockcore/internal/tools"
)

// InventoryClient wraps the gRPC connection to the inventory service. It
// implements tools.API, so an MCP server can front a remote daemon.
type InventoryClient struct {
	conn *grpc.ClientConn
	log  *zap.Logger
}

var _ tools.API = (*InventoryClient)(nil)

// NewInventoryClient creates a new inventory service client. The connection
// is established lazily on the first call.
func NewInventoryClient(target string, log *zap.Logger, opts ...grpc.DialOption) (*InventoryClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcserver.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to inventory service: %w", err)
	}
	log.Info("Inventory client created", zap.String("target", target))

	return &InventoryClient{conn: conn, log: log}, nil
}

func invoke[In, Out any](ctx context.Context, c *InventoryClient, method string, in In) (Out, error) {
	if id := events.CorrelationID(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcserver.CorrelationHeader, id)
	}
	var out Out
	if err := c.conn.Invoke(ctx, grpcserver.FullMethod(method), &in, &out); err != nil {
		c.log.Debug("Inventory call failed", zap.String("method", method), zap.Error(err))
		return out, err
	}
	return out, nil
}

// Healthy asks the daemon's health service whether it is serving.
func (c *InventoryClient) Healthy(ctx context.Context) (bool, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

func (c *InventoryClient) CheckProductAvailability(ctx context.Context, in tools.ProductInput) (tools.ProductResult, error) {
	return invoke[tools.ProductInput, tools.ProductResult](ctx, c, grpcserver.MethodCheckProductAvailability, in)
}

func (c *InventoryClient) SearchProductsByName(ctx context.Context, in tools.SearchByNameInput) (tools.ProductList, error) {
	return invoke[tools.SearchByNameInput, tools.ProductList](ctx, c, grpcserver.MethodSearchProductsByName, in)
}

func (c *InventoryClient) SearchProductsByCategory(ctx context.Context, in tools.SearchByCategoryInput) (tools.ProductList, error) {
	return invoke[tools.SearchByCategoryInput, tools.ProductList](ctx, c, grpcserver.MethodSearchProductsByCategory, in)
}

func (c *InventoryClient) GetProductDetails(ctx context.Context, in tools.ProductInput) (tools.ProductResult, error) {
	return invoke[tools.ProductInput, tools.ProductResult](ctx, c, grpcserver.MethodGetProductDetails, in)
}

func (c *InventoryClient) ReserveProduct(ctx context.Context, in tools.ReserveInput) (tools.ReservationResult, error) {
	return invoke[tools.ReserveInput, tools.ReservationResult](ctx, c, grpcserver.MethodReserveProduct, in)
}

func (c *InventoryClient) CancelReservation(ctx context.Context, in tools.ReservationInput) (tools.ReservationResult, error) {
	return invoke[tools.ReservationInput, tools.ReservationResult](ctx, c, grpcserver.MethodCancelReservation, in)
}

func (c *InventoryClient) ExtendReservation(ctx context.Context, in tools.ReservationInput) (tools.ReservationResult, error) {
	return invoke[tools.ReservationInput, tools.ReservationResult](ctx, c, grpcserver.MethodExtendReservation, in)
}

func (c *InventoryClient) UpdateProductStock(ctx context.Context, in tools.StockUpdateInput) (tools.StockUpdateResult, error) {
	return invoke[tools.StockUpdateInput, tools.StockUpdateResult](ctx, c, grpcserver.MethodUpdateProductStock, in)
}

func (c *InventoryClient) GetLowStockAlerts(ctx context.Context, in tools.LowStockInput) (tools.LowStockResult, error) {
	return invoke[tools.LowStockInput, tools.LowStockResult](ctx, c, grpcserver.MethodGetLowStockAlerts, in)
}

func (c *InventoryClient) AddNewProduct(ctx context.Context, in tools.AddProductInput) (tools.ProductResult, error) {
	return invoke[tools.AddProductInput, tools.ProductResult](ctx, c, grpcserver.MethodAddNewProduct, in)
}

func (c *InventoryClient) CheckOrderStatus(ctx context.Context, in tools.OrderInput) (tools.OrderResult, error) {
	return invoke[tools.OrderInput, tools.OrderResult](ctx, c, grpcserver.MethodCheckOrderStatus, in)
}

func (c *InventoryClient) CreateNewOrder(ctx context.Context, in tools.CreateOrderInput) (tools.OrderResult, error) {
	return invoke[tools.CreateOrderInput, tools.OrderResult](ctx, c, grpcserver.MethodCreateNewOrder, in)
}

func (c *InventoryClient) UpdateOrderStatus(ctx context.Context, in tools.UpdateOrderStatusInput) (tools.OrderResult, error) {
	return invoke[tools.UpdateOrderStatusInput, tools.OrderResult](ctx, c, grpcserver.MethodUpdateOrderStatus, in)
}

func (c *InventoryClient) GetCustomerOrders(ctx context.Context, in tools.CustomerOrdersInput) (tools.OrderList, error) {
	return invoke[tools.CustomerOrdersInput, tools.OrderList](ctx, c, grpcserver.MethodGetCustomerOrders, in)
}

func (c *InventoryClient) ProcessRefund(ctx context.Context, in tools.ProcessRefundInput) (tools.RefundResult, error) {
	return invoke[tools.ProcessRefundInput, tools.RefundResult](ctx, c, grpcserver.MethodProcessRefund, in)
}

func (c *InventoryClient) CheckRefundStatus(ctx context.Context, in tools.RefundInput) (tools.RefundResult, error) {
	return invoke[tools.RefundInput, tools.RefundResult](ctx, c, grpcserver.MethodCheckRefundStatus, in)
}

func (c *InventoryClient) CompleteRefund(ctx context.Context, in tools.RefundInput) (tools.RefundResult, error) {
	return invoke[tools.RefundInput, tools.RefundResult](ctx, c, grpcserver.MethodCompleteRefund, in)
}

// Close closes the connection to inventory service
func (c *InventoryClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
