package grpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/tools"
)

// ServiceName is the fully qualified name of the inventory tool service.
const ServiceName = "stockcore.v1.InventoryTools"

// CorrelationHeader carries the caller's correlation id into emitted events.
const CorrelationHeader = "x-correlation-id"

// FullMethod returns the gRPC path of a tool method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Method names, one per tool.
const (
	MethodCheckProductAvailability = "CheckProductAvailability"
	MethodSearchProductsByName     = "SearchProductsByName"
	MethodSearchProductsByCategory = "SearchProductsByCategory"
	MethodGetProductDetails        = "GetProductDetails"
	MethodReserveProduct           = "ReserveProduct"
	MethodCancelReservation        = "CancelReservation"
	MethodExtendReservation        = "ExtendReservation"
	MethodUpdateProductStock       = "UpdateProductStock"
	MethodGetLowStockAlerts        = "GetLowStockAlerts"
	MethodAddNewProduct            = "AddNewProduct"
	MethodCheckOrderStatus         = "CheckOrderStatus"
	MethodCreateNewOrder           = "CreateNewOrder"
	MethodUpdateOrderStatus        = "UpdateOrderStatus"
	MethodGetCustomerOrders        = "GetCustomerOrders"
	MethodProcessRefund            = "ProcessRefund"
	MethodCheckRefundStatus        = "CheckRefundStatus"
	MethodCompleteRefund           = "CompleteRefund"
)

// InventoryToolsServiceDesc describes the tool service for grpc.Server. The
// payloads are the tool structs, carried by the JSON codec.
var InventoryToolsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*tools.API)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCheckProductAvailability, tools.API.CheckProductAvailability),
		unary(MethodSearchProductsByName, tools.API.SearchProductsByName),
		unary(MethodSearchProductsByCategory, tools.API.SearchProductsByCategory),
		unary(MethodGetProductDetails, tools.API.GetProductDetails),
		unary(MethodReserveProduct, tools.API.ReserveProduct),
		unary(MethodCancelReservation, tools.API.CancelReservation),
		unary(MethodExtendReservation, tools.API.ExtendReservation),
		unary(MethodUpdateProductStock, tools.API.UpdateProductStock),
		unary(MethodGetLowStockAlerts, tools.API.GetLowStockAlerts),
		unary(MethodAddNewProduct, tools.API.AddNewProduct),
		unary(MethodCheckOrderStatus, tools.API.CheckOrderStatus),
		unary(MethodCreateNewOrder, tools.API.CreateNewOrder),
		unary(MethodUpdateOrderStatus, tools.API.UpdateOrderStatus),
		unary(MethodGetCustomerOrders, tools.API.GetCustomerOrders),
		unary(MethodProcessRefund, tools.API.ProcessRefund),
		unary(MethodCheckRefundStatus, tools.API.CheckRefundStatus),
		unary(MethodCompleteRefund, tools.API.CompleteRefund),
	},
	Metadata: "stockcore/v1/inventory_tools",
}

func unary[In, Out any](name string, call func(tools.API, context.Context, In) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(In)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
			}
			invoke := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(tools.API), ctx, *req.(*In))
				if err != nil {
					return nil, ToStatus(err)
				}
				return &out, nil
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, invoke)
		},
	}
}

// RegisterInventoryTools registers the tool service with the gRPC server
func RegisterInventoryTools(s grpc.ServiceRegistrar, api tools.API) {
	s.RegisterService(&InventoryToolsServiceDesc, api)
}

// NewServer builds the gRPC server of the inventory daemon: the tool
// service, health checks and reflection, traced with OpenTelemetry.
func NewServer(api tools.API, database *db.DB, dispatcher *events.Dispatcher, log *zap.Logger) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(CorrelationInterceptor(), LoggingInterceptor(log)),
	)

	RegisterInventoryTools(grpcServer, api)
	grpc_health_v1.RegisterHealthServer(grpcServer, NewHealthServer(database, dispatcher, log))

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	return grpcServer
}

// CorrelationInterceptor puts the caller's correlation id, or a fresh one,
// on the context so emitted events can be traced back to the request.
func CorrelationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(CorrelationHeader); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.New().String()
		}
		return handler(events.WithCorrelationID(ctx, id), req)
	}
}

// LoggingInterceptor logs all gRPC requests
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		level := zapcore.InfoLevel
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.Unavailable:
			level = zapcore.ErrorLevel
		default:
			level = zapcore.WarnLevel
		}
		log.Log(level, "gRPC request completed",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.String("correlation_id", events.CorrelationID(ctx)),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return resp, err
	}
}
