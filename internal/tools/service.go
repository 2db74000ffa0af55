// Package tools is the tool-call surface of the inventory core. Every tool has
// a typed input and output; transports (MCP, gRPC) only adapt them.
package tools

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/metrics"
	"github.com/bookstore/stockcore/internal/order"
	"github.com/bookstore/stockcore/internal/refund"
	"github.com/bookstore/stockcore/internal/reservation"
)

// DefaultLowStockThreshold applies to products added without a threshold.
const DefaultLowStockThreshold = 10

// Descriptor names a tool and tells a caller what it does.
type Descriptor struct {
	Name        string
	Description string
}

var (
	CheckProductAvailability = Descriptor{"check_product_availability", "Check whether a product is in stock and how many units are available, reserved and in total."}
	SearchProductsByName     = Descriptor{"search_products_by_name", "Search products by a case-insensitive name fragment, optionally only those in stock."}
	SearchProductsByCategory = Descriptor{"search_products_by_category", "List the products of a category, optionally only those in stock."}
	GetProductDetails        = Descriptor{"get_product_details", "Get the full description, price and stock levels of a product."}
	ReserveProduct           = Descriptor{"reserve_product", "Hold units of a product for a customer during checkout. The hold expires after the reservation TTL."}
	CancelReservation        = Descriptor{"cancel_reservation", "Cancel an active reservation and return its units to available stock."}
	ExtendReservation        = Descriptor{"extend_reservation", "Push the expiry of an active reservation out by one TTL."}
	UpdateProductStock       = Descriptor{"update_product_stock", "Add or remove stock. The reason selects the movement type: restock, damage, return or adjustment."}
	GetLowStockAlerts        = Descriptor{"get_low_stock_alerts", "List active products whose available stock is at or below their low stock threshold."}
	AddNewProduct            = Descriptor{"add_new_product", "Add a product to the catalogue with optional initial stock."}
	CheckOrderStatus         = Descriptor{"check_order_status", "Get the status, payment status, items and tracking of an order."}
	CreateNewOrder           = Descriptor{"create_new_order", "Create an order from a customer's active reservations. Every reservation is committed or none is."}
	UpdateOrderStatus        = Descriptor{"update_order_status", "Move an order to processing, shipped, delivered or cancelled, or record its payment outcome."}
	GetCustomerOrders        = Descriptor{"get_customer_orders", "List a customer's orders, newest first."}
	ProcessRefund            = Descriptor{"process_refund", "Open a refund for a shipped or delivered order, for all remaining items or the listed ones."}
	CheckRefundStatus        = Descriptor{"check_refund_status", "Get the status, amount and items of a refund."}
	CompleteRefund           = Descriptor{"complete_refund", "Complete a refund: refunded items return to stock and the order payment is updated."}
)

// All lists every tool in the order they are registered.
func All() []Descriptor {
	return []Descriptor{
		CheckProductAvailability, SearchProductsByName, SearchProductsByCategory, GetProductDetails,
		ReserveProduct, CancelReservation, ExtendReservation,
		UpdateProductStock, GetLowStockAlerts, AddNewProduct,
		CheckOrderStatus, CreateNewOrder, UpdateOrderStatus, GetCustomerOrders,
		ProcessRefund, CheckRefundStatus, CompleteRefund,
	}
}

// API is the full tool surface. *Service implements it in process; the
// gRPC client implements it against a remote inventory daemon.
type API interface {
	CheckProductAvailability(context.Context, ProductInput) (ProductResult, error)
	SearchProductsByName(context.Context, SearchByNameInput) (ProductList, error)
	SearchProductsByCategory(context.Context, SearchByCategoryInput) (ProductList, error)
	GetProductDetails(context.Context, ProductInput) (ProductResult, error)
	ReserveProduct(context.Context, ReserveInput) (ReservationResult, error)
	CancelReservation(context.Context, ReservationInput) (ReservationResult, error)
	ExtendReservation(context.Context, ReservationInput) (ReservationResult, error)
	UpdateProductStock(context.Context, StockUpdateInput) (StockUpdateResult, error)
	GetLowStockAlerts(context.Context, LowStockInput) (LowStockResult, error)
	AddNewProduct(context.Context, AddProductInput) (ProductResult, error)
	CheckOrderStatus(context.Context, OrderInput) (OrderResult, error)
	CreateNewOrder(context.Context, CreateOrderInput) (OrderResult, error)
	UpdateOrderStatus(context.Context, UpdateOrderStatusInput) (OrderResult, error)
	GetCustomerOrders(context.Context, CustomerOrdersInput) (OrderList, error)
	ProcessRefund(context.Context, ProcessRefundInput) (RefundResult, error)
	CheckRefundStatus(context.Context, RefundInput) (RefundResult, error)
	CompleteRefund(context.Context, RefundInput) (RefundResult, error)
}

var _ API = (*Service)(nil)

type Service struct {
	store        *inventory.Store
	reservations *reservation.Manager
	orders       *order.Service
	refunds      *refund.Processor
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func NewService(
	store *inventory.Store,
	reservations *reservation.Manager,
	orders *order.Service,
	refunds *refund.Processor,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:        store,
		reservations: reservations,
		orders:       orders,
		refunds:      refunds,
		metrics:      store.Metrics(),
		log:          log,
	}
}

// observe records the outcome of one tool call. errp points at the named
// error result of the caller.
func (s *Service) observe(tool string, start time.Time, errp *error) {
	took := time.Since(start)
	outcome := Outcome(*errp)
	s.metrics.ToolCall(tool, outcome, took)

	if outcome == "error" {
		s.log.Error("Tool call failed", zap.String("tool", tool), zap.Duration("took", took), zap.Error(*errp))
		return
	}
	s.log.Debug("Tool call",
		zap.String("tool", tool),
		zap.String("outcome", outcome),
		zap.Duration("took", took),
		zap.NamedError("reason", *errp))
}

// Outcome classifies a tool error: ok, rejected (a domain rule said no),
// contention, or error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.Retryable(err):
		return "contention"
	case apperr.IsDomain(err):
		return "rejected"
	}
	return "error"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
