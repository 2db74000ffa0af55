package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/order"
)

type OrderInput struct {
	OrderID string `json:"order_id" jsonschema:"order identifier"`
}

type OrderLine struct {
	ProductID        string `json:"product_id"`
	ReservationID    string `json:"reservation_id"`
	Quantity         int    `json:"quantity"`
	UnitPrice        string `json:"unit_price"`
	LineTotal        string `json:"line_total"`
	RefundedQuantity int    `json:"refunded_quantity"`
}

type OrderResult struct {
	OrderID          string      `json:"order_id"`
	CustomerID       string      `json:"customer_id"`
	Status           string      `json:"status"`
	PaymentStatus    string      `json:"payment_status"`
	Total            string      `json:"total"`
	TrackingNumber   string      `json:"tracking_number,omitempty"`
	ExpectedDelivery string      `json:"expected_delivery,omitempty"`
	Items            []OrderLine `json:"items"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
	Message          string      `json:"message"`
}

func orderResult(o *db.Order) OrderResult {
	out := OrderResult{
		OrderID:        o.OrderID,
		CustomerID:     o.CustomerID,
		Status:         string(o.Status),
		PaymentStatus:  string(o.PaymentStatus),
		Total:          o.Total.StringFixed(2),
		TrackingNumber: o.TrackingNumber,
		Items:          make([]OrderLine, 0, len(o.Items)),
		CreatedAt:      formatTime(o.CreatedAt),
		UpdatedAt:      formatTime(o.UpdatedAt),
	}
	if o.ExpectedDelivery != nil {
		out.ExpectedDelivery = formatTime(*o.ExpectedDelivery)
	}
	for i := range o.Items {
		item := &o.Items[i]
		out.Items = append(out.Items, OrderLine{
			ProductID:        item.ProductID,
			ReservationID:    item.ReservationID,
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice.StringFixed(2),
			LineTotal:        item.LineTotal().StringFixed(2),
			RefundedQuantity: item.RefundedQuantity,
		})
	}
	return out
}

func (s *Service) CheckOrderStatus(ctx context.Context, in OrderInput) (out OrderResult, err error) {
	defer s.observe(CheckOrderStatus.Name, time.Now(), &err)

	o, err := s.orders.Get(ctx, in.OrderID)
	if err != nil {
		return OrderResult{}, err
	}
	out = orderResult(o)
	out.Message = fmt.Sprintf("Order %s is %s, payment %s, total $%s.", o.OrderID, o.Status, o.PaymentStatus, out.Total)
	if o.TrackingNumber != "" {
		out.Message += " Tracking number " + o.TrackingNumber + "."
	}
	if out.ExpectedDelivery != "" {
		out.Message += " Expected delivery " + out.ExpectedDelivery + "."
	}
	return out, nil
}

type OrderItemInput struct {
	ReservationID string `json:"reservation_id" jsonschema:"active reservation to commit"`
	ProductID     string `json:"product_id,omitempty" jsonschema:"optional, must match the reservation"`
	Quantity      int    `json:"quantity,omitempty" jsonschema:"optional, must match the reservation"`
}

type CreateOrderInput struct {
	CustomerID string           `json:"customer_id" jsonschema:"customer placing the order"`
	OrderID    string           `json:"order_id,omitempty" jsonschema:"optional order identifier, generated when empty"`
	Items      []OrderItemInput `json:"items" jsonschema:"one entry per reservation"`
	Total      float64          `json:"total,omitempty" jsonschema:"optional expected total, checked against the items"`
}

func (s *Service) CreateNewOrder(ctx context.Context, in CreateOrderInput) (out OrderResult, err error) {
	defer s.observe(CreateNewOrder.Name, time.Now(), &err)

	req := order.CreateRequest{
		OrderID:    in.OrderID,
		CustomerID: in.CustomerID,
		Items:      make([]order.ItemRequest, 0, len(in.Items)),
		Total:      decimal.NewFromFloat(in.Total),
	}
	for _, it := range in.Items {
		req.Items = append(req.Items, order.ItemRequest{
			ReservationID: it.ReservationID,
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
		})
	}
	o, err := s.orders.Create(ctx, req)
	if err != nil {
		return OrderResult{}, err
	}
	out = orderResult(o)
	out.Message = fmt.Sprintf("Order %s was created for %s with %d item(s), total $%s. Payment is pending.",
		o.OrderID, o.CustomerID, len(o.Items), out.Total)
	return out, nil
}

type UpdateOrderStatusInput struct {
	OrderID          string `json:"order_id" jsonschema:"order identifier"`
	Status           string `json:"status,omitempty" jsonschema:"processing, shipped, delivered or cancelled"`
	TrackingNumber   string `json:"tracking_number,omitempty" jsonschema:"carrier tracking number when shipping"`
	ExpectedDelivery string `json:"expected_delivery,omitempty" jsonschema:"RFC3339 expected delivery time when shipping"`
	PaymentStatus    string `json:"payment_status,omitempty" jsonschema:"paid or failed"`
	Reason           string `json:"reason,omitempty" jsonschema:"cancellation reason"`
}

func (s *Service) UpdateOrderStatus(ctx context.Context, in UpdateOrderStatusInput) (out OrderResult, err error) {
	defer s.observe(UpdateOrderStatus.Name, time.Now(), &err)

	status := db.OrderStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	payment := db.PaymentStatus(strings.ToLower(strings.TrimSpace(in.PaymentStatus)))
	if status == "" && payment == "" {
		return OrderResult{}, apperr.Invalid("status or payment status is required")
	}

	change := order.Change{
		Status:         status,
		Payment:        payment,
		TrackingNumber: in.TrackingNumber,
		Reason:         in.Reason,
	}
	if status == db.OrderShipped && in.ExpectedDelivery != "" {
		t, err := time.Parse(time.RFC3339, in.ExpectedDelivery)
		if err != nil {
			return OrderResult{}, apperr.Invalid("expected delivery %q is not RFC3339", in.ExpectedDelivery)
		}
		change.ExpectedDelivery = &t
	}
	o, err := s.orders.Apply(ctx, in.OrderID, change)
	if err != nil {
		return OrderResult{}, err
	}

	out = orderResult(o)
	out.Message = fmt.Sprintf("Order %s is now %s, payment %s.", o.OrderID, o.Status, o.PaymentStatus)
	if status == db.OrderCancelled {
		out.Message += " Its items were returned to stock."
	}
	return out, nil
}

type CustomerOrdersInput struct {
	CustomerID string `json:"customer_id" jsonschema:"customer identifier"`
	Status     string `json:"status,omitempty" jsonschema:"only orders in this status"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of orders to return"`
}

type OrderSummary struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Total         string `json:"total"`
	Items         int    `json:"items"`
	CreatedAt     string `json:"created_at"`
}

type OrderList struct {
	CustomerID string         `json:"customer_id"`
	Orders     []OrderSummary `json:"orders"`
	Count      int            `json:"count"`
	Message    string         `json:"message"`
}

func (s *Service) GetCustomerOrders(ctx context.Context, in CustomerOrdersInput) (out OrderList, err error) {
	defer s.observe(GetCustomerOrders.Name, time.Now(), &err)

	if strings.TrimSpace(in.CustomerID) == "" {
		return OrderList{}, apperr.Invalid("customer id is required")
	}
	orders, err := s.orders.ListByCustomer(ctx, in.CustomerID, db.OrderStatus(strings.ToLower(in.Status)), in.Limit)
	if err != nil {
		return OrderList{}, err
	}

	out = OrderList{CustomerID: in.CustomerID, Orders: make([]OrderSummary, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, OrderSummary{
			OrderID:       o.OrderID,
			Status:        string(o.Status),
			PaymentStatus: string(o.PaymentStatus),
			Total:         o.Total.StringFixed(2),
			Items:         len(o.Items),
			CreatedAt:     formatTime(o.CreatedAt),
		})
	}
	out.Count = len(out.Orders)
	if out.Count == 0 {
		out.Message = fmt.Sprintf("Customer %s has no orders.", in.CustomerID)
	} else {
		out.Message = fmt.Sprintf("Customer %s has %d order(s).", in.CustomerID, out.Count)
	}
	return out, nil
}
