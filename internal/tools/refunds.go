package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/refund"
)

type RefundItemInput struct {
	ProductID string `json:"product_id" jsonschema:"product on the order to refund"`
	Quantity  int    `json:"quantity" jsonschema:"units to refund"`
}

type ProcessRefundInput struct {
	OrderID string            `json:"order_id" jsonschema:"shipped or delivered order to refund"`
	Reason  string            `json:"reason,omitempty" jsonschema:"why the customer wants a refund"`
	Items   []RefundItemInput `json:"items,omitempty" jsonschema:"items to refund, all remaining items when empty"`
}

type RefundInput struct {
	RefundID string `json:"refund_id" jsonschema:"refund identifier"`
}

type RefundLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type RefundResult struct {
	RefundID    string       `json:"refund_id"`
	OrderID     string       `json:"order_id"`
	Amount      string       `json:"amount"`
	Status      string       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	Items       []RefundLine `json:"items"`
	CreatedAt   string       `json:"created_at"`
	CompletedAt string       `json:"completed_at,omitempty"`
	Message     string       `json:"message"`
}

func refundResult(r *db.Refund) RefundResult {
	out := RefundResult{
		RefundID:  r.RefundID,
		OrderID:   r.OrderID,
		Amount:    r.Amount.StringFixed(2),
		Status:    string(r.Status),
		Reason:    r.Reason,
		Items:     make([]RefundLine, 0, len(r.Items)),
		CreatedAt: formatTime(r.CreatedAt),
	}
	if r.CompletedAt != nil {
		out.CompletedAt = formatTime(*r.CompletedAt)
	}
	for _, item := range r.Items {
		out.Items = append(out.Items, RefundLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

func (s *Service) ProcessRefund(ctx context.Context, in ProcessRefundInput) (out RefundResult, err error) {
	defer s.observe(ProcessRefund.Name, time.Now(), &err)

	req := refund.InitiateRequest{OrderID: in.OrderID, Reason: in.Reason}
	for _, it := range in.Items {
		req.Items = append(req.Items, refund.ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	r, err := s.refunds.Initiate(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	out = refundResult(r)
	out.Message = fmt.Sprintf("Refund %s of $%s for order %s was opened and is pending.", r.RefundID, out.Amount, r.OrderID)
	return out, nil
}

func (s *Service) CheckRefundStatus(ctx context.Context, in RefundInput) (out RefundResult, err error) {
	defer s.observe(CheckRefundStatus.Name, time.Now(), &err)

	r, err := s.refunds.Get(ctx, in.RefundID)
	if err != nil {
		return RefundResult{}, err
	}
	out = refundResult(r)
	out.Message = fmt.Sprintf("Refund %s of $%s for order %s is %s.", r.RefundID, out.Amount, r.OrderID, r.Status)
	return out, nil
}

func (s *Service) CompleteRefund(ctx context.Context, in RefundInput) (out RefundResult, err error) {
	defer s.observe(CompleteRefund.Name, time.Now(), &err)

	r, err := s.refunds.Complete(ctx, in.RefundID)
	if err != nil {
		return RefundResult{}, err
	}
	out = refundResult(r)
	out.Message = fmt.Sprintf("Refund %s of $%s for order %s is completed; %d item line(s) returned to stock.",
		r.RefundID, out.Amount, r.OrderID, len(r.Items))
	return out, nil
}
