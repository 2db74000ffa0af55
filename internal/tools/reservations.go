package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
)

type ReserveInput struct {
	ProductID  string `json:"product_id" jsonschema:"product to reserve"`
	Quantity   int    `json:"quantity" jsonschema:"number of units to hold"`
	CustomerID string `json:"customer_id" jsonschema:"customer making the reservation"`
}

type ReservationInput struct {
	ReservationID string `json:"reservation_id" jsonschema:"reservation identifier"`
}

type ReservationResult struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	CustomerID    string `json:"customer_id"`
	Quantity      int    `json:"quantity"`
	Status        string `json:"status"`
	ExpiresAt     string `json:"expires_at" jsonschema:"RFC3339 time the hold lapses"`
	OrderID       string `json:"order_id,omitempty"`
	Message       string `json:"message"`
}

func reservationResult(r *db.Reservation) ReservationResult {
	out := ReservationResult{
		ReservationID: r.ReservationID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		ExpiresAt:     formatTime(r.ExpiresAt),
	}
	if r.OrderID != nil {
		out.OrderID = *r.OrderID
	}
	return out
}

func (s *Service) ReserveProduct(ctx context.Context, in ReserveInput) (out ReservationResult, err error) {
	defer s.observe(ReserveProduct.Name, time.Now(), &err)

	if strings.TrimSpace(in.ProductID) == "" {
		return ReservationResult{}, apperr.Invalid("product id is required")
	}
	r, err := s.reservations.Reserve(ctx, in.ProductID, in.Quantity, in.CustomerID)
	if err != nil {
		return ReservationResult{}, err
	}
	out = reservationResult(r)
	out.Message = fmt.Sprintf("Reserved %d units of %s for %s as %s. The hold expires in %s, at %s.",
		r.Quantity, r.ProductID, r.CustomerID, r.ReservationID, s.reservations.TTL(), out.ExpiresAt)
	return out, nil
}

func (s *Service) CancelReservation(ctx context.Context, in ReservationInput) (out ReservationResult, err error) {
	defer s.observe(CancelReservation.Name, time.Now(), &err)

	r, err := s.reservations.Release(ctx, in.ReservationID)
	if err != nil {
		return ReservationResult{}, err
	}
	out = reservationResult(r)
	out.Message = fmt.Sprintf("Reservation %s was cancelled and %d units of %s returned to available stock.",
		r.ReservationID, r.Quantity, r.ProductID)
	return out, nil
}

func (s *Service) ExtendReservation(ctx context.Context, in ReservationInput) (out ReservationResult, err error) {
	defer s.observe(ExtendReservation.Name, time.Now(), &err)

	r, err := s.reservations.Extend(ctx, in.ReservationID)
	if err != nil {
		return ReservationResult{}, err
	}
	out = reservationResult(r)
	out.Message = fmt.Sprintf("Reservation %s now expires at %s.", r.ReservationID, out.ExpiresAt)
	return out, nil
}
