// Package apperr defines the error taxonomy shared by every stockcore component.
//
// Callers match on the sentinel values with errors.Is; the typed errors carry the
// ids and current state needed to render a message for the customer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProduct     = errors.New("unknown product")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrUnknownRefund      = errors.New("unknown refund")
	ErrUnknownCustomer    = errors.New("unknown customer")

	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrRefundNotEligible       = errors.New("refund not eligible")
	ErrRefundAlreadyProcessed  = errors.New("refund already processed")

	// ErrContention is transient: the caller may retry the whole operation.
	ErrContention = errors.New("contention")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrProductExists   = errors.New("product already exists")
	ErrProductInactive = errors.New("product inactive")
)

// NotFound wraps one of the ErrUnknown* sentinels with the missing id.
func NotFound(kind error, id string) error {
	return fmt.Errorf("%w: %s", kind, id)
}

// Invalid reports a malformed request.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Contention reports a lock or version conflict on key, usually a product id.
func Contention(key string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w on %s", ErrContention, key)
	}
	return fmt.Errorf("%w on %s: %v", ErrContention, key, cause)
}

// Retryable reports whether err is safe to retry unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrContention)
}

var domainErrors = []error{
	ErrUnknownProduct,
	ErrUnknownOrder,
	ErrUnknownReservation,
	ErrUnknownRefund,
	ErrUnknownCustomer,
	ErrInsufficientStock,
	ErrInvalidReservationState,
	ErrInvalidTransition,
	ErrRefundNotEligible,
	ErrRefundAlreadyProcessed,
	ErrInvalidArgument,
	ErrProductExists,
	ErrProductInactive,
}

// IsDomain reports whether err is a business rule rejection rather than an
// infrastructure failure. Repeating the same request gives the same answer.
func IsDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// InsufficientStockError describes a movement that would break 0 <= reserved <= stock.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// StateError reports an operation refused because of the entity's current state.
type StateError struct {
	Kind   error
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v: cannot %s %s %s in state %q", e.Kind, e.Op, e.Entity, e.ID, e.State)
}

func (e *StateError) Unwrap() error { return e.Kind }

// ReservationState builds an ErrInvalidReservationState error.
func ReservationState(id, state, op string) error {
	return &StateError{Kind: ErrInvalidReservationState, Entity: "reservation", ID: id, State: state, Op: op}
}

// Transition builds an ErrInvalidTransition error for an order.
func Transition(orderID, from, to string) error {
	return &StateError{Kind: ErrInvalidTransition, Entity: "order", ID: orderID, State: from, Op: "move to " + to + ":"}
}
