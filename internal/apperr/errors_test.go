package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	stock := error(&InsufficientStockError{ProductID: "PROD001", Requested: 5, Available: 2})
	assert.ErrorIs(t, stock, ErrInsufficientStock)
	assert.Contains(t, stock.Error(), "requested=5")

	state := ReservationState("RES-1", "released", "release")
	assert.ErrorIs(t, state, ErrInvalidReservationState)
	assert.Contains(t, state.Error(), `"released"`)

	var se *StateError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", state), &se))
	assert.Equal(t, "RES-1", se.ID)

	assert.ErrorIs(t, Transition("ORD1", "delivered", "processing"), ErrInvalidTransition)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Contention("PROD001", nil)))
	assert.True(t, Retryable(fmt.Errorf("reserve: %w", Contention("PROD001", errors.New("lock timeout")))))
	assert.False(t, Retryable(NotFound(ErrUnknownProduct, "PROD999")))
	assert.False(t, Retryable(nil))
}

func TestNotFoundAndInvalid(t *testing.T) {
	err := NotFound(ErrUnknownOrder, "ORD404")
	assert.ErrorIs(t, err, ErrUnknownOrder)
	assert.Equal(t, "unknown order: ORD404", err.Error())

	assert.ErrorIs(t, Invalid("quantity must be positive, got %d", 0), ErrInvalidArgument)
}

func TestIsDomain(t *testing.T) {
	assert.True(t, IsDomain(&InsufficientStockError{ProductID: "PROD005", Requested: 1}))
	assert.True(t, IsDomain(fmt.Errorf("add: %w", ErrProductExists)))
	assert.False(t, IsDomain(Contention("PROD001", nil)))
	assert.False(t, IsDomain(errors.New("connection refused")))
}
