package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/db/dbtest"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/metrics"
)

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func setupStore(t *testing.T, opts ...Option) *Store {
	database := dbtest.OpenWithCustomers(t)
	opts = append([]Option{WithBackOff(noWait)}, opts...)
	return NewStore(database, zap.NewNop(), opts...)
}

func addProduct(t *testing.T, s *Store, id string, stock, threshold int) {
	_, err := s.AddProduct(context.Background(), NewProduct{
		ProductID:         id,
		Name:              "Product " + id,
		Price:             decimal.RequireFromString("10.00"),
		Category:          "Test",
		InitialStock:      stock,
		LowStockThreshold: threshold,
	})
	require.NoError(t, err)
}

func assertLedgerMatches(t *testing.T, s *Store, productID string) {
	t.Helper()
	_, err := s.Ledger().Verify(context.Background(), productID)
	assert.NoError(t, err)
}

func TestAddProductRecordsInitialStock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	addProduct(t, s, "PROD001", 25, 5)

	a, err := s.GetAvailable(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 25, a.Stock)
	assert.Equal(t, 0, a.Reserved)
	assert.Equal(t, 25, a.Available)

	movements, err := s.Ledger().Movements(ctx, "PROD001")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, db.MovementRestock, movements[0].MovementType)
	assert.Equal(t, 25, movements[0].QuantityChange)
	assertLedgerMatches(t, s, "PROD001")

	_, err = s.AddProduct(ctx, NewProduct{ProductID: "PROD001", Name: "dup", InitialStock: 1})
	assert.ErrorIs(t, err, apperr.ErrProductExists)

	_, err = s.AddProduct(ctx, NewProduct{ProductID: "PROD009", Name: "bad", Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestApplyMovementEnforcesInvariant(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	addProduct(t, s, "PROD001", 5, 1)

	_, err := s.ApplyMovement(ctx, "PROD001", Change{Reserved: 3, Type: db.MovementReservation, ReferenceID: "RES-A"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		change  Change
		wantErr error
	}{
		{"reserve more than available", Change{Reserved: 3, Type: db.MovementReservation}, apperr.ErrInsufficientStock},
		{"damage below reserved", Change{Stock: -3, Type: db.MovementDamage}, apperr.ErrInsufficientStock},
		{"adjust below zero", Change{Stock: -6, Type: db.MovementAdjustment}, apperr.ErrInsufficientStock},
		{"release more than reserved", Change{Reserved: -4, Type: db.MovementRelease}, apperr.ErrInsufficientStock},
		{"restock with reserved delta", Change{Stock: 1, Reserved: 1, Type: db.MovementRestock}, apperr.ErrInvalidArgument},
		{"unknown type", Change{Stock: 1, Type: "gift"}, apperr.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.ApplyMovement(ctx, "PROD001", tc.change)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	a, err := s.GetAvailable(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 5, a.Stock)
	assert.Equal(t, 3, a.Reserved)

	movements, err := s.Ledger().Movements(ctx, "PROD001")
	require.NoError(t, err)
	assert.Len(t, movements, 2)
	assertLedgerMatches(t, s, "PROD001")
}

func TestInsufficientStockCarriesDetails(t *testing.T) {
	s := setupStore(t)
	addProduct(t, s, "PROD003", 3, 10)

	_, err := s.ApplyMovement(context.Background(), "PROD003", Change{Reserved: 5, Type: db.MovementReservation})
	var insufficient *apperr.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 5, insufficient.Requested)
	assert.Equal(t, 3, insufficient.Available)
}

func TestUnknownProductLeavesNoMovement(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.ApplyMovement(ctx, "PROD999", Change{Stock: 1, Type: db.MovementRestock})
	assert.ErrorIs(t, err, apperr.ErrUnknownProduct)

	var count int64
	require.NoError(t, s.DB().Model(&db.StockMovement{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	addProduct(t, s, "PROD001", 10, 1)
	addProduct(t, s, "PROD002", 10, 1)

	boom := errors.New("boom")
	err := s.Update(ctx, []string{"PROD002", "PROD001"}, func(tx *Tx) error {
		if _, err := tx.ApplyMovement("PROD001", Change{Stock: -2, Type: db.MovementSale}); err != nil {
			return err
		}
		if _, err := tx.ApplyMovement("PROD002", Change{Stock: -2, Type: db.MovementSale}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	for _, id := range []string{"PROD001", "PROD002"} {
		a, err := s.GetAvailable(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, a.Stock)
		assertLedgerMatches(t, s, id)
	}
}

func TestUpdateRequiresLockedProduct(t *testing.T) {
	s := setupStore(t)
	addProduct(t, s, "PROD001", 10, 1)
	addProduct(t, s, "PROD002", 10, 1)

	err := s.Update(context.Background(), []string{"PROD001"}, func(tx *Tx) error {
		_, err := tx.ApplyMovement("PROD002", Change{Stock: 1, Type: db.MovementRestock})
		return err
	})
	assert.ErrorContains(t, err, "not locked")
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	addProduct(t, s, "PROD001", 7, 1)

	const callers = 20
	var succeeded, insufficient int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, apperr.ErrInsufficientStock):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), succeeded)
	assert.Equal(t, int32(callers-7), insufficient)

	a, err := s.GetAvailable(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 7, a.Reserved)
	assert.Equal(t, 0, a.Available)
	assertLedgerMatches(t, s, "PROD001")
}

func TestContentionIsRetried(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := setupStore(t, WithMaxAttempts(3), WithMetrics(metrics.New(reg)))
	ctx := context.Background()
	addProduct(t, s, "PROD001", 10, 1)

	calls := 0
	err := s.Update(ctx, []string{"PROD001"}, func(tx *Tx) error {
		calls++
		if _, err := tx.ApplyMovement("PROD001", Change{Stock: 1, Type: db.MovementRestock}); err != nil {
			return err
		}
		if calls == 1 {
			return apperr.Contention("PROD001", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// The first attempt was rolled back: only one restock landed.
	a, err := s.GetAvailable(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 11, a.Stock)
	assertLedgerMatches(t, s, "PROD001")
}

func TestContentionBudgetExhausted(t *testing.T) {
	s := setupStore(t, WithMaxAttempts(3))
	addProduct(t, s, "PROD001", 10, 1)

	calls := 0
	err := s.Update(context.Background(), []string{"PROD001"}, func(tx *Tx) error {
		calls++
		return apperr.Contention("PROD001", nil)
	})
	assert.ErrorIs(t, err, apperr.ErrContention)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 3, calls)
}

func TestLockWaitIsBounded(t *testing.T) {
	s := setupStore(t, WithLockWait(20*time.Millisecond), WithMaxAttempts(2))
	ctx := context.Background()
	addProduct(t, s, "PROD001", 10, 1)

	// Hold the product lock without a transaction so the waiter is not
	// queued behind the single test connection.
	unlock, err := s.locks.LockAll(ctx, []string{"PROD001"}, time.Second)
	require.NoError(t, err)

	_, err = s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
	assert.ErrorIs(t, err, apperr.ErrContention)
	unlock()

	a, err := s.GetAvailable(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Reserved)

	_, err = s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
	assert.NoError(t, err)
}

func TestCancelledContextLeavesNoState(t *testing.T) {
	s := setupStore(t)
	addProduct(t, s, "PROD001", 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
	assert.ErrorIs(t, err, context.Canceled)

	a, err := s.GetAvailable(context.Background(), "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Reserved)
	assertLedgerMatches(t, s, "PROD001")
}

func TestLowStockEventOnThresholdCrossing(t *testing.T) {
	rec := &events.Recorder{}
	dispatcher := events.NewDispatcher(rec, zap.NewNop())
	s := setupStore(t, WithDispatcher(dispatcher))
	ctx := context.Background()
	addProduct(t, s, "PROD001", 12, 10)

	_, err := s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
	require.NoError(t, err)
	dispatcher.Wait()
	assert.False(t, rec.Has(events.EventTypeLowStock))

	_, err = s.ApplyMovement(ctx, "PROD001", Change{Reserved: 1, Type: db.MovementReservation})
	require.NoError(t, err)
	dispatcher.Wait()
	assert.True(t, rec.Has(events.EventTypeLowStock))

	low, err := s.IsLowStock(ctx, "PROD001")
	require.NoError(t, err)
	assert.True(t, low)
}

func TestSeedSearchAndLowStock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	added, err := s.Seed(ctx, db.SampleProducts())
	require.NoError(t, err)
	assert.Equal(t, len(db.SampleProducts()), added)

	again, err := s.Seed(ctx, db.SampleProducts())
	require.NoError(t, err)
	assert.Zero(t, again)

	byName, err := s.Search(ctx, Query{Name: "macbook"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "PROD001", byName[0].ProductID)

	for _, term := range []string{"%", "_", "pro_un", `\`} {
		none, err := s.Search(ctx, Query{Name: term})
		require.NoError(t, err)
		assert.Empty(t, none, "term %q", term)
	}
	_, err = s.AddProduct(ctx, NewProduct{ProductID: "PROD900", Name: "100% Wool_Blend Scarf", Price: decimal.NewFromInt(25), InitialStock: 5})
	require.NoError(t, err)
	literal, err := s.Search(ctx, Query{Name: "0% wool_b"})
	require.NoError(t, err)
	require.Len(t, literal, 1)
	assert.Equal(t, "PROD900", literal[0].ProductID)

	electronics, err := s.Search(ctx, Query{Category: "electronics"})
	require.NoError(t, err)
	assert.Len(t, electronics, 5)

	inStock, err := s.Search(ctx, Query{Category: "Electronics", InStockOnly: true})
	require.NoError(t, err)
	assert.Len(t, inStock, 4)

	low, err := s.LowStock(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(low))
	for _, p := range low {
		ids = append(ids, p.ProductID)
	}
	assert.Equal(t, []string{"PROD005", "PROD003", "PROD302", "PROD103"}, ids)

	require.NoError(t, s.SetActive(ctx, "PROD005", false))
	low, err = s.LowStock(ctx)
	require.NoError(t, err)
	assert.Len(t, low, 3)

	reports, err := s.Ledger().VerifyAll(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, len(db.SampleProducts())+1)
}
