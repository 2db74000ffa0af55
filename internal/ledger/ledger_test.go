package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/db/dbtest"
)

func setupLedger(t *testing.T) (*db.DB, *Ledger) {
	database := dbtest.Open(t)
	now := time.Now().UTC()
	require.NoError(t, database.Create(&db.Product{
		ProductID: "PROD001",
		Name:      "MacBook Pro 14-inch",
		Price:     decimal.RequireFromString("1999.99"),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
	return database, New(database, zap.NewNop())
}

// apply appends a movement continuing the current row and updates the row.
func apply(t *testing.T, database *db.DB, typ db.MovementType, dStock, dReserved int, ref string) {
	err := database.Transaction(func(tx *gorm.DB) error {
		var p db.Product
		if err := tx.Where("product_id = ?", "PROD001").First(&p).Error; err != nil {
			return err
		}
		m := &db.StockMovement{
			ProductID:        p.ProductID,
			QuantityChange:   dStock,
			ReservedChange:   dReserved,
			MovementType:     typ,
			PreviousStock:    p.StockQuantity,
			NewStock:         p.StockQuantity + dStock,
			PreviousReserved: p.ReservedQuantity,
			NewReserved:      p.ReservedQuantity + dReserved,
			ReferenceID:      ref,
			CreatedAt:        time.Now().UTC(),
		}
		if err := Append(tx, m); err != nil {
			return err
		}
		return tx.Model(&db.Product{}).Where("product_id = ?", p.ProductID).Updates(map[string]interface{}{
			"stock_quantity":    m.NewStock,
			"reserved_quantity": m.NewReserved,
		}).Error
	})
	require.NoError(t, err)
}

func TestReplayMatchesProduct(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	apply(t, database, db.MovementRestock, 25, 0, "seed")
	apply(t, database, db.MovementReservation, 0, 5, "RES-1")
	apply(t, database, db.MovementSale, -5, -5, "ORD1")
	apply(t, database, db.MovementDamage, -2, 0, "")

	stock, err := l.Replay(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 18, stock)

	reserved, err := l.ReplayReserved(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 0, reserved)

	report, err := l.Verify(ctx, "PROD001")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Movements)
	assert.Equal(t, 18, report.StockQuantity)
}

func TestMovementsAreOrderedBySeq(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	apply(t, database, db.MovementRestock, 10, 0, "a")
	apply(t, database, db.MovementReservation, 0, 3, "b")
	apply(t, database, db.MovementRelease, 0, -3, "b")

	movements, err := l.Movements(ctx, "PROD001")
	require.NoError(t, err)
	require.Len(t, movements, 3)
	for i := 1; i < len(movements); i++ {
		assert.Greater(t, movements[i].Seq, movements[i-1].Seq)
	}

	byRef, err := l.ByReference(ctx, "b")
	require.NoError(t, err)
	require.Len(t, byRef, 2)
	assert.Equal(t, db.MovementReservation, byRef[0].MovementType)
	assert.Equal(t, db.MovementRelease, byRef[1].MovementType)
}

func TestMovementsAreImmutable(t *testing.T) {
	database, _ := setupLedger(t)
	apply(t, database, db.MovementRestock, 10, 0, "seed")

	err := database.Model(&db.StockMovement{}).Where("product_id = ?", "PROD001").Update("quantity_change", 99).Error
	assert.ErrorIs(t, err, db.ErrImmutableMovement)

	err = database.Where("product_id = ?", "PROD001").Delete(&db.StockMovement{}).Error
	assert.ErrorIs(t, err, db.ErrImmutableMovement)

	var count int64
	require.NoError(t, database.Model(&db.StockMovement{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestVerifyDetectsDrift(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()
	apply(t, database, db.MovementRestock, 10, 0, "seed")

	// A write that bypasses the ledger.
	require.NoError(t, database.Model(&db.Product{}).Where("product_id = ?", "PROD001").Update("stock_quantity", 12).Error)

	_, err := l.Verify(ctx, "PROD001")
	assert.ErrorIs(t, err, ErrMismatch)

	_, err = l.Verify(ctx, "PROD999")
	assert.ErrorIs(t, err, apperr.ErrUnknownProduct)
}

func TestAppendRejectsInconsistentMovements(t *testing.T) {
	database, _ := setupLedger(t)

	cases := []struct {
		name string
		m    db.StockMovement
	}{
		{"seq preset", db.StockMovement{Seq: 7, ProductID: "PROD001", MovementType: db.MovementRestock}},
		{"unknown type", db.StockMovement{ProductID: "PROD001", MovementType: "gift"}},
		{"broken stock chain", db.StockMovement{ProductID: "PROD001", MovementType: db.MovementRestock, QuantityChange: 5, NewStock: 4}},
		{"broken reserved chain", db.StockMovement{ProductID: "PROD001", MovementType: db.MovementReservation, ReservedChange: 2, NewReserved: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.m
			assert.Error(t, Append(database.DB, &m))
		})
	}
}
