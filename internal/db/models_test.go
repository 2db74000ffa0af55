package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/db/dbtest"
)

func product(id string, now time.Time) *db.Product {
	return &db.Product{
		ProductID:         id,
		Name:              "Wool Sweater",
		Price:             decimal.RequireFromString("89.99"),
		StockQuantity:     5,
		LowStockThreshold: 2,
		Active:            true,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestParentRowsInsertCleanly(t *testing.T) {
	database := dbtest.OpenWithCustomers(t)
	now := time.Now().UTC()

	require.NoError(t, database.Create(product("PROD900", now)).Error)

	var count int64
	require.NoError(t, database.Model(&db.Customer{}).Count(&count).Error)
	assert.Equal(t, int64(len(db.SampleCustomers())), count)
}

func TestChildRowsRequireTheirParent(t *testing.T) {
	database := dbtest.OpenWithCustomers(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, database.Create(product("PROD900", now)).Error)

	reservation := func(productID, customerID string) *db.Reservation {
		return &db.Reservation{
			ReservationID: "RES-" + productID + "-" + customerID,
			ProductID:     productID,
			CustomerID:    customerID,
			Quantity:      1,
			Status:        db.ReservationActive,
			ExpiresAt:     now.Add(15 * time.Minute),
			CreatedAt:     now,
		}
	}
	movement := func(productID string) *db.StockMovement {
		return &db.StockMovement{
			ProductID:      productID,
			QuantityChange: 1,
			MovementType:   db.MovementRestock,
			PreviousStock:  5,
			NewStock:       6,
			CreatedAt:      now,
		}
	}
	order := func(orderID, customerID string) *db.Order {
		return &db.Order{
			OrderID:       orderID,
			CustomerID:    customerID,
			Total:         decimal.Zero,
			Status:        db.OrderPending,
			PaymentStatus: db.PaymentPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	t.Run("known parents", func(t *testing.T) {
		require.NoError(t, database.WithContext(ctx).Create(reservation("PROD900", "CUST001")).Error)
		require.NoError(t, database.WithContext(ctx).Create(movement("PROD900")).Error)
		require.NoError(t, database.WithContext(ctx).Create(order("ORD900", "CUST001")).Error)
	})

	tests := []struct {
		name  string
		value interface{}
	}{
		{"reservation for unknown product", reservation("PROD404", "CUST001")},
		{"reservation for unknown customer", reservation("PROD900", "CUST404")},
		{"movement for unknown product", movement("PROD404")},
		{"order for unknown customer", order("ORD901", "CUST404")},
		{"refund for unknown order", &db.Refund{
			RefundID:  "REF404",
			OrderID:   "ORD404",
			Amount:    decimal.Zero,
			Status:    db.RefundPending,
			CreatedAt: now,
			UpdatedAt: now,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := database.WithContext(ctx).Create(tt.value).Error
			require.Error(t, err)
			assert.Contains(t, err.Error(), "FOREIGN KEY constraint failed")
		})
	}
}
