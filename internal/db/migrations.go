package db

import (
	"gorm.io/gorm"
)

// Models lists every table in dependency order.
func Models() []interface{} {
	return []interface{}{
		&Product{},
		&Customer{},
		&Reservation{},
		&Order{},
		&OrderItem{},
		&Refund{},
		&RefundItem{},
		&StockMovement{},
	}
}

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// The sweeper only ever scans active reservations by expiry.
		`CREATE INDEX IF NOT EXISTS idx_reservations_active_expiry ON reservations (expires_at) WHERE status = 'active'`,

		`CREATE INDEX IF NOT EXISTS idx_inventory_active_category ON inventory (category) WHERE active`,

		`CREATE INDEX IF NOT EXISTS idx_stock_movements_product_seq ON stock_movements (product_id, seq)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
