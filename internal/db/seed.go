package db

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// SampleProduct is a catalogue entry used to bootstrap an empty database.
// Stock enters through a restock movement, not the product row.
type SampleProduct struct {
	ProductID         string
	Name              string
	Description       string
	Price             decimal.Decimal
	Category          string
	InitialStock      int
	LowStockThreshold int
}

func SampleProducts() []SampleProduct {
	p := func(id, name, desc, price, category string, stock, threshold int) SampleProduct {
		return SampleProduct{
			ProductID:         id,
			Name:              name,
			Description:       desc,
			Price:             decimal.RequireFromString(price),
			Category:          category,
			InitialStock:      stock,
			LowStockThreshold: threshold,
		}
	}
	return []SampleProduct{
		p("PROD001", "MacBook Pro 14-inch", "Apple M2 Pro chip, 16GB RAM, 512GB SSD.", "1999.99", "Electronics", 25, 5),
		p("PROD002", "iPhone 15 Pro", "A17 Pro chip, 256GB storage, titanium design.", "999.99", "Electronics", 50, 10),
		p("PROD003", "AirPods Pro (2nd Gen)", "Active noise cancellation, spatial audio, USB-C charging.", "249.99", "Electronics", 3, 10),
		p("PROD004", "Samsung 4K Smart TV 55-inch", "Crystal UHD display, HDR support, built-in streaming apps.", "599.99", "Electronics", 15, 5),
		p("PROD005", "Sony WH-1000XM5 Headphones", "Noise cancellation, 30-hour battery life.", "399.99", "Electronics", 0, 8),
		p("PROD101", "Classic Denim Jacket", "100% cotton denim, available in multiple sizes.", "79.99", "Clothing", 100, 20),
		p("PROD102", "Running Shoes - ProRun Elite", "Lightweight, breathable, cushioned for long runs.", "129.99", "Clothing", 45, 15),
		p("PROD103", "Wool Sweater", "Merino wool, soft and warm.", "89.99", "Clothing", 8, 10),
		p("PROD201", "Espresso Machine - BrewMaster Pro", "15-bar pressure with milk frother.", "299.99", "Home & Kitchen", 20, 5),
		p("PROD202", "Robot Vacuum Cleaner", "Smart navigation and auto-charging.", "349.99", "Home & Kitchen", 12, 5),
		p("PROD203", "Non-Stick Cookware Set", "10-piece set, dishwasher safe.", "149.99", "Home & Kitchen", 30, 10),
		p("PROD301", "Yoga Mat Premium", "6mm thick, non-slip surface.", "39.99", "Sports & Outdoors", 75, 20),
		p("PROD302", "Camping Tent 4-Person", "Waterproof, easy setup, carrying bag included.", "199.99", "Sports & Outdoors", 5, 8),
		p("PROD303", "Hiking Backpack 40L", "Durable, multiple compartments.", "89.99", "Sports & Outdoors", 18, 10),
		p("PROD401", "The Art of AI Engineering", "Guide to building AI applications.", "49.99", "Books", 40, 10),
		p("PROD402", "Python for Automation", "Automating tasks with Python.", "39.99", "Books", 60, 15),
	}
}

func SampleCustomers() []Customer {
	return []Customer{
		{CustomerID: "CUST001", Email: "john.doe@example.com", Name: "John Doe"},
		{CustomerID: "CUST002", Email: "jane.smith@example.com", Name: "Jane Smith"},
		{CustomerID: "CUST003", Email: "bob.wilson@example.com", Name: "Bob Wilson"},
	}
}

// SeedCustomers inserts the sample customers, skipping ids that already exist.
func SeedCustomers(ctx context.Context, db *DB, now time.Time) error {
	customers := SampleCustomers()
	for i := range customers {
		customers[i].CreatedAt = now.UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&customers).Error
}
