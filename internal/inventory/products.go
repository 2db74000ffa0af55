package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
)

// Availability is the sellable view of one product.
type Availability struct {
	ProductID         string
	Name              string
	Stock             int
	Reserved          int
	Available         int
	LowStockThreshold int
	Active            bool
}

func (a Availability) InStock() bool { return a.Available > 0 }

func (a Availability) LowStock() bool { return a.Available <= a.LowStockThreshold }

func availabilityOf(p *db.Product) Availability {
	return Availability{
		ProductID:         p.ProductID,
		Name:              p.Name,
		Stock:             p.StockQuantity,
		Reserved:          p.ReservedQuantity,
		Available:         p.Available(),
		LowStockThreshold: p.LowStockThreshold,
		Active:            p.Active,
	}
}

// GetProduct retrieves a product by id
func (s *Store) GetProduct(ctx context.Context, productID string) (*db.Product, error) {
	var p db.Product
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.ErrUnknownProduct, productID)
		}
		s.log.Error("Failed to get product", zap.String("product_id", productID), zap.Error(err))
		return nil, err
	}
	return &p, nil
}

// GetAvailable reports stock, reserved and available as of the last committed movement.
func (s *Store) GetAvailable(ctx context.Context, productID string) (Availability, error) {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return Availability{}, err
	}
	return availabilityOf(p), nil
}

// IsLowStock is true when available <= low_stock_threshold.
func (s *Store) IsLowStock(ctx context.Context, productID string) (bool, error) {
	a, err := s.GetAvailable(ctx, productID)
	if err != nil {
		return false, err
	}
	return a.LowStock(), nil
}

// LowStock lists active products at or below their threshold, scarcest first.
func (s *Store) LowStock(ctx context.Context) ([]*db.Product, error) {
	var products []*db.Product
	err := s.db.WithContext(ctx).
		Where("active = ? AND stock_quantity - reserved_quantity <= low_stock_threshold", true).
		Order("stock_quantity - reserved_quantity ASC").
		Order("product_id").
		Find(&products).Error
	if err != nil {
		s.log.Error("Failed to list low stock products", zap.Error(err))
		return nil, err
	}
	return products, nil
}

// Query filters Search. Empty fields match everything.
type Query struct {
	Name            string
	Category        string
	InStockOnly     bool
	IncludeInactive bool
	Limit           int
}

// likeEscaper makes % and _ in a search term match themselves.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search matches name by case-insensitive substring and category by
// case-insensitive equality.
func (s *Store) Search(ctx context.Context, q Query) ([]*db.Product, error) {
	query := s.db.WithContext(ctx).Model(&db.Product{})

	if term := strings.TrimSpace(q.Name); term != "" {
		query = query.Where(`LOWER(name) LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(strings.ToLower(term))+"%")
	}
	if category := strings.TrimSpace(q.Category); category != "" {
		query = query.Where("LOWER(category) = ?", strings.ToLower(category))
	}
	if q.InStockOnly {
		query = query.Where("stock_quantity - reserved_quantity > 0")
	}
	if !q.IncludeInactive {
		query = query.Where("active = ?", true)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var products []*db.Product
	if err := query.Order("product_id").Find(&products).Error; err != nil {
		s.log.Error("Failed to search products", zap.Error(err))
		return nil, err
	}
	return products, nil
}

// NewProduct describes a product to add. InitialStock enters through a
// restock movement so the ledger explains it.
type NewProduct struct {
	ProductID         string
	Name              string
	Description       string
	Price             decimal.Decimal
	Category          string
	InitialStock      int
	LowStockThreshold int
}

func (n NewProduct) validate() error {
	switch {
	case strings.TrimSpace(n.ProductID) == "":
		return apperr.Invalid("product id is required")
	case strings.TrimSpace(n.Name) == "":
		return apperr.Invalid("product name is required")
	case n.Price.IsNegative():
		return apperr.Invalid("price must not be negative, got %s", n.Price)
	case n.InitialStock < 0:
		return apperr.Invalid("initial stock must not be negative, got %d", n.InitialStock)
	case n.LowStockThreshold < 0:
		return apperr.Invalid("low stock threshold must not be negative, got %d", n.LowStockThreshold)
	}
	return nil
}

// AddProduct creates a product. It fails with ErrProductExists when the id is taken.
func (s *Store) AddProduct(ctx context.Context, n NewProduct) (*db.Product, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	var created *db.Product
	err := s.Update(ctx, []string{n.ProductID}, func(tx *Tx) error {
		if _, err := tx.Product(n.ProductID); err == nil {
			return fmt.Errorf("%w: %s", apperr.ErrProductExists, n.ProductID)
		}
		now := tx.Now()
		p := &db.Product{
			ProductID:         n.ProductID,
			Name:              n.Name,
			Description:       n.Description,
			Price:             n.Price.Round(2),
			Category:          n.Category,
			LowStockThreshold: n.LowStockThreshold,
			Active:            true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.DB().Create(p).Error; err != nil {
			return fmt.Errorf("create product %s: %w", n.ProductID, err)
		}
		tx.products[p.ProductID] = p

		if n.InitialStock > 0 {
			if _, err := tx.ApplyMovement(p.ProductID, Change{
				Stock:  n.InitialStock,
				Type:   db.MovementRestock,
				Reason: "initial stock",
			}); err != nil {
				return err
			}
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Product added",
		zap.String("product_id", created.ProductID),
		zap.String("name", created.Name),
		zap.Int("initial_stock", n.InitialStock))
	return created, nil
}

// SetActive toggles whether a product is offered. Stock is untouched.
func (s *Store) SetActive(ctx context.Context, productID string, active bool) error {
	return s.Update(ctx, []string{productID}, func(tx *Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		if p.Active == active {
			return nil
		}
		if err := tx.DB().Model(&db.Product{}).
			Where("product_id = ?", productID).
			Updates(map[string]interface{}{"active": active, "updated_at": tx.Now()}).Error; err != nil {
			return fmt.Errorf("set active on %s: %w", productID, err)
		}
		p.Active = active
		return nil
	})
}

// Seed adds the sample catalogue, skipping products that already exist.
func (s *Store) Seed(ctx context.Context, products []db.SampleProduct) (int, error) {
	added := 0
	for _, sp := range products {
		_, err := s.AddProduct(ctx, NewProduct{
			ProductID:         sp.ProductID,
			Name:              sp.Name,
			Description:       sp.Description,
			Price:             sp.Price,
			Category:          sp.Category,
			InitialStock:      sp.InitialStock,
			LowStockThreshold: sp.LowStockThreshold,
		})
		if errors.Is(err, apperr.ErrProductExists) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", sp.ProductID, err)
		}
		added++
	}
	return added, nil
}
