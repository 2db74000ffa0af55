package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore/stockcore/internal/apperr"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/inventory"
)

type ProductInput struct {
	ProductID string `json:"product_id" jsonschema:"product identifier, e.g. PROD001"`
}

// ProductResult describes one product and its stock levels.
type ProductResult struct {
	ProductID         string `json:"product_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Category          string `json:"category"`
	Price             string `json:"price" jsonschema:"decimal price"`
	StockQuantity     int    `json:"stock_quantity"`
	ReservedQuantity  int    `json:"reserved_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	InStock           bool   `json:"in_stock"`
	LowStock          bool   `json:"low_stock"`
	Active            bool   `json:"active"`
	Message           string `json:"message"`
}

func productResult(p *db.Product) ProductResult {
	return ProductResult{
		ProductID:         p.ProductID,
		Name:              p.Name,
		Description:       p.Description,
		Category:          p.Category,
		Price:             p.Price.StringFixed(2),
		StockQuantity:     p.StockQuantity,
		ReservedQuantity:  p.ReservedQuantity,
		AvailableQuantity: p.Available(),
		LowStockThreshold: p.LowStockThreshold,
		InStock:           p.Available() > 0,
		LowStock:          p.Available() <= p.LowStockThreshold,
		Active:            p.Active,
	}
}

// freshProduct expires the product's due reservations before reading it, so
// lapsed holds never hide stock.
func (s *Service) freshProduct(ctx context.Context, productID string) (*db.Product, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, apperr.Invalid("product id is required")
	}
	if _, err := s.reservations.ExpireDue(ctx, productID); err != nil {
		return nil, err
	}
	return s.store.GetProduct(ctx, productID)
}

func (s *Service) CheckProductAvailability(ctx context.Context, in ProductInput) (out ProductResult, err error) {
	defer s.observe(CheckProductAvailability.Name, time.Now(), &err)

	p, err := s.freshProduct(ctx, in.ProductID)
	if err != nil {
		return ProductResult{}, err
	}
	out = productResult(p)
	out.Description = ""

	switch {
	case !p.Active:
		out.Message = fmt.Sprintf("%s (%s) is no longer offered.", p.Name, p.ProductID)
	case !out.InStock:
		out.Message = fmt.Sprintf("%s (%s) is out of stock.", p.Name, p.ProductID)
	case out.LowStock:
		out.Message = fmt.Sprintf("%s (%s) is in stock, but only %d units remain.", p.Name, p.ProductID, out.AvailableQuantity)
	default:
		out.Message = fmt.Sprintf("%s (%s) is in stock: %d available, %d reserved, %d total at $%s.",
			p.Name, p.ProductID, out.AvailableQuantity, out.ReservedQuantity, out.StockQuantity, out.Price)
	}
	return out, nil
}

func (s *Service) GetProductDetails(ctx context.Context, in ProductInput) (out ProductResult, err error) {
	defer s.observe(GetProductDetails.Name, time.Now(), &err)

	p, err := s.freshProduct(ctx, in.ProductID)
	if err != nil {
		return ProductResult{}, err
	}
	out = productResult(p)
	out.Message = fmt.Sprintf("%s (%s), %s, $%s. %d available of %d in stock.",
		p.Name, p.ProductID, p.Category, out.Price, out.AvailableQuantity, out.StockQuantity)
	if out.InStock && out.LowStock {
		out.Message += fmt.Sprintf(" Low stock: only %d units left.", out.AvailableQuantity)
	}
	return out, nil
}

type SearchByNameInput struct {
	SearchTerm  string `json:"search_term" jsonschema:"name or keyword to search for"`
	InStockOnly bool   `json:"in_stock_only,omitempty" jsonschema:"only return products with available stock"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of products to return"`
}

type SearchByCategoryInput struct {
	Category    string `json:"category" jsonschema:"category name, e.g. Electronics"`
	InStockOnly bool   `json:"in_stock_only,omitempty" jsonschema:"only return products with available stock"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of products to return"`
}

type ProductSummary struct {
	ProductID         string `json:"product_id"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	Price             string `json:"price"`
	AvailableQuantity int    `json:"available_quantity"`
	InStock           bool   `json:"in_stock"`
}

type ProductList struct {
	Products []ProductSummary `json:"products"`
	Count    int              `json:"count"`
	Message  string           `json:"message"`
}

func (s *Service) SearchProductsByName(ctx context.Context, in SearchByNameInput) (out ProductList, err error) {
	defer s.observe(SearchProductsByName.Name, time.Now(), &err)

	if strings.TrimSpace(in.SearchTerm) == "" {
		return ProductList{}, apperr.Invalid("search term is required")
	}
	products, err := s.search(ctx, inventory.Query{Name: in.SearchTerm, InStockOnly: in.InStockOnly, Limit: in.Limit})
	if err != nil {
		return ProductList{}, err
	}
	out = productList(products)
	if out.Count == 0 {
		out.Message = fmt.Sprintf("No products found matching %q.", in.SearchTerm)
	} else {
		out.Message = fmt.Sprintf("Found %d product(s) matching %q.", out.Count, in.SearchTerm)
	}
	return out, nil
}

func (s *Service) SearchProductsByCategory(ctx context.Context, in SearchByCategoryInput) (out ProductList, err error) {
	defer s.observe(SearchProductsByCategory.Name, time.Now(), &err)

	if strings.TrimSpace(in.Category) == "" {
		return ProductList{}, apperr.Invalid("category is required")
	}
	products, err := s.search(ctx, inventory.Query{Category: in.Category, InStockOnly: in.InStockOnly, Limit: in.Limit})
	if err != nil {
		return ProductList{}, err
	}
	out = productList(products)
	if out.Count == 0 {
		out.Message = fmt.Sprintf("No products found in category %q.", in.Category)
	} else {
		out.Message = fmt.Sprintf("%d product(s) in category %q.", out.Count, in.Category)
	}
	return out, nil
}

// search expires due reservations of every matching product that holds any,
// in stock or not, and then runs q.
func (s *Service) search(ctx context.Context, q inventory.Query) ([]*db.Product, error) {
	broad := q
	broad.InStockOnly = false
	broad.Limit = 0
	candidates, err := s.store.Search(ctx, broad)
	if err != nil {
		return nil, err
	}
	for _, p := range candidates {
		if p.ReservedQuantity == 0 {
			continue
		}
		if _, err := s.reservations.ExpireDue(ctx, p.ProductID); err != nil {
			return nil, err
		}
	}
	return s.store.Search(ctx, q)
}

func productList(products []*db.Product) ProductList {
	out := ProductList{Products: make([]ProductSummary, 0, len(products))}
	for _, p := range products {
		out.Products = append(out.Products, ProductSummary{
			ProductID:         p.ProductID,
			Name:              p.Name,
			Category:          p.Category,
			Price:             p.Price.StringFixed(2),
			AvailableQuantity: p.Available(),
			InStock:           p.Available() > 0,
		})
	}
	out.Count = len(out.Products)
	return out
}

type LowStockInput struct{}

type LowStockItem struct {
	ProductID         string `json:"product_id"`
	Name              string `json:"name"`
	AvailableQuantity int    `json:"available_quantity"`
	Threshold         int    `json:"threshold"`
}

type LowStockResult struct {
	Products []LowStockItem `json:"products"`
	Count    int            `json:"count"`
	Message  string         `json:"message"`
}

func (s *Service) GetLowStockAlerts(ctx context.Context, _ LowStockInput) (out LowStockResult, err error) {
	defer s.observe(GetLowStockAlerts.Name, time.Now(), &err)

	if _, err := s.reservations.SweepExpired(ctx, s.store.Now()); err != nil {
		return LowStockResult{}, err
	}
	products, err := s.store.LowStock(ctx)
	if err != nil {
		return LowStockResult{}, err
	}

	out.Products = make([]LowStockItem, 0, len(products))
	for _, p := range products {
		out.Products = append(out.Products, LowStockItem{
			ProductID:         p.ProductID,
			Name:              p.Name,
			AvailableQuantity: p.Available(),
			Threshold:         p.LowStockThreshold,
		})
	}
	out.Count = len(out.Products)
	if out.Count == 0 {
		out.Message = "All products are adequately stocked."
	} else {
		out.Message = fmt.Sprintf("%d product(s) need restocking.", out.Count)
	}
	return out, nil
}

type StockUpdateInput struct {
	ProductID      string `json:"product_id" jsonschema:"product identifier"`
	QuantityChange int    `json:"quantity_change" jsonschema:"positive to add stock, negative to remove it"`
	Reason         string `json:"reason,omitempty" jsonschema:"why the stock changes, e.g. restock or damaged goods"`
}

type StockUpdateResult struct {
	ProductID      string `json:"product_id"`
	PreviousStock  int    `json:"previous_stock"`
	NewStock       int    `json:"new_stock"`
	QuantityChange int    `json:"quantity_change"`
	MovementType   string `json:"movement_type"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
}

func (s *Service) UpdateProductStock(ctx context.Context, in StockUpdateInput) (out StockUpdateResult, err error) {
	defer s.observe(UpdateProductStock.Name, time.Now(), &err)

	if strings.TrimSpace(in.ProductID) == "" {
		return StockUpdateResult{}, apperr.Invalid("product id is required")
	}
	if in.QuantityChange == 0 {
		return StockUpdateResult{}, apperr.Invalid("quantity change must not be zero")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "manual adjustment"
	}
	movementType := MovementTypeFor(reason, in.QuantityChange)

	m, err := s.store.ApplyMovement(ctx, in.ProductID, inventory.Change{
		Stock:  in.QuantityChange,
		Type:   movementType,
		Reason: reason,
	})
	if err != nil {
		return StockUpdateResult{}, err
	}

	action := "added to"
	if in.QuantityChange < 0 {
		action = "removed from"
	}
	change := in.QuantityChange
	if change < 0 {
		change = -change
	}
	return StockUpdateResult{
		ProductID:      m.ProductID,
		PreviousStock:  m.PreviousStock,
		NewStock:       m.NewStock,
		QuantityChange: m.QuantityChange,
		MovementType:   string(m.MovementType),
		Reason:         reason,
		Message: fmt.Sprintf("%d units %s %s (%s): stock went from %d to %d.",
			change, action, m.ProductID, reason, m.PreviousStock, m.NewStock),
	}, nil
}

// MovementTypeFor picks the ledger movement type for a manual stock change
// from the words in its reason. Anything unrecognised is an adjustment.
func MovementTypeFor(reason string, change int) db.MovementType {
	r := strings.ToLower(reason)
	switch {
	case change > 0 && strings.Contains(r, "restock"):
		return db.MovementRestock
	case change > 0 && strings.Contains(r, "return"):
		return db.MovementReturn
	case change < 0 && strings.Contains(r, "damage"):
		return db.MovementDamage
	}
	return db.MovementAdjustment
}

type AddProductInput struct {
	ProductID         string  `json:"product_id" jsonschema:"unique product identifier"`
	Name              string  `json:"name" jsonschema:"product name"`
	Description       string  `json:"description,omitempty" jsonschema:"product description"`
	Price             float64 `json:"price" jsonschema:"unit price"`
	Category          string  `json:"category,omitempty" jsonschema:"product category"`
	InitialStock      int     `json:"initial_stock,omitempty" jsonschema:"starting stock quantity, 0 by default"`
	LowStockThreshold *int    `json:"low_stock_threshold,omitempty" jsonschema:"alert threshold, 10 when omitted; 0 disables the alert until stock runs out"`
}

func (s *Service) AddNewProduct(ctx context.Context, in AddProductInput) (out ProductResult, err error) {
	defer s.observe(AddNewProduct.Name, time.Now(), &err)

	threshold := DefaultLowStockThreshold
	if in.LowStockThreshold != nil {
		threshold = *in.LowStockThreshold
	}
	p, err := s.store.AddProduct(ctx, inventory.NewProduct{
		ProductID:         strings.TrimSpace(in.ProductID),
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Price:             decimal.NewFromFloat(in.Price),
		Category:          in.Category,
		InitialStock:      in.InitialStock,
		LowStockThreshold: threshold,
	})
	if err != nil {
		return ProductResult{}, err
	}
	out = productResult(p)
	out.Message = fmt.Sprintf("Added %s (%s) at $%s with %d units in stock.", p.Name, p.ProductID, out.Price, p.StockQuantity)
	return out, nil
}
