package db

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrImmutableMovement is returned by the StockMovement hooks on update or delete.
var ErrImmutableMovement = errors.New("stock movements are append-only")

type MovementType string

const (
	MovementSale        MovementType = "sale"
	MovementReturn      MovementType = "return"
	MovementRestock     MovementType = "restock"
	MovementAdjustment  MovementType = "adjustment"
	MovementDamage      MovementType = "damage"
	MovementReservation MovementType = "reservation"
	MovementRelease     MovementType = "release"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementSale, MovementReturn, MovementRestock, MovementAdjustment,
		MovementDamage, MovementReservation, MovementRelease:
		return true
	}
	return false
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentPaid          PaymentStatus = "paid"
	PaymentFailed        PaymentStatus = "failed"
	PaymentRefunded      PaymentStatus = "refunded"
	PaymentPartialRefund PaymentStatus = "partial_refund"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundApproved   RefundStatus = "approved"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundRejected   RefundStatus = "rejected"
)

// Product is the materialized stock state of one sellable item. Only the
// inventory store writes stock_quantity, reserved_quantity and version.
type Product struct {
	ProductID         string          `gorm:"primaryKey;type:varchar(50)" json:"product_id"`
	Name              string          `gorm:"type:varchar(255);not null;index:idx_inventory_name" json:"name"`
	Description       string          `gorm:"type:text" json:"description,omitempty"`
	Price             decimal.Decimal `gorm:"type:numeric(12,2);not null;check:chk_inventory_price,price >= 0" json:"price"`
	Category          string          `gorm:"type:varchar(100);index:idx_inventory_category" json:"category,omitempty"`
	StockQuantity     int             `gorm:"not null;check:chk_inventory_stock,stock_quantity >= 0" json:"stock_quantity"`
	ReservedQuantity  int             `gorm:"not null;check:chk_inventory_reserved,reserved_quantity >= 0 AND reserved_quantity <= stock_quantity" json:"reserved_quantity"`
	LowStockThreshold int             `gorm:"not null" json:"low_stock_threshold"`
	Active            bool            `gorm:"not null;index:idx_inventory_active" json:"active"`
	Version           int64           `gorm:"not null" json:"version"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`

	// Child rows hold the foreign keys; these fields only declare them.
	Reservations []Reservation   `gorm:"foreignKey:ProductID" json:"-"`
	OrderItems   []OrderItem     `gorm:"foreignKey:ProductID" json:"-"`
	RefundItems  []RefundItem    `gorm:"foreignKey:ProductID" json:"-"`
	Movements    []StockMovement `gorm:"foreignKey:ProductID" json:"-"`
}

func (Product) TableName() string {
	return "inventory"
}

// Available is stock that is neither sold nor held by an active reservation.
func (p *Product) Available() int {
	return p.StockQuantity - p.ReservedQuantity
}

// Customer is referenced by reservations and orders.
type Customer struct {
	CustomerID string    `gorm:"primaryKey;type:varchar(50)" json:"customer_id"`
	Email      string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_customers_email" json:"email"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	Phone      string    `gorm:"type:varchar(50)" json:"phone,omitempty"`
	Address    string    `gorm:"type:text" json:"address,omitempty"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`

	Reservations []Reservation `gorm:"foreignKey:CustomerID" json:"-"`
	Orders       []Order       `gorm:"foreignKey:CustomerID" json:"-"`
}

func (Customer) TableName() string {
	return "customers"
}

// Reservation holds stock for a customer until it is committed, released or expires.
type Reservation struct {
	ReservationID string            `gorm:"primaryKey;type:varchar(64)" json:"reservation_id"`
	ProductID     string            `gorm:"type:varchar(50);not null;index:idx_reservations_product" json:"product_id"`
	CustomerID    string            `gorm:"type:varchar(50);not null;index:idx_reservations_customer" json:"customer_id"`
	Quantity      int               `gorm:"not null;check:chk_reservations_quantity,quantity > 0" json:"quantity"`
	Status        ReservationStatus `gorm:"type:varchar(20);not null;check:chk_reservations_status,status IN ('active','completed','released','expired')" json:"status"`
	OrderID       *string           `gorm:"type:varchar(64);index:idx_reservations_order" json:"order_id,omitempty"`
	ExpiresAt     time.Time         `gorm:"not null" json:"expires_at"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}

func (Reservation) TableName() string {
	return "reservations"
}

// Order is created from committed reservations.
type Order struct {
	OrderID          string          `gorm:"primaryKey;type:varchar(64)" json:"order_id"`
	CustomerID       string          `gorm:"type:varchar(50);not null;index:idx_orders_customer" json:"customer_id"`
	Items            []OrderItem     `gorm:"foreignKey:OrderID;references:OrderID" json:"items"`
	Total            decimal.Decimal `gorm:"type:numeric(12,2);not null;check:chk_orders_total,total >= 0" json:"total"`
	Status           OrderStatus     `gorm:"type:varchar(20);not null;index:idx_orders_status;check:chk_orders_status,status IN ('pending','processing','shipped','delivered','cancelled','refunded')" json:"status"`
	PaymentStatus    PaymentStatus   `gorm:"type:varchar(20);not null;check:chk_orders_payment_status,payment_status IN ('pending','paid','failed','refunded','partial_refund')" json:"payment_status"`
	TrackingNumber   string          `gorm:"type:varchar(100)" json:"tracking_number,omitempty"`
	ExpectedDelivery *time.Time      `json:"expected_delivery,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`

	Refunds []Refund `gorm:"foreignKey:OrderID" json:"-"`
}

func (Order) TableName() string {
	return "orders"
}

type OrderItem struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	OrderID          string          `gorm:"type:varchar(64);not null;index:idx_order_items_order" json:"order_id"`
	ProductID        string          `gorm:"type:varchar(50);not null;index:idx_order_items_product" json:"product_id"`
	ReservationID    string          `gorm:"type:varchar(64);not null" json:"reservation_id"`
	Quantity         int             `gorm:"not null;check:chk_order_items_quantity,quantity > 0" json:"quantity"`
	UnitPrice        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	RefundedQuantity int             `gorm:"not null;check:chk_order_items_refunded,refunded_quantity >= 0 AND refunded_quantity <= quantity" json:"refunded_quantity"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// LineTotal is unit price times quantity.
func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Refund struct {
	RefundID    string          `gorm:"primaryKey;type:varchar(64)" json:"refund_id"`
	OrderID     string          `gorm:"type:varchar(64);not null;index:idx_refunds_order" json:"order_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null;check:chk_refunds_amount,amount >= 0" json:"amount"`
	Status      RefundStatus    `gorm:"type:varchar(20);not null;check:chk_refunds_status,status IN ('pending','approved','processing','completed','rejected')" json:"status"`
	Reason      string          `gorm:"type:text" json:"reason"`
	Items       []RefundItem    `gorm:"foreignKey:RefundID;references:RefundID" json:"items"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (Refund) TableName() string {
	return "refunds"
}

type RefundItem struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	RefundID    string   `gorm:"type:varchar(64);not null;index:idx_refund_items_refund" json:"refund_id"`
	OrderItemID uint     `gorm:"not null" json:"order_item_id"`
	ProductID   string   `gorm:"type:varchar(50);not null" json:"product_id"`
	Quantity    int      `gorm:"not null;check:chk_refund_items_quantity,quantity > 0" json:"quantity"`
}

func (RefundItem) TableName() string {
	return "refund_items"
}

// StockMovement is one immutable ledger entry. Seq is assigned by the database
// and orders the movements of every product.
type StockMovement struct {
	Seq              int64        `gorm:"primaryKey;autoIncrement" json:"seq"`
	ProductID        string       `gorm:"type:varchar(50);not null;index:idx_stock_movements_product" json:"product_id"`
	QuantityChange   int          `gorm:"not null" json:"quantity_change"`
	ReservedChange   int          `gorm:"not null" json:"reserved_change"`
	MovementType     MovementType `gorm:"type:varchar(20);not null;check:chk_stock_movements_type,movement_type IN ('sale','return','restock','adjustment','damage','reservation','release')" json:"movement_type"`
	PreviousStock    int          `gorm:"not null" json:"previous_stock"`
	NewStock         int          `gorm:"not null" json:"new_stock"`
	PreviousReserved int          `gorm:"not null" json:"previous_reserved"`
	NewReserved      int          `gorm:"not null" json:"new_reserved"`
	ReferenceID      string       `gorm:"type:varchar(64);index:idx_stock_movements_reference" json:"reference_id,omitempty"`
	Reason           string       `gorm:"type:varchar(255)" json:"reason,omitempty"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
}

func (StockMovement) TableName() string {
	return "stock_movements"
}

// BeforeUpdate refuses every update of a ledger entry.
func (m *StockMovement) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableMovement
}

// BeforeDelete refuses every delete of a ledger entry.
func (m *StockMovement) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutableMovement
}
