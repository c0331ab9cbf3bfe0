package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ShippingInfo struct {
	Name    string `json:"shipping_name"`
	Address string `json:"shipping_address"`
	City    string `json:"shipping_city"`
	State   string `json:"shipping_state,omitempty"`
	Zipcode string `json:"shipping_zipcode"`
	Country string `json:"shipping_country"`
	Phone   string `json:"shipping_phone"`
}

// Order: field finansial tidak berubah setelah dibuat; yang berubah hanya
// Status, PaymentStatus, TransactionID, PaidAt (lihat order.go).
type Order struct {
	ID            string        `json:"id"`
	OrderNumber   string        `json:"order_number"`
	UserID        string        `json:"user_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	TotalPrice   decimal.Decimal `json:"total_price"`

	ShippingInfo

	PaymentMethod string     `json:"payment_method"`
	Notes         string     `json:"notes,omitempty"`
	TransactionID *string    `json:"transaction_id"`
	PaidAt        *time.Time `json:"paid_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// GatewayOrderID is the provider's reference for the latest payment
	// attempt. Callbacks are only applied when they carry it.
	GatewayOrderID string `json:"-"`

	Items []Item `json:"items,omitempty"`
}

type Item struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	ProductSKU  string          `json:"product_sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Payment is one row of the append-only payment audit trail.
type Payment struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	Method        string        `json:"payment_method"`
	Status        PaymentStatus `json:"payment_status"`
	TransactionID string        `json:"transaction_id"`
	CreatedAt     time.Time     `json:"created_at"`
}

const DefaultPaymentMethod = "cod"
