package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog product. Only the fields checkout needs are mapped.
type Product struct {
	ID            int64               `db:"id" json:"id"`
	SKU           string              `db:"sku" json:"sku"`
	Name          string              `db:"name" json:"name"`
	Category      string              `db:"category" json:"category"`
	Price         decimal.Decimal     `db:"price" json:"price"`
	SalePrice     decimal.NullDecimal `db:"sale_price" json:"sale_price"`
	SaleEndsAt    *time.Time          `db:"sale_ends_at" json:"sale_ends_at,omitempty"`
	IsActive      bool                `db:"is_active" json:"is_active"`
	StockQuantity int                 `db:"stock_quantity" json:"stock_quantity"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// EffectivePrice returns the sale price when one is set and still running.
func (p *Product) EffectivePrice(now time.Time) decimal.Decimal {
	if p.SalePrice.Valid && (p.SaleEndsAt == nil || !now.After(*p.SaleEndsAt)) {
		return p.SalePrice.Decimal
	}
	return p.Price
}

// CartItem is one line of a user's cart.
type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

// Order statuses
const (
	// OrderStatusUnconfirmed is the implicit state before checkout commits; it is only
	// ever recorded as the origin of the first history row.
	OrderStatusUnconfirmed OrderStatus = "unconfirmed"
	OrderStatusPending     OrderStatus = "pending"
	OrderStatusConfirmed   OrderStatus = "confirmed"
	OrderStatusPreparing   OrderStatus = "preparing"
	OrderStatusShipped     OrderStatus = "shipped"
	OrderStatusDelivered   OrderStatus = "delivered"
	OrderStatusCancelled   OrderStatus = "cancelled"
)

// OrderPaymentStatus is the payment summary kept on the order row.
type OrderPaymentStatus string

// Order payment statuses
const (
	OrderPaymentUnpaid   OrderPaymentStatus = "unpaid"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// Order represents a customer order
type Order struct {
	ID              int64              `db:"id" json:"id"`
	UserID          int64              `db:"user_id" json:"user_id"`
	OrderNumber     string             `db:"order_number" json:"order_number"`
	Status          OrderStatus        `db:"status" json:"status"`
	PaymentStatus   OrderPaymentStatus `db:"payment_status" json:"payment_status"`
	PaymentMethod   PaymentMethod      `db:"payment_method" json:"payment_method"`
	TotalAmount     decimal.Decimal    `db:"total_amount" json:"total_amount"`
	ShippingFee     decimal.Decimal    `db:"shipping_fee" json:"shipping_fee"`
	DiscountAmount  decimal.Decimal    `db:"discount_amount" json:"discount_amount"`
	FinalAmount     decimal.Decimal    `db:"final_amount" json:"final_amount"`
	VoucherID       *int64             `db:"voucher_id" json:"voucher_id,omitempty"`
	ShippingName    string             `db:"shipping_name" json:"shipping_name"`
	ShippingPhone   string             `db:"shipping_phone" json:"shipping_phone"`
	ShippingAddress string             `db:"shipping_address" json:"shipping_address"`
	Note            string             `db:"note" json:"note,omitempty"`
	IdempotencyKey  *string            `db:"idempotency_key" json:"-"`
	OrderedAt       time.Time          `db:"ordered_at" json:"ordered_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// OrderItem is a line of an order. Name and unit price are snapshots taken at checkout.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	LineTotal   decimal.Decimal `db:"line_total" json:"line_total"`
}

// OrderStatusHistory is one append-only audit row of an order transition.
type OrderStatusHistory struct {
	ID         int64       `db:"id" json:"id"`
	OrderID    int64       `db:"order_id" json:"order_id"`
	FromStatus OrderStatus `db:"from_status" json:"from_status"`
	ToStatus   OrderStatus `db:"to_status" json:"to_status"`
	ChangedBy  string      `db:"changed_by" json:"changed_by"`
	Note       *string     `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// DiscountType selects how a voucher's value is interpreted.
type DiscountType string

// Discount types
const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Voucher is a redeemable discount code.
type Voucher struct {
	ID                    int64               `db:"id" json:"id"`
	Code                  string              `db:"code" json:"code"`
	DiscountType          DiscountType        `db:"discount_type" json:"discount_type"`
	DiscountValue         decimal.Decimal     `db:"discount_value" json:"discount_value"`
	MinimumOrderAmount    decimal.NullDecimal `db:"minimum_order_amount" json:"minimum_order_amount"`
	MaximumDiscountAmount decimal.NullDecimal `db:"maximum_discount_amount" json:"maximum_discount_amount"`
	UsageLimit            *int                `db:"usage_limit" json:"usage_limit,omitempty"`
	PerUserLimit          *int                `db:"per_user_limit" json:"per_user_limit,omitempty"`
	UsedCount             int                 `db:"used_count" json:"used_count"`
	ValidFrom             time.Time           `db:"valid_from" json:"valid_from"`
	ValidTo               time.Time           `db:"valid_to" json:"valid_to"`
	IsActive              bool                `db:"is_active" json:"is_active"`
	Applicability         Applicability       `db:"applicability" json:"applicability"`
}

// IsExpired reports whether the validity window has closed.
func (v *Voucher) IsExpired(now time.Time) bool {
	return now.After(v.ValidTo)
}

// IsAvailable reports whether the voucher is active, unexpired and not exhausted.
func (v *Voucher) IsAvailable(now time.Time) bool {
	return v.IsActive && !v.IsExpired(now) && !v.LimitReached()
}

// LimitReached reports whether the global usage limit is used up.
func (v *Voucher) LimitReached() bool {
	return v.UsageLimit != nil && v.UsedCount >= *v.UsageLimit
}

// VoucherUsage records a single redemption. Rows are never updated or deleted.
type VoucherUsage struct {
	ID             int64           `db:"id" json:"id"`
	VoucherID      int64           `db:"voucher_id" json:"voucher_id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
}

// PaymentMethod identifies how an order is paid.
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCOD   PaymentMethod = "cod"
	PaymentMethodVNPay PaymentMethod = "vnpay"
	PaymentMethodMoMo  PaymentMethod = "momo"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodVNPay, PaymentMethodMoMo:
		return true
	}
	return false
}

// PaymentStatus is the stored state of a payment attempt.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"

	// Effective states derived from the refund fields; never stored.
	PaymentStatusRefunding PaymentStatus = "refunding"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is one payment attempt for an order.
type Payment struct {
	ID                int64               `db:"id" json:"id"`
	OrderID           int64               `db:"order_id" json:"order_id"`
	Method            PaymentMethod       `db:"method" json:"method"`
	Status            PaymentStatus       `db:"status" json:"status"`
	Amount            decimal.Decimal     `db:"amount" json:"amount"`
	Reference         string              `db:"reference" json:"reference"`
	TransactionID     *string             `db:"transaction_id" json:"transaction_id,omitempty"`
	GatewayResponse   GatewayResponse     `db:"gateway_response" json:"gateway_response"`
	PaidAt            *time.Time          `db:"paid_at" json:"paid_at,omitempty"`
	RefundAmount      decimal.NullDecimal `db:"refund_amount" json:"refund_amount"`
	RefundReason      *string             `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundRequestedAt *time.Time          `db:"refund_requested_at" json:"refund_requested_at,omitempty"`
	RefundedAt        *time.Time          `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// EffectiveStatus folds the refund fields into the stored status.
func (p *Payment) EffectiveStatus() PaymentStatus {
	switch {
	case p.RefundedAt != nil:
		return PaymentStatusRefunded
	case p.RefundRequestedAt != nil && p.Status == PaymentStatusCompleted:
		return PaymentStatusRefunding
	}
	return p.Status
}
