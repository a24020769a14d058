package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"petcare-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, order_number, status, payment_status, payment_method,
	total_amount, shipping_fee, discount_amount, final_amount, voucher_id,
	shipping_name, shipping_phone, shipping_address, note, idempotency_key, ordered_at, updated_at`

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, order_number, status, payment_status, payment_method,
			total_amount, shipping_fee, discount_amount, final_amount, voucher_id,
			shipping_name, shipping_phone, shipping_address, note, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, ordered_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, order, query,
		order.UserID, order.OrderNumber, order.Status, order.PaymentStatus, order.PaymentMethod,
		order.TotalAmount, order.ShippingFee, order.DiscountAmount, order.FinalAmount, order.VoucherID,
		order.ShippingName, order.ShippingPhone, order.ShippingAddress, order.Note, order.IdempotencyKey)
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, line_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &item.ID, query,
		item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.LineTotal)
}

func (q *queries) getOrder(ctx context.Context, query string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByID retrieves an order by ID
func (q *queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderForUpdate retrieves and row-locks an order
func (q *queries) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

// GetOrderByNumber retrieves an order by its human-readable number
func (q *queries) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_number = $1", number)
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key; nil when absent
func (q *queries) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (q *queries) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, q.ext, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY ordered_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (q *queries) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q.ext, &items,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity, line_total
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	return items, err
}

// UpdateOrderStatus moves an order from one status to another.
// Returns false when the stored status is no longer from.
func (q *queries) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	n, err := q.exec(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return n == 1, nil
}

// UpdateOrderPaymentStatus updates the payment summary of an order
func (q *queries) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, status models.OrderPaymentStatus) error {
	_, err := q.exec(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order payment status: %w", err)
	}
	return nil
}

// AppendStatusHistory records one order transition
func (q *queries) AppendStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_history (order_id, from_status, to_status, changed_by, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q.ext, h, query, h.OrderID, h.FromStatus, h.ToStatus, h.ChangedBy, h.Note)
}

// GetStatusHistory returns the transitions of an order, oldest first
func (q *queries) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	history := []models.OrderStatusHistory{}
	err := sqlx.SelectContext(ctx, q.ext, &history,
		`SELECT id, order_id, from_status, to_status, changed_by, note, created_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY id`, orderID)
	return history, err
}
