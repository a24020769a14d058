package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"petcare-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, order_id, method, status, amount, reference, transaction_id, gateway_response,
	paid_at, refund_amount, refund_reason, refund_requested_at, refunded_at, created_at, updated_at`

// CreatePayment creates a new payment record
func (q *queries) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, method, status, amount, reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, payment, query,
		payment.OrderID, payment.Method, payment.Status, payment.Amount, payment.Reference)
}

func (q *queries) getPayment(ctx context.Context, query string, arg interface{}) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByID retrieves a payment by ID
func (q *queries) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
}

// GetPaymentByTransactionID retrieves the payment a gateway transaction settled
func (q *queries) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE transaction_id = $1", transactionID)
}

// GetPaymentByReference retrieves a payment by the reference sent to the gateway
func (q *queries) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE reference = $1", reference)
}

// GetPaymentsByOrderID retrieves all payment attempts of an order, newest first
func (q *queries) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := sqlx.SelectContext(ctx, q.ext, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY id DESC", orderID)
	return payments, err
}

// LockPaymentsByOrderID is GetPaymentsByOrderID holding row locks
func (q *queries) LockPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := sqlx.SelectContext(ctx, q.ext, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY id DESC FOR UPDATE", orderID)
	return payments, err
}

// UpdatePayment writes the mutable fields of a payment
func (q *queries) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := q.exec(ctx, `
		UPDATE payments SET status = $1, transaction_id = $2, gateway_response = $3, paid_at = $4,
			refund_amount = $5, refund_reason = $6, refund_requested_at = $7, refunded_at = $8,
			updated_at = NOW()
		WHERE id = $9`,
		payment.Status, payment.TransactionID, payment.GatewayResponse, payment.PaidAt,
		payment.RefundAmount, payment.RefundReason, payment.RefundRequestedAt, payment.RefundedAt,
		payment.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}
