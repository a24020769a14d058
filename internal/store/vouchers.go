package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"petcare-checkout/internal/models"

	"github.com/jmoiron/sqlx"
)

const voucherColumns = `id, code, discount_type, discount_value, minimum_order_amount, maximum_discount_amount,
	usage_limit, per_user_limit, used_count, valid_from, valid_to, is_active, applicability`

// GetVoucherByCode looks a voucher up by code, ignoring case
func (q *queries) GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	var v models.Voucher
	err := sqlx.GetContext(ctx, q.ext, &v,
		"SELECT "+voucherColumns+" FROM vouchers WHERE UPPER(code) = UPPER($1)", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("voucher %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CountUserVoucherUsages counts how often a user redeemed a voucher
func (q *queries) CountUserVoucherUsages(ctx context.Context, voucherID, userID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		"SELECT COUNT(*) FROM voucher_usages WHERE voucher_id = $1 AND user_id = $2", voucherID, userID)
	return n, err
}

// IncrementVoucherUsage consumes one usage slot.
// Returns false when the usage limit is already reached.
func (q *queries) IncrementVoucherUsage(ctx context.Context, voucherID int64) (bool, error) {
	n, err := q.exec(ctx,
		`UPDATE vouchers SET used_count = used_count + 1
		 WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`,
		voucherID)
	if err != nil {
		return false, fmt.Errorf("failed to increment voucher usage: %w", err)
	}
	return n == 1, nil
}

// CreateVoucherUsage records a redemption
func (q *queries) CreateVoucherUsage(ctx context.Context, usage *models.VoucherUsage) error {
	query := `
		INSERT INTO voucher_usages (voucher_id, user_id, order_id, discount_amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, used_at`

	return sqlx.GetContext(ctx, q.ext, usage, query,
		usage.VoucherID, usage.UserID, usage.OrderID, usage.DiscountAmount)
}
