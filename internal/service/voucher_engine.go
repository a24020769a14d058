package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// EligibilityPolicy decides whether a voucher applies to the priced lines of an order.
// lines is empty when a voucher is checked without a concrete order.
type EligibilityPolicy interface {
	Eligible(v *models.Voucher, lines []PricedLine) error
}

// AllowAll applies every voucher to every order
type AllowAll struct{}

func (AllowAll) Eligible(*models.Voucher, []PricedLine) error { return nil }

// CategoryPolicy requires at least one line from a voucher's product categories
// when the voucher lists any.
type CategoryPolicy struct{}

func (CategoryPolicy) Eligible(v *models.Voucher, lines []PricedLine) error {
	cats := v.Applicability.ProductCategories
	if len(cats) == 0 || len(lines) == 0 {
		return nil
	}
	for _, l := range lines {
		for _, c := range cats {
			if strings.EqualFold(l.Product.Category, c) {
				return nil
			}
		}
	}
	return newError(KindVoucherNotApplicable, "voucher %s does not apply to these products", v.Code)
}

// Discount is a validated voucher and the amount it takes off
type Discount struct {
	Voucher models.Voucher  `json:"voucher"`
	Amount  decimal.Decimal `json:"discount_amount"`
}

// VoucherEngine validates and redeems vouchers
type VoucherEngine struct {
	policy EligibilityPolicy
	clock  func() time.Time
	logger *zap.Logger
}

// NewVoucherEngine creates a voucher engine; a nil policy allows everything
func NewVoucherEngine(policy EligibilityPolicy) *VoucherEngine {
	if policy == nil {
		policy = AllowAll{}
	}
	return &VoucherEngine{
		policy: policy,
		clock:  time.Now,
		logger: util.GetLogger(),
	}
}

// ComputeDiscount returns the discount a voucher gives on orderAmount, never more than orderAmount
func ComputeDiscount(v *models.Voucher, orderAmount decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch v.DiscountType {
	case models.DiscountPercentage:
		d = orderAmount.Mul(v.DiscountValue).Div(hundred).Round(2)
		if v.MaximumDiscountAmount.Valid && d.GreaterThan(v.MaximumDiscountAmount.Decimal) {
			d = v.MaximumDiscountAmount.Decimal
		}
	default:
		d = decimal.Min(v.DiscountValue, orderAmount)
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, orderAmount)
}

// Validate checks code against orderAmount and the user's usage history. It only reads.
func (ve *VoucherEngine) Validate(ctx context.Context, q store.Querier, code string, orderAmount decimal.Decimal, userID int64, lines []PricedLine) (*Discount, error) {
	ctx, span := util.StartSpan(ctx, "VoucherEngine.Validate")
	defer span.End()

	code = strings.TrimSpace(code)
	v, err := q.GetVoucherByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindVoucherNotFound, "voucher %s does not exist", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load voucher: %w", err)
	}

	now := ve.clock()
	if !v.IsActive || v.IsExpired(now) || now.Before(v.ValidFrom) {
		return nil, newError(KindVoucherInactiveOrExpired, "voucher %s is not active", v.Code)
	}

	if v.MinimumOrderAmount.Valid && orderAmount.LessThan(v.MinimumOrderAmount.Decimal) {
		return nil, newError(KindOrderBelowMinimum, "voucher %s requires an order of at least %s",
			v.Code, v.MinimumOrderAmount.Decimal.StringFixed(2))
	}

	if v.LimitReached() {
		return nil, newError(KindVoucherUsageLimitReached, "voucher %s has been fully redeemed", v.Code)
	}

	if v.PerUserLimit != nil {
		used, err := q.CountUserVoucherUsages(ctx, v.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count voucher usages: %w", err)
		}
		if used >= *v.PerUserLimit {
			return nil, newError(KindVoucherUsageLimitReached, "voucher %s already used %d times", v.Code, used)
		}
	}

	if err := ve.policy.Eligible(v, lines); err != nil {
		return nil, err
	}

	return &Discount{Voucher: *v, Amount: ComputeDiscount(v, orderAmount)}, nil
}

// Redeem consumes one usage slot and records the redemption. It must run in the
// checkout transaction; a lost race on the last slot fails with VoucherUsageLimitReached.
// The usage UPDATE holds the voucher row lock until commit, so the per-user count taken
// after it sees every redemption committed by a concurrent checkout.
func (ve *VoucherEngine) Redeem(ctx context.Context, q store.Querier, v *models.Voucher, userID, orderID int64, amount decimal.Decimal) (*models.VoucherUsage, error) {
	ctx, span := util.StartSpan(ctx, "VoucherEngine.Redeem")
	defer span.End()

	ok, err := q.IncrementVoucherUsage(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		ve.logger.Warn("Voucher redemption lost race",
			zap.Int64("voucher_id", v.ID),
			zap.Int64("order_id", orderID))
		return nil, newError(KindVoucherUsageLimitReached, "voucher usage limit reached")
	}

	if v.PerUserLimit != nil {
		used, err := q.CountUserVoucherUsages(ctx, v.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count voucher usages: %w", err)
		}
		if used >= *v.PerUserLimit {
			ve.logger.Warn("Voucher per-user redemption lost race",
				zap.Int64("voucher_id", v.ID),
				zap.Int64("user_id", userID),
				zap.Int64("order_id", orderID))
			return nil, newError(KindVoucherUsageLimitReached, "voucher %s already used %d times", v.Code, used)
		}
	}

	usage := &models.VoucherUsage{
		VoucherID:      v.ID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: amount,
	}
	if err := q.CreateVoucherUsage(ctx, usage); err != nil {
		return nil, fmt.Errorf("failed to record voucher usage: %w", err)
	}
	return usage, nil
}
