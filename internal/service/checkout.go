package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ShippingInfo is the delivery contact of an order
type ShippingInfo struct {
	Name    string `json:"name" binding:"required"`
	Phone   string `json:"phone" binding:"required"`
	Address string `json:"address" binding:"required"`
	Note    string `json:"note"`
}

// CheckoutRequest turns an explicit item list, or the user's cart when Items is
// empty, into an order.
type CheckoutRequest struct {
	UserID         int64                `json:"-"`
	Items          []Line               `json:"items" binding:"omitempty,dive"`
	Shipping       ShippingInfo         `json:"shipping" binding:"required"`
	VoucherCode    string               `json:"voucher_code"`
	PaymentMethod  models.PaymentMethod `json:"payment_method" binding:"required"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// CheckoutService is the only path that creates orders
type CheckoutService struct {
	store    store.Transactor
	cart     CartStore
	pricing  *PricingCalculator
	vouchers *VoucherEngine
	stock    *StockReservation
	events   EventPublisher
	logger   *zap.Logger
	clock    func() time.Time
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	st store.Transactor,
	cart CartStore,
	pricing *PricingCalculator,
	vouchers *VoucherEngine,
	stock *StockReservation,
	events EventPublisher,
) *CheckoutService {
	return &CheckoutService{
		store:    st,
		cart:     cart,
		pricing:  pricing,
		vouchers: vouchers,
		stock:    stock,
		events:   events,
		logger:   util.GetLogger(),
		clock:    time.Now,
	}
}

func (req *CheckoutRequest) validate() error {
	switch {
	case req.UserID <= 0:
		return newError(KindValidation, "user is required")
	case !req.PaymentMethod.Valid():
		return newError(KindValidation, "unknown payment method %q", req.PaymentMethod)
	case strings.TrimSpace(req.Shipping.Name) == "",
		strings.TrimSpace(req.Shipping.Phone) == "",
		strings.TrimSpace(req.Shipping.Address) == "":
		return newError(KindValidation, "shipping name, phone and address are required")
	}
	return nil
}

// Checkout prices, reserves and persists an order in one transaction. Either the
// order, its items, the stock decrements and the voucher redemption all commit, or
// nothing does. The cart is cleared only after commit.
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	details, err := s.checkout(ctx, req)
	if err != nil {
		util.SpanError(span, err)
		reason := string(KindOf(err))
		if reason == "" {
			reason = "internal"
		}
		util.CheckoutsFailedTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("Checkout failed",
			zap.Int64("user_id", req.UserID),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, err
	}
	return details, nil
}

func (s *CheckoutService) checkout(ctx context.Context, req *CheckoutRequest) (*OrderDetails, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.Read().GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate checkout request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return loadDetails(ctx, s.store.Read(), existing)
		}
	}

	lines, fromCart, err := s.resolveLines(ctx, req)
	if err != nil {
		return nil, err
	}

	var details *OrderDetails
	err = s.store.WithTx(ctx, func(q store.Querier) error {
		var err error
		details, err = s.persist(ctx, q, req, lines)
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && store.IsUniqueViolation(err) {
			existing, lookupErr := s.store.Read().GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return loadDetails(ctx, s.store.Read(), existing)
			}
		}
		return nil, err
	}

	order := &details.Order
	util.CheckoutsTotal.Inc()
	if order.VoucherID != nil {
		util.VoucherRedemptionsTotal.Inc()
	}
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("final_amount", order.FinalAmount.StringFixed(2)))

	if fromCart {
		if err := s.cart.ClearCart(ctx, req.UserID); err != nil {
			s.logger.Error("Failed to clear cart after checkout",
				zap.Int64("user_id", req.UserID),
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	s.publishCreated(ctx, details)
	return details, nil
}

// ValidateVoucher checks a code against an order amount without redeeming it
func (s *CheckoutService) ValidateVoucher(ctx context.Context, userID int64, code string, orderAmount decimal.Decimal) (*Discount, error) {
	if strings.TrimSpace(code) == "" {
		return nil, newError(KindValidation, "voucher code is required")
	}
	if orderAmount.IsNegative() {
		return nil, newError(KindValidation, "order amount must not be negative")
	}
	return s.vouchers.Validate(ctx, s.store.Read(), code, orderAmount, userID, nil)
}

func (s *CheckoutService) resolveLines(ctx context.Context, req *CheckoutRequest) ([]Line, bool, error) {
	if len(req.Items) > 0 {
		lines, err := normalizeLines(req.Items)
		return lines, false, err
	}

	cartItems, err := s.cart.GetCart(ctx, req.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cart: %w", err)
	}
	if len(cartItems) == 0 {
		return nil, false, newError(KindEmptyCart, "cart is empty")
	}

	lines := make([]Line, 0, len(cartItems))
	for _, ci := range cartItems {
		lines = append(lines, Line{ProductID: ci.ProductID, Quantity: ci.Quantity})
	}
	lines, err = normalizeLines(lines)
	return lines, true, err
}

// persist runs steps 2-6 of checkout inside q's transaction
func (s *CheckoutService) persist(ctx context.Context, q store.Querier, req *CheckoutRequest, lines []Line) (*OrderDetails, error) {
	products, err := s.stock.LockProducts(ctx, q, lines)
	if err != nil {
		return nil, err
	}

	quote, err := s.pricing.Quote(lines, products)
	if err != nil {
		return nil, err
	}

	var discount *Discount
	if code := strings.TrimSpace(req.VoucherCode); code != "" {
		discount, err = s.vouchers.Validate(ctx, q, code, quote.Subtotal, req.UserID, quote.Lines)
		if err != nil {
			return nil, err
		}
	}

	if err := s.stock.Reserve(ctx, q, quote.Lines); err != nil {
		return nil, err
	}

	order := s.newOrder(req, quote, discount)
	if err := q.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	items := make([]models.OrderItem, 0, len(quote.Lines))
	for _, l := range quote.Lines {
		item := models.OrderItem{
			OrderID:     order.ID,
			ProductID:   l.Product.ID,
			ProductName: l.Product.Name,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			LineTotal:   l.LineTotal,
		}
		if err := q.CreateOrderItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
		items = append(items, item)
	}

	history := models.OrderStatusHistory{
		OrderID:    order.ID,
		FromStatus: models.OrderStatusUnconfirmed,
		ToStatus:   models.OrderStatusPending,
		ChangedBy:  Customer(req.UserID).String(),
	}
	if err := q.AppendStatusHistory(ctx, &history); err != nil {
		return nil, fmt.Errorf("failed to append status history: %w", err)
	}

	if discount != nil {
		if _, err := s.vouchers.Redeem(ctx, q, &discount.Voucher, req.UserID, order.ID, discount.Amount); err != nil {
			return nil, err
		}
	}

	return &OrderDetails{Order: *order, Items: items, History: []models.OrderStatusHistory{history}}, nil
}

func (s *CheckoutService) newOrder(req *CheckoutRequest, quote *Quote, discount *Discount) *models.Order {
	now := s.clock()
	order := &models.Order{
		UserID:          req.UserID,
		OrderNumber:     newOrderNumber(now),
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.OrderPaymentUnpaid,
		PaymentMethod:   req.PaymentMethod,
		TotalAmount:     quote.Subtotal,
		ShippingFee:     quote.ShippingFee,
		DiscountAmount:  decimal.Zero,
		ShippingName:    strings.TrimSpace(req.Shipping.Name),
		ShippingPhone:   strings.TrimSpace(req.Shipping.Phone),
		ShippingAddress: strings.TrimSpace(req.Shipping.Address),
		Note:            req.Shipping.Note,
	}
	if discount != nil {
		id := discount.Voucher.ID
		order.VoucherID = &id
		order.DiscountAmount = discount.Amount
	}
	order.FinalAmount = FinalAmount(order.TotalAmount, order.ShippingFee, order.DiscountAmount)
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}
	return order
}

func (s *CheckoutService) publishCreated(ctx context.Context, details *OrderDetails) {
	order := details.Order
	items := make([]models.OrderItemData, 0, len(details.Items))
	for _, it := range details.Items {
		items = append(items, models.OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: s.clock(),
		},
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		FinalAmount: order.FinalAmount,
		Items:       items,
	}
	notify(s.logger, event.EventType, func() error {
		return s.events.PublishOrderCreated(ctx, event)
	})
}

// newOrderNumber returns PC<yyyymmdd><8 hex chars>
func newOrderNumber(now time.Time) string {
	return fmt.Sprintf("PC%s%s", now.Format("20060102"),
		strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8]))
}
