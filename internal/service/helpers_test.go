package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(n int) *int { return &n }

type fakeCart struct {
	mu       sync.Mutex
	items    map[int64][]models.CartItem
	cleared  []int64
	clearErr error
}

func newFakeCart() *fakeCart {
	return &fakeCart{items: map[int64][]models.CartItem{}}
}

func (c *fakeCart) GetCart(ctx context.Context, userID int64) ([]models.CartItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CartItem(nil), c.items[userID]...), nil
}

func (c *fakeCart) ClearCart(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearErr != nil {
		return c.clearErr
	}
	delete(c.items, userID)
	c.cleared = append(c.cleared, userID)
	return nil
}

type recordingPublisher struct {
	mu            sync.Mutex
	err           error
	created       []*models.OrderCreatedEvent
	statusChanged []*models.OrderStatusChangedEvent
	payments      []*models.PaymentEvent
	refunds       []*models.RefundRequestedEvent
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return p.err
}

func (p *recordingPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusChanged = append(p.statusChanged, event)
	return p.err
}

func (p *recordingPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, event)
	return p.err
}

func (p *recordingPublisher) PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, event)
	return p.err
}

type refundCall struct {
	paymentID int64
	amount    decimal.Decimal
	reason    string
}

type fakeGateway struct {
	verifyErr error
	refundErr error
	refunds   []refundCall
}

func (g *fakeGateway) RedirectURL(payment *models.Payment, order *models.Order) (string, error) {
	return "https://pay.test/checkout?ref=" + payment.Reference, nil
}

func (g *fakeGateway) VerifyCallback(payload *models.CallbackPayload) error {
	return g.verifyErr
}

func (g *fakeGateway) Response(payload *models.CallbackPayload) models.GatewayResponse {
	return models.GatewayResponse{Gateway: string(payload.Method)}
}

func (g *fakeGateway) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) error {
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, refundCall{paymentID: payment.ID, amount: amount, reason: reason})
	return nil
}

type testEnv struct {
	st       *storetest.Store
	cart     *fakeCart
	events   *recordingPublisher
	gw       *fakeGateway
	orders   *OrderService
	checkout *CheckoutService
	payments *PaymentService
}

// newTestEnv wires the services over an in-memory store with a flat shipping fee of 10
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		st:     storetest.New(),
		cart:   newFakeCart(),
		events: &recordingPublisher{},
		gw:     &fakeGateway{},
	}
	stock := NewStockReservation()
	e.orders = NewOrderService(e.st, stock, e.events)
	e.checkout = NewCheckoutService(e.st, e.cart, NewPricingCalculator(dec("10"), decimal.Zero),
		NewVoucherEngine(nil), stock, e.events)
	e.payments = NewPaymentService(e.st, e.orders, map[models.PaymentMethod]PaymentGateway{
		models.PaymentMethodVNPay: e.gw,
	}, e.events)
	return e
}

func (e *testEnv) addProduct(name, price string, stock int) models.Product {
	return e.st.AddProduct(models.Product{
		SKU:           "SKU-" + name,
		Name:          name,
		Category:      "food",
		Price:         dec(price),
		IsActive:      true,
		StockQuantity: stock,
	})
}

func (e *testEnv) addVoucher(v models.Voucher) models.Voucher {
	if v.ValidFrom.IsZero() {
		v.ValidFrom = time.Now().Add(-time.Hour)
	}
	if v.ValidTo.IsZero() {
		v.ValidTo = time.Now().Add(24 * time.Hour)
	}
	v.IsActive = true
	return e.st.AddVoucher(v)
}

func checkoutRequest(userID int64, method models.PaymentMethod, items ...Line) *CheckoutRequest {
	return &CheckoutRequest{
		UserID: userID,
		Items:  items,
		Shipping: ShippingInfo{
			Name:    "Linh Tran",
			Phone:   "0901234567",
			Address: "12 Nguyen Hue, District 1",
		},
		PaymentMethod: method,
	}
}

// placeOrder checks out two units of a fresh 50.00 product, final amount 110.00
func (e *testEnv) placeOrder(t *testing.T, userID int64, method models.PaymentMethod) (*OrderDetails, models.Product) {
	t.Helper()
	p := e.addProduct("kibble", "50", 10)
	details, err := e.checkout.Checkout(context.Background(), checkoutRequest(userID, method, Line{ProductID: p.ID, Quantity: 2}))
	require.NoError(t, err)
	return details, p
}

// payOrder creates a VNPay payment and completes it with transaction txID
func (e *testEnv) payOrder(t *testing.T, order *models.Order, txID string) *models.Payment {
	t.Helper()
	intent, err := e.payments.CreatePayment(context.Background(), order.ID, Customer(order.UserID))
	require.NoError(t, err)
	res, err := e.payments.ProcessCallback(context.Background(), callback(intent.Payment, "success", txID, intent.Payment.Amount))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	return res.Payment
}

func callback(p *models.Payment, status, txID string, amount decimal.Decimal) *models.CallbackPayload {
	return &models.CallbackPayload{
		Method:        p.Method,
		TransactionID: txID,
		Status:        status,
		Amount:        amount,
		AdditionalData: map[string]string{
			models.CallbackKeyPaymentRef: p.Reference,
			models.CallbackKeySignature:  "signed",
		},
	}
}
