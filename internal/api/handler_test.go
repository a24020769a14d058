package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"petcare-checkout/internal/gateway"
	"petcare-checkout/internal/models"
	"petcare-checkout/internal/service"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCart struct {
	items map[int64][]models.CartItem
}

func (c *memoryCart) GetCart(ctx context.Context, userID int64) ([]models.CartItem, error) {
	return c.items[userID], nil
}

func (c *memoryCart) ClearCart(ctx context.Context, userID int64) error {
	delete(c.items, userID)
	return nil
}

type discardPublisher struct{}

func (discardPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (discardPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}

func (discardPublisher) PublishPaymentEvent(context.Context, *models.PaymentEvent) error {
	return nil
}

func (discardPublisher) PublishRefundRequested(context.Context, *models.RefundRequestedEvent) error {
	return nil
}

type testServer struct {
	router  *gin.Engine
	st      *storetest.Store
	cart    *memoryCart
	vnpay   *gateway.VNPay
	product models.Product
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		st:   storetest.New(),
		cart: &memoryCart{items: map[int64][]models.CartItem{}},
		vnpay: gateway.NewVNPay(gateway.Config{
			BaseURL:      "https://sandbox.vnpay.test/pay",
			MerchantCode: "PETCARE01",
			Secret:       "vnpay-secret",
			ReturnURL:    "https://petcare.test/return",
		}),
	}
	ts.product = ts.st.AddProduct(models.Product{
		SKU:           "KB-1",
		Name:          "kibble",
		Category:      "food",
		Price:         decimal.RequireFromString("50"),
		IsActive:      true,
		StockQuantity: 3,
	})

	stock := service.NewStockReservation()
	events := discardPublisher{}
	orders := service.NewOrderService(ts.st, stock, events)
	checkout := service.NewCheckoutService(ts.st, ts.cart,
		service.NewPricingCalculator(decimal.RequireFromString("10"), decimal.Zero),
		service.NewVoucherEngine(nil), stock, events)
	payments := service.NewPaymentService(ts.st, orders, map[models.PaymentMethod]service.PaymentGateway{
		models.PaymentMethodVNPay: ts.vnpay,
	}, events)

	ts.router = gin.New()
	NewHandler(checkout, orders, payments, checks).SetupRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func customer(id int64) map[string]string {
	return map[string]string{HeaderUserID: strconv.FormatInt(id, 10)}
}

func operator(id int64) map[string]string {
	return map[string]string{HeaderOperatorID: strconv.FormatInt(id, 10)}
}

type orderResponse struct {
	Order struct {
		ID          int64           `json:"id"`
		OrderNumber string          `json:"order_number"`
		Status      string          `json:"status"`
		FinalAmount decimal.Decimal `json:"final_amount"`
	} `json:"order"`
	RefundPending bool `json:"refund_pending"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (ts *testServer) checkoutBody(quantity int, method models.PaymentMethod) gin.H {
	return gin.H{
		"items": []gin.H{{"product_id": ts.product.ID, "quantity": quantity}},
		"shipping": gin.H{
			"name":    "Linh Tran",
			"phone":   "0901234567",
			"address": "12 Nguyen Hue",
		},
		"payment_method": method,
	}
}

func (ts *testServer) placeOrder(t *testing.T, userID int64, method models.PaymentMethod) orderResponse {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(1, method), customer(userID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res orderResponse
	decode(t, w, &res)
	return res
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/ready", nil, nil).Code)

	down := newTestServer(t, map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := down.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCheckoutEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(1, models.PaymentMethodCOD), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(1, models.PaymentMethodCOD), operator(1))
	assert.Equal(t, http.StatusForbidden, w.Code)

	headers := customer(5)
	headers[HeaderIdempotencyKey] = "retry-1"
	w = ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(2, models.PaymentMethodCOD), headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first orderResponse
	decode(t, w, &first)
	assert.Equal(t, "pending", first.Order.Status)
	assert.True(t, first.Order.FinalAmount.Equal(decimal.RequireFromString("110")))

	w = ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(2, models.PaymentMethodCOD), headers)
	require.Equal(t, http.StatusCreated, w.Code)
	var again orderResponse
	decode(t, w, &again)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, 1, ts.st.Product(ts.product.ID).StockQuantity)

	w = ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(2, models.PaymentMethodCOD), customer(6))
	assert.Equal(t, http.StatusConflict, w.Code)
	var e errorResponse
	decode(t, w, &e)
	assert.Equal(t, string(service.KindInsufficientStock), e.Error)

	w = ts.do(http.MethodPost, "/api/v1/checkout", gin.H{"payment_method": "cod"}, customer(6))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/checkout", ts.checkoutBody(1, models.PaymentMethodCOD), customer(7))
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/checkout", func() gin.H {
		b := ts.checkoutBody(1, models.PaymentMethodCOD)
		delete(b, "items")
		return b
	}(), customer(8))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &e)
	assert.Equal(t, string(service.KindEmptyCart), e.Error)
}

func TestValidateVoucherEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.st.AddVoucher(models.Voucher{
		Code:          "FLAT50",
		DiscountType:  models.DiscountFixed,
		DiscountValue: decimal.RequireFromString("50"),
		IsActive:      true,
		ValidTo:       time.Now().Add(24 * time.Hour),
	})

	w := ts.do(http.MethodPost, "/api/v1/vouchers/validate", gin.H{"code": "FLAT50", "order_amount": "40"}, customer(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		DiscountAmount decimal.Decimal `json:"discount_amount"`
	}
	decode(t, w, &res)
	assert.True(t, res.DiscountAmount.Equal(decimal.RequireFromString("40")))

	w = ts.do(http.MethodPost, "/api/v1/vouchers/validate", gin.H{"code": "MISSING", "order_amount": "40"}, customer(1))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateVoucherEndpointUsesCustomerHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	limit := 1
	v := ts.st.AddVoucher(models.Voucher{
		Code:          "ONCE",
		DiscountType:  models.DiscountFixed,
		DiscountValue: decimal.RequireFromString("5"),
		PerUserLimit:  &limit,
		IsActive:      true,
		ValidTo:       time.Now().Add(24 * time.Hour),
	})
	ctx := context.Background()
	require.NoError(t, ts.st.WithTx(ctx, func(q store.Querier) error {
		return q.CreateVoucherUsage(ctx, &models.VoucherUsage{
			VoucherID: v.ID, UserID: 9, OrderID: 1, DiscountAmount: decimal.RequireFromString("5"),
		})
	}))
	body := func(userID int64) gin.H {
		return gin.H{"code": "ONCE", "order_amount": "40", "user_id": userID}
	}

	w := ts.do(http.MethodPost, "/api/v1/vouchers/validate", gin.H{"code": "ONCE", "order_amount": "40"}, operator(9))
	assert.Equal(t, http.StatusBadRequest, w.Code, "operators name the customer")

	w = ts.do(http.MethodPost, "/api/v1/vouchers/validate", body(9), operator(1))
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/api/v1/vouchers/validate", body(10), operator(9))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, "/api/v1/vouchers/validate", body(9), customer(10))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/vouchers/validate", body(9), customer(9))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOrderEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	placed := ts.placeOrder(t, 5, models.PaymentMethodCOD)
	path := "/api/v1/orders/" + strconv.FormatInt(placed.Order.ID, 10)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, path, nil, customer(5)).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, path, nil, customer(6)).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/orders/abc", nil, customer(5)).Code)

	w := ts.do(http.MethodGet, "/api/v1/users/me/orders", nil, customer(5))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), placed.Order.OrderNumber)
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/api/v1/users/5/orders", nil, customer(6)).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/users/5/orders", nil, operator(1)).Code)

	w = ts.do(http.MethodPost, path+"/status", gin.H{"status": "shipped"}, operator(1))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, path+"/status", gin.H{"status": "confirmed", "expected_status": "pending"}, operator(1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)

	w = ts.do(http.MethodPost, path+"/status", gin.H{"status": "preparing"}, customer(5))
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, path+"/cancel", strings.NewReader(`{"reason":`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, "5")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed body is rejected")

	w = ts.do(http.MethodPost, path+"/cancel", nil, customer(5))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled orderResponse
	decode(t, w, &cancelled)
	assert.Equal(t, "cancelled", cancelled.Order.Status)
	assert.False(t, cancelled.RefundPending)
	assert.Equal(t, 3, ts.st.Product(ts.product.ID).StockQuantity)
}

func TestPaymentFlowEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	placed := ts.placeOrder(t, 5, models.PaymentMethodVNPay)
	path := "/api/v1/orders/" + strconv.FormatInt(placed.Order.ID, 10)

	w := ts.do(http.MethodPost, path+"/payments", nil, customer(5))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var intent struct {
		Payment struct {
			ID        int64           `json:"id"`
			Reference string          `json:"reference"`
			Amount    decimal.Decimal `json:"amount"`
		} `json:"payment"`
		RedirectURL string `json:"redirect_url"`
	}
	decode(t, w, &intent)
	assert.True(t, strings.HasPrefix(intent.RedirectURL, "https://sandbox.vnpay.test/pay?"))
	assert.Contains(t, intent.RedirectURL, "vnp_TxnRef="+intent.Payment.Reference)
	assert.Contains(t, intent.RedirectURL, "vnp_SecureHash=")

	payload := &models.CallbackPayload{
		Method:         models.PaymentMethodVNPay,
		TransactionID:  "VNP-100",
		Status:         "success",
		Amount:         intent.Payment.Amount,
		AdditionalData: map[string]string{models.CallbackKeyPaymentRef: intent.Payment.Reference},
	}
	payload.AdditionalData[models.CallbackKeySignature] = ts.vnpay.Sign(payload)
	body := gin.H{
		"transaction_id":  payload.TransactionID,
		"status":          payload.Status,
		"amount":          payload.Amount,
		"additional_data": payload.AdditionalData,
	}

	w = ts.do(http.MethodPost, "/api/v1/payments/callback/vnpay", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"completed"`)

	w = ts.do(http.MethodPost, "/api/v1/payments/callback/vnpay", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	forged := gin.H{
		"transaction_id":  "VNP-100",
		"status":          "refunded",
		"amount":          payload.Amount,
		"additional_data": map[string]string{models.CallbackKeySignature: "deadbeef"},
	}
	w = ts.do(http.MethodPost, "/api/v1/payments/callback/vnpay", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/payments/callback/paypal", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, path+"/payments", nil, customer(5))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = ts.do(http.MethodPost, path+"/cancel", gin.H{"reason": "ordered twice"}, customer(5))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res orderResponse
	decode(t, w, &res)
	assert.True(t, res.RefundPending)
	assert.Equal(t, "confirmed", res.Order.Status)
}
