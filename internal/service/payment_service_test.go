package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	ctx := context.Background()

	intent, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)

	p := intent.Payment
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, models.PaymentMethodVNPay, p.Method)
	assert.True(t, p.Amount.Equal(dec("110")))
	assert.Len(t, p.Reference, 32)
	assert.Equal(t, "https://pay.test/checkout?ref="+p.Reference, intent.RedirectURL)

	_, err = e.payments.CreatePayment(ctx, details.Order.ID, Customer(22))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	payments, err := e.payments.GetPayments(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	_, err = e.payments.GetPayments(ctx, details.Order.ID, Customer(22))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreatePaymentCashOnDelivery(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodCOD)

	intent, err := e.payments.CreatePayment(context.Background(), details.Order.ID, Customer(21))
	require.NoError(t, err)
	assert.Empty(t, intent.RedirectURL)
	assert.Equal(t, models.PaymentMethodCOD, intent.Payment.Method)
}

func TestCreatePaymentRequiresPendingUnpaidOrder(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	e.payOrder(t, &details.Order, "VNP-1")

	_, err := e.payments.CreatePayment(context.Background(), details.Order.ID, Customer(21))
	assert.ErrorIs(t, err, ErrInvalidPaymentTransition)

	_, err = e.payments.CreatePayment(context.Background(), 404, Operator(1))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCallbackCompletesPaymentAndConfirmsOrder(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	p := e.payOrder(t, &details.Order, "VNP-1")

	assert.Equal(t, models.PaymentStatusCompleted, p.Status)
	require.NotNil(t, p.TransactionID)
	assert.Equal(t, "VNP-1", *p.TransactionID)
	assert.NotNil(t, p.PaidAt)
	assert.Equal(t, "vnpay", p.GatewayResponse.Gateway)

	got, err := e.orders.GetOrder(context.Background(), details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Order.Status)
	assert.Equal(t, models.OrderPaymentPaid, got.Order.PaymentStatus)
	require.Len(t, got.History, 2)
	assert.Equal(t, "gateway:vnpay", got.History[1].ChangedBy)

	require.Len(t, e.events.payments, 1)
	assert.Equal(t, models.EventTypePaymentCompleted, e.events.payments[0].EventType)
	assert.Equal(t, "VNP-1", e.events.payments[0].TransactionID)
	require.Len(t, e.events.statusChanged, 1)
	assert.Equal(t, models.OrderStatusConfirmed, e.events.statusChanged[0].ToStatus)
}

func TestCallbackReplayIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	p := e.payOrder(t, &details.Order, "VNP-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := e.payments.ProcessCallback(ctx, callback(p, "success", "VNP-1", p.Amount))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
	}

	got, err := e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
	assert.Len(t, e.events.payments, 1)
	assert.Len(t, e.events.statusChanged, 1)

	_, err = e.payments.ProcessCallback(ctx, callback(p, "success", "VNP-2", p.Amount))
	assert.ErrorIs(t, err, ErrInvalidPaymentTransition, "a second capture under another transaction is refused")
}

func TestCallbackRejections(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	intent, err := e.payments.CreatePayment(context.Background(), details.Order.ID, Customer(21))
	require.NoError(t, err)
	p := intent.Payment

	unknownRef := callback(p, "success", "VNP-9", p.Amount)
	unknownRef.AdditionalData[models.CallbackKeyPaymentRef] = "nope"

	wrongMethod := callback(p, "success", "VNP-9", p.Amount)
	wrongMethod.Method = models.PaymentMethodMoMo

	tests := []struct {
		name    string
		payload *models.CallbackPayload
		want    error
	}{
		{"nil payload", nil, ErrInvalidCallback},
		{"amount mismatch", callback(p, "success", "VNP-9", dec("109.99")), ErrAmountMismatch},
		{"unknown status", callback(p, "maybe", "VNP-9", p.Amount), ErrInvalidCallback},
		{"unknown transaction", unknownRef, ErrUnknownTransaction},
		{"method without gateway", wrongMethod, ErrInvalidCallback},
		{"refund before capture", callback(p, "refunded", "VNP-9", p.Amount), ErrInvalidPaymentTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.payments.ProcessCallback(context.Background(), tt.payload)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	e.gw.verifyErr = errors.New("hmac mismatch")
	_, err = e.payments.ProcessCallback(context.Background(), callback(p, "success", "VNP-9", p.Amount))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	payments, err := e.payments.GetPayments(context.Background(), details.Order.ID, Operator(1))
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPending, payments[0].Status)
	assert.Nil(t, payments[0].TransactionID)
	assert.Empty(t, e.events.payments)
}

func TestCallbackResolvesByOrderNumber(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	intent, err := e.payments.CreatePayment(context.Background(), details.Order.ID, Customer(21))
	require.NoError(t, err)

	payload := callback(intent.Payment, "paid", "VNP-7", intent.Payment.Amount)
	delete(payload.AdditionalData, models.CallbackKeyPaymentRef)
	payload.AdditionalData[models.CallbackKeyOrderNumber] = details.Order.OrderNumber

	res, err := e.payments.ProcessCallback(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, intent.Payment.ID, res.Payment.ID)
}

func TestFailedPaymentCanBeRetried(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	ctx := context.Background()

	first, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)

	res, err := e.payments.ProcessCallback(ctx, callback(first.Payment, "processing", "", first.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, res.Outcome)

	res, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "declined", "VNP-F", first.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)

	res, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "declined", "VNP-F", first.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	_, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "success", "VNP-F", first.Payment.Amount))
	assert.ErrorIs(t, err, ErrInvalidPaymentTransition)

	second := e.payOrder(t, &details.Order, "VNP-S")
	assert.NotEqual(t, first.Payment.ID, second.ID)

	payments, err := e.payments.GetPayments(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, second.ID, payments[0].ID, "newest first")
	assert.Equal(t, models.PaymentStatusFailed, payments[1].Status)
}

func TestCancelPaidOrderWaitsForRefund(t *testing.T) {
	e := newTestEnv(t)
	details, product := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	p := e.payOrder(t, &details.Order, "VNP-1")
	ctx := context.Background()

	res, err := e.orders.Cancel(ctx, details.Order.ID, Customer(21), "ordered twice")
	require.NoError(t, err)
	assert.True(t, res.RefundPending)
	assert.Equal(t, models.OrderStatusConfirmed, res.Order.Status)
	require.Len(t, res.Payments, 1)
	assert.Equal(t, models.PaymentStatusRefunding, res.Payments[0].EffectiveStatus())
	assert.Equal(t, 8, e.st.Product(product.ID).StockQuantity, "stock stays reserved until the refund lands")

	require.Len(t, e.events.refunds, 1)
	assert.Equal(t, p.ID, e.events.refunds[0].PaymentID)
	assert.Equal(t, "ordered twice", e.events.refunds[0].Reason)

	require.NoError(t, e.payments.RequestRefund(ctx, p.ID))
	require.Len(t, e.gw.refunds, 1)
	assert.True(t, e.gw.refunds[0].amount.Equal(dec("110")))

	cb, err := e.payments.ProcessCallback(ctx, callback(p, "refunded", "VNP-1", decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, cb.Outcome)
	assert.Equal(t, models.PaymentStatusRefunded, cb.Payment.EffectiveStatus())
	assert.True(t, cb.Payment.RefundAmount.Decimal.Equal(dec("110")))

	got, err := e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Order.Status)
	assert.Equal(t, models.OrderPaymentRefunded, got.Order.PaymentStatus)
	assert.Equal(t, 10, e.st.Product(product.ID).StockQuantity)

	cb, err = e.payments.ProcessCallback(ctx, callback(p, "refunded", "VNP-1", decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, cb.Outcome)
	assert.Equal(t, 10, e.st.Product(product.ID).StockQuantity)

	require.NoError(t, e.payments.RequestRefund(ctx, p.ID), "already refunded is a no-op")
	assert.Len(t, e.gw.refunds, 1)
}

func TestRefundCallbackAmountAboveCapture(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	p := e.payOrder(t, &details.Order, "VNP-1")

	_, err := e.payments.ProcessCallback(context.Background(), callback(p, "refunded", "VNP-1", dec("500")))
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestLateCaptureOnCancelledOrderRequestsRefund(t *testing.T) {
	e := newTestEnv(t)
	details, product := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	ctx := context.Background()

	intent, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)

	res, err := e.orders.Cancel(ctx, details.Order.ID, Customer(21), "")
	require.NoError(t, err)
	assert.False(t, res.RefundPending)
	assert.Equal(t, 10, e.st.Product(product.ID).StockQuantity)

	cb, err := e.payments.ProcessCallback(ctx, callback(intent.Payment, "success", "VNP-LATE", intent.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, cb.Outcome)
	assert.Equal(t, models.PaymentStatusRefunding, cb.Payment.EffectiveStatus())

	got, err := e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Order.Status)
	assert.Equal(t, models.OrderPaymentPaid, got.Order.PaymentStatus)

	require.Len(t, e.events.refunds, 1)
	assert.Equal(t, intent.Payment.ID, e.events.refunds[0].PaymentID)
	assert.True(t, strings.Contains(e.events.refunds[0].Reason, "cancelled"))
}

func TestSecondCaptureOnPaidOrderIsRefunded(t *testing.T) {
	e := newTestEnv(t)
	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	ctx := context.Background()

	first, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)
	second, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)

	cb, err := e.payments.ProcessCallback(ctx, callback(second.Payment, "success", "VNP-B", second.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, cb.Payment.EffectiveStatus())
	assert.Empty(t, e.events.refunds)

	cb, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "success", "VNP-A", first.Payment.Amount))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, cb.Outcome)
	assert.Equal(t, models.PaymentStatusRefunding, cb.Payment.EffectiveStatus())
	require.NotNil(t, cb.Payment.RefundReason)
	assert.Equal(t, "duplicate capture", *cb.Payment.RefundReason)

	require.Len(t, e.events.refunds, 1)
	assert.Equal(t, first.Payment.ID, e.events.refunds[0].PaymentID)

	require.NoError(t, e.payments.RequestRefund(ctx, first.Payment.ID))
	cb, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "refunded", "VNP-A", decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, cb.Payment.EffectiveStatus())

	got, err := e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Order.Status, "the kept capture still pays for the order")
	assert.Equal(t, models.OrderPaymentPaid, got.Order.PaymentStatus)
	for _, p := range got.Payments {
		if p.ID == second.Payment.ID {
			assert.Equal(t, models.PaymentStatusCompleted, p.EffectiveStatus())
		}
	}
}

func TestCancelRefundsEveryCapture(t *testing.T) {
	e := newTestEnv(t)
	details, product := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	ctx := context.Background()

	first, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)
	second, err := e.payments.CreatePayment(ctx, details.Order.ID, Customer(21))
	require.NoError(t, err)
	_, err = e.payments.ProcessCallback(ctx, callback(second.Payment, "success", "VNP-B", second.Payment.Amount))
	require.NoError(t, err)
	_, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "success", "VNP-A", first.Payment.Amount))
	require.NoError(t, err)
	require.Len(t, e.events.refunds, 1, "duplicate capture already queued")

	res, err := e.orders.Cancel(ctx, details.Order.ID, Customer(21), "changed my mind")
	require.NoError(t, err)
	assert.True(t, res.RefundPending)
	require.Len(t, res.Payments, 2)
	for _, p := range res.Payments {
		assert.Equal(t, models.PaymentStatusRefunding, p.EffectiveStatus())
	}
	require.Len(t, e.events.refunds, 2, "only the kept capture is newly queued")
	assert.Equal(t, second.Payment.ID, e.events.refunds[1].PaymentID)

	_, err = e.payments.ProcessCallback(ctx, callback(second.Payment, "refunded", "VNP-B", decimal.Zero))
	require.NoError(t, err)

	got, err := e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, got.Order.Status, "one capture is still out")
	assert.Equal(t, models.OrderPaymentPaid, got.Order.PaymentStatus)
	assert.Equal(t, 8, e.st.Product(product.ID).StockQuantity)

	_, err = e.payments.ProcessCallback(ctx, callback(first.Payment, "refunded", "VNP-A", decimal.Zero))
	require.NoError(t, err)

	got, err = e.orders.GetOrder(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Order.Status)
	assert.Equal(t, models.OrderPaymentRefunded, got.Order.PaymentStatus)
	assert.Equal(t, 10, e.st.Product(product.ID).StockQuantity)
}

func TestRequestRefundFailures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	err := e.payments.RequestRefund(ctx, 404)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	details, _ := e.placeOrder(t, 21, models.PaymentMethodVNPay)
	p := e.payOrder(t, &details.Order, "VNP-1")

	err = e.payments.RequestRefund(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidPaymentTransition, "nothing asked for a refund yet")

	_, err = e.orders.Cancel(ctx, details.Order.ID, Operator(3), "out of stock at warehouse")
	require.NoError(t, err)

	e.gw.refundErr = errors.New("gateway timeout")
	err = e.payments.RequestRefund(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, Kind(""), KindOf(err))

	payments, err := e.payments.GetPayments(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunding, payments[0].EffectiveStatus(), "failed request stays refund-requested")
}

func TestRequestRefundWithoutGateway(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	details, _ := e.placeOrder(t, 21, models.PaymentMethodCOD)

	intent, err := e.payments.CreatePayment(ctx, details.Order.ID, Operator(1))
	require.NoError(t, err)

	// Settle the cash payment directly; COD has no callback gateway.
	err = e.st.WithTx(ctx, func(q store.Querier) error {
		p := intent.Payment
		p.Status = models.PaymentStatusCompleted
		return q.UpdatePayment(ctx, p)
	})
	require.NoError(t, err)

	res, err := e.orders.Cancel(ctx, details.Order.ID, Operator(1), "")
	require.NoError(t, err)
	require.True(t, res.RefundPending)

	err = e.payments.RequestRefund(ctx, intent.Payment.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refund gateway")
}

func TestNormalizeCallbackStatus(t *testing.T) {
	for status, want := range map[string]string{
		"SUCCESS":    OutcomeCompleted,
		" paid ":     OutcomeCompleted,
		"Canceled":   OutcomeFailed,
		"pending":    OutcomeProcessing,
		"refund":     OutcomeRefunded,
		"processing": OutcomeProcessing,
	} {
		got, ok := normalizeCallbackStatus(status)
		assert.True(t, ok, status)
		assert.Equal(t, want, got, status)
	}
	_, ok := normalizeCallbackStatus("chargeback")
	assert.False(t, ok)
}
