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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Callback outcomes, also used as the metric label
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeProcessing = "processing"
	OutcomeRefunded   = "refunded"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
)

// PaymentIntent is a created payment and where to send the customer to pay it.
// RedirectURL is empty for cash on delivery.
type PaymentIntent struct {
	Payment     *models.Payment `json:"payment"`
	RedirectURL string          `json:"redirect_url,omitempty"`
}

// CallbackResult reports what a gateway callback did
type CallbackResult struct {
	Outcome string          `json:"outcome"`
	Payment *models.Payment `json:"payment"`
}

// PaymentService creates payments and settles gateway callbacks against orders
type PaymentService struct {
	store    store.Transactor
	orders   *OrderService
	gateways map[models.PaymentMethod]PaymentGateway
	events   EventPublisher
	logger   *zap.Logger
	clock    func() time.Time
}

// NewPaymentService creates a new payment service. Methods without a gateway
// (cash on delivery) get no redirect and cannot be refunded automatically.
func NewPaymentService(st store.Transactor, orders *OrderService, gateways map[models.PaymentMethod]PaymentGateway, events EventPublisher) *PaymentService {
	if gateways == nil {
		gateways = map[models.PaymentMethod]PaymentGateway{}
	}
	return &PaymentService{
		store:    st,
		orders:   orders,
		gateways: gateways,
		events:   events,
		logger:   util.GetLogger(),
		clock:    time.Now,
	}
}

// CreatePayment opens a new payment attempt for a pending, unpaid order. Earlier
// failed attempts stay as they are.
func (s *PaymentService) CreatePayment(ctx context.Context, orderID int64, actor Actor) (*PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment")
	defer span.End()

	var (
		order   *models.Order
		payment *models.Payment
	)
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		var err error
		order, err = q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(orderID, err)
		}
		if !actor.canSee(order.UserID) {
			return newError(KindOrderNotFound, "order %d not found", orderID)
		}
		if order.Status != models.OrderStatusPending || order.PaymentStatus != models.OrderPaymentUnpaid {
			return newError(KindInvalidPaymentTransition, "order %d is %s/%s and cannot take a payment",
				order.ID, order.Status, order.PaymentStatus)
		}

		existing, err := q.LockPaymentsByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.Status == models.PaymentStatusCompleted {
				return newError(KindInvalidPaymentTransition, "order %d already has a completed payment", order.ID)
			}
		}

		payment = &models.Payment{
			OrderID:   order.ID,
			Method:    order.PaymentMethod,
			Status:    models.PaymentStatusPending,
			Amount:    order.FinalAmount,
			Reference: strings.ReplaceAll(uuid.New().String(), "-", ""),
		}
		if err := q.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	util.PaymentsCreatedTotal.WithLabelValues(string(payment.Method)).Inc()
	s.logger.Info("Payment created",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", order.ID),
		zap.String("method", string(payment.Method)),
		zap.String("amount", payment.Amount.StringFixed(2)))

	// The redirect is built after commit so no lock is held across gateway work.
	url, err := s.GeneratePaymentURL(payment, order)
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{Payment: payment, RedirectURL: url}, nil
}

// GeneratePaymentURL maps a payment to its gateway redirect. It changes nothing.
func (s *PaymentService) GeneratePaymentURL(payment *models.Payment, order *models.Order) (string, error) {
	gw, ok := s.gateways[payment.Method]
	if !ok {
		return "", nil
	}
	url, err := gw.RedirectURL(payment, order)
	if err != nil {
		return "", fmt.Errorf("failed to build %s redirect: %w", payment.Method, err)
	}
	return url, nil
}

// GetPayments lists the payment attempts of an order, newest first
func (s *PaymentService) GetPayments(ctx context.Context, orderID int64, actor Actor) ([]models.Payment, error) {
	q := s.store.Read()
	order, err := q.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, orderLookupError(orderID, err)
	}
	if !actor.canSee(order.UserID) {
		return nil, newError(KindOrderNotFound, "order %d not found", orderID)
	}
	return q.GetPaymentsByOrderID(ctx, orderID)
}

// normalizeCallbackStatus folds gateway status words into one of the outcomes
func normalizeCallbackStatus(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "success", "succeeded", "paid":
		return OutcomeCompleted, true
	case "failed", "cancelled", "canceled", "declined", "error":
		return OutcomeFailed, true
	case "refunded", "refund":
		return OutcomeRefunded, true
	case "processing", "pending":
		return OutcomeProcessing, true
	}
	return "", false
}

// settlement carries what a callback transaction changed, for after-commit work
type settlement struct {
	outcome       string
	order         *models.Order
	payment       *models.Payment
	siblings      []models.Payment
	statusChanged *models.OrderStatusChangedEvent
	refundNeeded  bool
}

// ProcessCallback verifies and applies one gateway notification. Replays of an
// already applied notification succeed without changing anything. Rejected
// callbacks never mutate state.
func (s *PaymentService) ProcessCallback(ctx context.Context, payload *models.CallbackPayload) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessCallback")
	defer span.End()

	res, err := s.processCallback(ctx, payload)
	if err != nil {
		util.SpanError(span, err)
		util.PaymentCallbacksTotal.WithLabelValues(OutcomeRejected).Inc()
		fields := []zap.Field{zap.Error(err)}
		if payload != nil {
			fields = append(fields,
				zap.String("method", string(payload.Method)),
				zap.String("transaction_id", payload.TransactionID),
				zap.String("status", payload.Status))
		}
		s.logger.Warn("Payment callback rejected", fields...)
		return nil, err
	}

	util.PaymentCallbacksTotal.WithLabelValues(res.outcome).Inc()
	s.logger.Info("Payment callback applied",
		zap.Int64("payment_id", res.payment.ID),
		zap.Int64("order_id", res.payment.OrderID),
		zap.String("outcome", res.outcome))

	s.afterSettlement(ctx, res)
	return &CallbackResult{Outcome: res.outcome, Payment: res.payment}, nil
}

func (s *PaymentService) processCallback(ctx context.Context, payload *models.CallbackPayload) (*settlement, error) {
	if payload == nil {
		return nil, newError(KindInvalidCallback, "empty callback")
	}
	gw, ok := s.gateways[payload.Method]
	if !ok {
		return nil, newError(KindInvalidCallback, "no gateway for method %q", payload.Method)
	}
	if err := gw.VerifyCallback(payload); err != nil {
		if KindOf(err) != "" {
			return nil, err
		}
		return nil, &Error{Kind: KindInvalidSignature, Message: "callback verification failed", Err: err}
	}
	outcome, ok := normalizeCallbackStatus(payload.Status)
	if !ok {
		return nil, newError(KindInvalidCallback, "unknown callback status %q", payload.Status)
	}

	target, err := s.resolvePayment(ctx, payload)
	if err != nil {
		return nil, err
	}
	if target.Method != payload.Method {
		return nil, newError(KindInvalidCallback, "payment %d is %s, callback came from %s",
			target.ID, target.Method, payload.Method)
	}

	res := &settlement{outcome: outcome}
	err = s.store.WithTx(ctx, func(q store.Querier) error {
		// Order before payments, the same lock order as cancellation.
		order, err := q.GetOrderForUpdate(ctx, target.OrderID)
		if err != nil {
			return orderLookupError(target.OrderID, err)
		}
		payments, err := q.LockPaymentsByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		var p *models.Payment
		for i := range payments {
			if payments[i].ID == target.ID {
				p = &payments[i]
			} else {
				res.siblings = append(res.siblings, payments[i])
			}
		}
		if p == nil {
			return newError(KindUnknownTransaction, "payment %d disappeared", target.ID)
		}
		res.order, res.payment = order, p

		switch outcome {
		case OutcomeCompleted:
			return s.applyCompleted(ctx, q, res, gw, payload)
		case OutcomeFailed:
			return s.applyFailed(ctx, q, res, gw, payload)
		case OutcomeProcessing:
			return s.applyProcessing(ctx, q, res, gw, payload)
		default:
			return s.applyRefunded(ctx, q, res, gw, payload)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolvePayment finds the payment a callback is about: by gateway transaction id,
// then by the reference we sent, then by order number (newest attempt).
func (s *PaymentService) resolvePayment(ctx context.Context, payload *models.CallbackPayload) (*models.Payment, error) {
	q := s.store.Read()

	if payload.TransactionID != "" {
		p, err := q.GetPaymentByTransactionID(ctx, payload.TransactionID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if ref := payload.AdditionalData[models.CallbackKeyPaymentRef]; ref != "" {
		p, err := q.GetPaymentByReference(ctx, ref)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if number := payload.AdditionalData[models.CallbackKeyOrderNumber]; number != "" {
		order, err := q.GetOrderByNumber(ctx, number)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			payments, err := q.GetPaymentsByOrderID(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			for i := range payments {
				if payments[i].Method == payload.Method {
					return &payments[i], nil
				}
			}
		}
	}

	return nil, newError(KindUnknownTransaction, "no payment matches transaction %q", payload.TransactionID)
}

func (s *PaymentService) applyCompleted(ctx context.Context, q store.Querier, res *settlement, gw PaymentGateway, payload *models.CallbackPayload) error {
	p, order := res.payment, res.order

	if p.Status == models.PaymentStatusCompleted {
		if p.TransactionID == nil || payload.TransactionID == "" || *p.TransactionID == payload.TransactionID {
			res.outcome = OutcomeDuplicate
			return nil
		}
		return newError(KindInvalidPaymentTransition, "payment %d already completed by transaction %s", p.ID, *p.TransactionID)
	}
	if err := CheckPaymentTransition(p, models.PaymentStatusCompleted); err != nil {
		return err
	}
	if !payload.Amount.Equal(p.Amount) {
		return newError(KindAmountMismatch, "payment %d expects %s, callback reports %s",
			p.ID, p.Amount.StringFixed(2), payload.Amount.StringFixed(2))
	}

	now := s.clock()
	p.Status = models.PaymentStatusCompleted
	p.PaidAt = &now
	p.GatewayResponse = gw.Response(payload)
	if payload.TransactionID != "" {
		txID := payload.TransactionID
		p.TransactionID = &txID
	}

	// A capture that lands after the order was cancelled, or on an order another
	// attempt already paid, is refunded straight away.
	reason := ""
	switch {
	case order.Status == models.OrderStatusCancelled:
		reason = "payment captured after order was cancelled"
	case capturedSibling(res.siblings) != nil:
		reason = refundReasonDuplicateCapture
	}
	if reason != "" {
		p.RefundRequestedAt = &now
		p.RefundReason = &reason
		res.refundNeeded = true
	}
	if err := q.UpdatePayment(ctx, p); err != nil {
		return err
	}
	if err := q.UpdateOrderPaymentStatus(ctx, order.ID, models.OrderPaymentPaid); err != nil {
		return fmt.Errorf("failed to update order payment status: %w", err)
	}
	order.PaymentStatus = models.OrderPaymentPaid

	if order.Status == models.OrderStatusPending {
		event, err := s.orders.applyTransition(ctx, q, order, models.OrderStatusConfirmed, GatewayActor(p.Method), "payment completed")
		if err != nil {
			return err
		}
		res.statusChanged = event
	}
	return nil
}

func (s *PaymentService) applyFailed(ctx context.Context, q store.Querier, res *settlement, gw PaymentGateway, payload *models.CallbackPayload) error {
	p := res.payment
	if p.Status == models.PaymentStatusFailed {
		res.outcome = OutcomeDuplicate
		return nil
	}
	if err := CheckPaymentTransition(p, models.PaymentStatusFailed); err != nil {
		return err
	}

	p.Status = models.PaymentStatusFailed
	p.GatewayResponse = gw.Response(payload)
	if payload.TransactionID != "" && p.TransactionID == nil {
		txID := payload.TransactionID
		p.TransactionID = &txID
	}
	return q.UpdatePayment(ctx, p)
}

func (s *PaymentService) applyProcessing(ctx context.Context, q store.Querier, res *settlement, gw PaymentGateway, payload *models.CallbackPayload) error {
	p := res.payment
	if p.Status == models.PaymentStatusProcessing {
		res.outcome = OutcomeDuplicate
		return nil
	}
	if err := CheckPaymentTransition(p, models.PaymentStatusProcessing); err != nil {
		return err
	}

	p.Status = models.PaymentStatusProcessing
	p.GatewayResponse = gw.Response(payload)
	if payload.TransactionID != "" && p.TransactionID == nil {
		txID := payload.TransactionID
		p.TransactionID = &txID
	}
	return q.UpdatePayment(ctx, p)
}

func (s *PaymentService) applyRefunded(ctx context.Context, q store.Querier, res *settlement, gw PaymentGateway, payload *models.CallbackPayload) error {
	p, order := res.payment, res.order
	if p.RefundedAt != nil {
		res.outcome = OutcomeDuplicate
		return nil
	}
	if err := CheckPaymentTransition(p, models.PaymentStatusRefunded); err != nil {
		return err
	}

	amount := payload.Amount
	if !amount.IsPositive() {
		amount = p.Amount
	}
	if amount.GreaterThan(p.Amount) {
		return newError(KindAmountMismatch, "refund of %s exceeds payment %d amount %s",
			amount.StringFixed(2), p.ID, p.Amount.StringFixed(2))
	}

	now := s.clock()
	p.RefundAmount = decimal.NewNullDecimal(amount)
	p.RefundedAt = &now
	if p.RefundReason == nil {
		reason := payload.AdditionalData[models.CallbackKeyReason]
		if reason == "" {
			reason = "refunded by " + string(p.Method)
		}
		p.RefundReason = &reason
	}
	if err := q.UpdatePayment(ctx, p); err != nil {
		return err
	}

	// Another capture still holds money: the order stays paid, and a cancellation
	// waits until that capture is refunded too.
	if sibling := capturedSibling(res.siblings); sibling != nil {
		s.logger.Info("Refund recorded, order still holds another capture",
			zap.Int64("order_id", order.ID),
			zap.Int64("payment_id", p.ID),
			zap.Int64("open_payment_id", sibling.ID))
		return nil
	}

	if err := q.UpdateOrderPaymentStatus(ctx, order.ID, models.OrderPaymentRefunded); err != nil {
		return fmt.Errorf("failed to update order payment status: %w", err)
	}
	order.PaymentStatus = models.OrderPaymentRefunded

	// Only a refund we asked for as part of a cancellation cancels the order.
	if p.RefundRequestedAt == nil || isDuplicateCapture(p) || order.Status == models.OrderStatusCancelled {
		return nil
	}
	if err := CheckOrderTransition(order.Status, models.OrderStatusCancelled, RoleGateway); err != nil {
		s.logger.Warn("Refund recorded but order cannot be cancelled",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}
	event, err := s.orders.applyTransition(ctx, q, order, models.OrderStatusCancelled, GatewayActor(p.Method), *p.RefundReason)
	if err != nil {
		return err
	}
	res.statusChanged = event
	return nil
}

const refundReasonDuplicateCapture = "duplicate capture"

// capturedSibling returns a completed payment whose money has not been refunded yet
func capturedSibling(payments []models.Payment) *models.Payment {
	for i := range payments {
		if payments[i].Status == models.PaymentStatusCompleted && payments[i].RefundedAt == nil {
			return &payments[i]
		}
	}
	return nil
}

func isDuplicateCapture(p *models.Payment) bool {
	return p.RefundReason != nil && *p.RefundReason == refundReasonDuplicateCapture
}

func (s *PaymentService) afterSettlement(ctx context.Context, res *settlement) {
	if res.outcome == OutcomeDuplicate || res.outcome == OutcomeProcessing {
		return
	}

	p := res.payment
	event := &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			Timestamp: s.clock(),
		},
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		UserID:    res.order.UserID,
		Amount:    p.Amount,
	}
	if p.TransactionID != nil {
		event.TransactionID = *p.TransactionID
	}
	switch res.outcome {
	case OutcomeCompleted:
		event.EventType = models.EventTypePaymentCompleted
	case OutcomeFailed:
		event.EventType = models.EventTypePaymentFailed
	case OutcomeRefunded:
		event.EventType = models.EventTypePaymentRefunded
		event.Amount = p.RefundAmount.Decimal
		if p.RefundReason != nil {
			event.Reason = *p.RefundReason
		}
	}
	notify(s.logger, event.EventType, func() error {
		return s.events.PublishPaymentEvent(ctx, event)
	})

	s.orders.publishStatusChanged(ctx, res.statusChanged)
	if res.refundNeeded {
		s.orders.requestRefund(ctx, p)
	}
}

// RequestRefund asks the gateway to refund a payment that was marked for refund. The
// gateway's refunded callback completes it. A gateway failure is reported and the
// payment stays refund-requested for manual reconciliation.
func (s *PaymentService) RequestRefund(ctx context.Context, paymentID int64) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.RequestRefund")
	defer span.End()

	p, err := s.store.Read().GetPaymentByID(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindPaymentNotFound, "payment %d not found", paymentID)
	}
	if err != nil {
		return err
	}

	switch p.EffectiveStatus() {
	case models.PaymentStatusRefunded:
		s.logger.Info("Payment already refunded", zap.Int64("payment_id", p.ID))
		return nil
	case models.PaymentStatusRefunding:
	default:
		return newError(KindInvalidPaymentTransition, "payment %d is %s, not awaiting refund", p.ID, p.EffectiveStatus())
	}

	gw, ok := s.gateways[p.Method]
	if !ok {
		util.RefundRequestsFailedTotal.Inc()
		s.logger.Warn("No gateway to refund payment, needs manual reconciliation",
			zap.Int64("payment_id", p.ID),
			zap.String("method", string(p.Method)))
		return fmt.Errorf("payment %d: method %s has no refund gateway", p.ID, p.Method)
	}

	reason := ""
	if p.RefundReason != nil {
		reason = *p.RefundReason
	}
	if err := gw.Refund(ctx, p, p.Amount, reason); err != nil {
		util.SpanError(span, err)
		util.RefundRequestsFailedTotal.Inc()
		s.logger.Error("Gateway refund request failed",
			zap.Int64("payment_id", p.ID),
			zap.Int64("order_id", p.OrderID),
			zap.Error(err))
		return fmt.Errorf("failed to request refund for payment %d: %w", p.ID, err)
	}

	s.logger.Info("Refund requested from gateway",
		zap.Int64("payment_id", p.ID),
		zap.String("amount", p.Amount.StringFixed(2)))
	return nil
}
