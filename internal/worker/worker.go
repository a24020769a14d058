package worker

import (
	"context"
	"fmt"

	"petcare-checkout/internal/broker"
	"petcare-checkout/internal/models"
	"petcare-checkout/internal/util"

	"go.uber.org/zap"
)

// Source is a stream of Kafka messages, satisfied by *broker.Consumer
type Source interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Notifier delivers a user-facing notification
type Notifier interface {
	Notify(ctx context.Context, userID int64, message string) error
}

// LogNotifier writes notifications to the log; delivery channels live elsewhere
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.Component("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, userID int64, message string) error {
	n.logger.Info("Notify user", zap.Int64("user_id", userID), zap.String("message", message))
	return nil
}

// NotificationWorker turns order and payment events into user notifications
type NotificationWorker struct {
	source   Source
	handler  *broker.EventHandler
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(source Source, notifier Notifier) *NotificationWorker {
	w := &NotificationWorker{
		source:   source,
		handler:  broker.NewEventHandler(),
		notifier: notifier,
		logger:   util.Component("notification-worker"),
	}

	w.handler.OnOrderCreated(func(ctx context.Context, e *models.OrderCreatedEvent) error {
		return w.notifier.Notify(ctx, e.UserID,
			fmt.Sprintf("Order %s placed, total %s", e.OrderNumber, e.FinalAmount.StringFixed(2)))
	})
	w.handler.OnOrderStatusChanged(func(ctx context.Context, e *models.OrderStatusChangedEvent) error {
		return w.notifier.Notify(ctx, e.UserID,
			fmt.Sprintf("Order #%d is now %s", e.OrderID, e.ToStatus))
	})
	w.handler.OnPaymentEvent(func(ctx context.Context, e *models.PaymentEvent) error {
		return w.notifier.Notify(ctx, e.UserID, paymentMessage(e))
	})
	return w
}

func paymentMessage(e *models.PaymentEvent) string {
	switch e.EventType {
	case models.EventTypePaymentCompleted:
		return fmt.Sprintf("Payment of %s for order #%d received", e.Amount.StringFixed(2), e.OrderID)
	case models.EventTypePaymentRefunded:
		return fmt.Sprintf("Refund of %s for order #%d completed", e.Amount.StringFixed(2), e.OrderID)
	default:
		return fmt.Sprintf("Payment for order #%d failed, you can try again", e.OrderID)
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.source.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.source.Close()
}

// Refunder asks a gateway to refund a payment, satisfied by *service.PaymentService
type Refunder interface {
	RequestRefund(ctx context.Context, paymentID int64) error
}

// RefundWorker calls the gateway for every RefundRequested event. Failures are
// reported by the refunder and not retried.
type RefundWorker struct {
	source   Source
	handler  *broker.EventHandler
	refunder Refunder
	logger   *zap.Logger
}

// NewRefundWorker creates a new refund worker
func NewRefundWorker(source Source, refunder Refunder) *RefundWorker {
	w := &RefundWorker{
		source:   source,
		handler:  broker.NewEventHandler(),
		refunder: refunder,
		logger:   util.Component("refund-worker"),
	}
	w.handler.OnRefundRequested(func(ctx context.Context, e *models.RefundRequestedEvent) error {
		w.logger.Info("Processing refund request",
			zap.Int64("payment_id", e.PaymentID),
			zap.Int64("order_id", e.OrderID))
		return w.refunder.RequestRefund(ctx, e.PaymentID)
	})
	return w
}

// Start starts the refund worker
func (w *RefundWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting refund worker")
	return w.source.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the refund worker
func (w *RefundWorker) Stop() error {
	w.logger.Info("Stopping refund worker")
	return w.source.Close()
}
