package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events; order events keyed by order, payment and
// refund events on their own topic keyed by order as well.
type EventPublisher struct {
	orders   *Producer
	payments *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, payments *Producer) *EventPublisher {
	return &EventPublisher{orders: orders, payments: payments}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentEvent publishes PaymentCompleted, PaymentFailed and PaymentRefunded events
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.payments.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundRequested publishes RefundRequested event
func (ep *EventPublisher) PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error {
	return ep.payments.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderCreated       func(context.Context, *models.OrderCreatedEvent) error
	onOrderStatusChanged func(context.Context, *models.OrderStatusChangedEvent) error
	onPaymentEvent       func(context.Context, *models.PaymentEvent) error
	onRefundRequested    func(context.Context, *models.RefundRequestedEvent) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("events")}
}

// OnOrderCreated registers a handler for OrderCreated events
func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.onOrderCreated = handler
}

// OnOrderStatusChanged registers a handler for OrderStatusChanged events
func (eh *EventHandler) OnOrderStatusChanged(handler func(context.Context, *models.OrderStatusChangedEvent) error) {
	eh.onOrderStatusChanged = handler
}

// OnPaymentEvent registers a handler for completed, failed and refunded payments
func (eh *EventHandler) OnPaymentEvent(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPaymentEvent = handler
}

// OnRefundRequested registers a handler for RefundRequested events
func (eh *EventHandler) OnRefundRequested(handler func(context.Context, *models.RefundRequestedEvent) error) {
	eh.onRefundRequested = handler
}

func dispatch[T any](ctx context.Context, value []byte, handler func(context.Context, *T) error) error {
	if handler == nil {
		return nil
	}
	var event T
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", event, err)
	}
	return handler(ctx, &event)
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderCreated:
		return dispatch(ctx, msg.Value, eh.onOrderCreated)
	case models.EventTypeOrderStatusChanged:
		return dispatch(ctx, msg.Value, eh.onOrderStatusChanged)
	case models.EventTypePaymentCompleted, models.EventTypePaymentFailed, models.EventTypePaymentRefunded:
		return dispatch(ctx, msg.Value, eh.onPaymentEvent)
	case models.EventTypeRefundRequested:
		return dispatch(ctx, msg.Value, eh.onRefundRequested)
	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}
	return nil
}
