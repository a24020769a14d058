package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderDetails is an order with everything hanging off it
type OrderDetails struct {
	Order    models.Order                `json:"order"`
	Items    []models.OrderItem          `json:"items"`
	History  []models.OrderStatusHistory `json:"history"`
	Payments []models.Payment            `json:"payments,omitempty"`
}

// TransitionRequest asks for an order status change
type TransitionRequest struct {
	OrderID int64
	To      models.OrderStatus
	// Expected, when set, is the status the caller last saw; a different current
	// status fails with ConcurrentStatusConflict.
	Expected models.OrderStatus
	Actor    Actor
	Note     string
}

// CancelResult is the outcome of a cancellation. When the order was already paid the
// order keeps its status, RefundPending is set and the order is cancelled once the
// gateway confirms the refund of every payment in Payments.
type CancelResult struct {
	Order         *models.Order    `json:"order"`
	RefundPending bool             `json:"refund_pending"`
	Payments      []models.Payment `json:"payments,omitempty"`
}

// OrderService owns the order state machine and order reads
type OrderService struct {
	store  store.Transactor
	stock  *StockReservation
	events EventPublisher
	logger *zap.Logger
	clock  func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(st store.Transactor, stock *StockReservation, events EventPublisher) *OrderService {
	return &OrderService{
		store:  st,
		stock:  stock,
		events: events,
		logger: util.GetLogger(),
		clock:  time.Now,
	}
}

func orderLookupError(orderID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindOrderNotFound, "order %d not found", orderID)
	}
	return fmt.Errorf("failed to load order: %w", err)
}

// GetOrder retrieves an order with items, history and payments
func (s *OrderService) GetOrder(ctx context.Context, orderID int64, actor Actor) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	q := s.store.Read()
	order, err := q.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, orderLookupError(orderID, err)
	}
	if !actor.canSee(order.UserID) {
		return nil, newError(KindOrderNotFound, "order %d not found", orderID)
	}
	return loadDetails(ctx, q, order)
}

func loadDetails(ctx context.Context, q store.Querier, order *models.Order) (*OrderDetails, error) {
	items, err := q.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	history, err := q.GetStatusHistory(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	payments, err := q.GetPaymentsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: *order, Items: items, History: history, Payments: payments}, nil
}

// ListOrders retrieves the orders of a user
func (s *OrderService) ListOrders(ctx context.Context, userID int64, actor Actor) ([]models.Order, error) {
	if !actor.canSee(userID) {
		return nil, newError(KindForbidden, "cannot list orders of another user")
	}
	return s.store.Read().GetOrdersByUserID(ctx, userID)
}

// Transition moves an order to req.To. Cancellation goes through Cancel.
func (s *OrderService) Transition(ctx context.Context, req TransitionRequest) (*models.Order, error) {
	if req.To == models.OrderStatusCancelled {
		res, err := s.Cancel(ctx, req.OrderID, req.Actor, req.Note)
		if err != nil {
			return nil, err
		}
		return res.Order, nil
	}

	ctx, span := util.StartSpan(ctx, "OrderService.Transition")
	defer span.End()

	var (
		order *models.Order
		event *models.OrderStatusChangedEvent
	)
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		var err error
		order, err = q.GetOrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return orderLookupError(req.OrderID, err)
		}
		if req.Expected != "" && req.Expected != order.Status {
			return newError(KindConcurrentStatusConflict, "order %d is %s, expected %s", order.ID, order.Status, req.Expected)
		}
		if err := CheckOrderTransition(order.Status, req.To, req.Actor.Role); err != nil {
			return err
		}
		event, err = s.applyTransition(ctx, q, order, req.To, req.Actor, req.Note)
		return err
	})
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	s.publishStatusChanged(ctx, event)
	return order, nil
}

// Cancel cancels an order. A captured payment is not left collected: the payment is
// marked refund-requested and the cancellation completes when the refund is recorded.
func (s *OrderService) Cancel(ctx context.Context, orderID int64, actor Actor, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	if reason == "" {
		reason = "cancelled by " + actor.String()
	}

	var (
		result  = &CancelResult{}
		event   *models.OrderStatusChangedEvent
		refunds []models.Payment
	)
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		order, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(orderID, err)
		}
		if !actor.canSee(order.UserID) {
			return newError(KindOrderNotFound, "order %d not found", orderID)
		}
		if err := CheckOrderTransition(order.Status, models.OrderStatusCancelled, actor.Role); err != nil {
			return err
		}
		result.Order = order

		payments, err := q.LockPaymentsByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		// Every capture still holding money is refunded; the order is cancelled when
		// the last refund lands.
		for i := range payments {
			p := &payments[i]
			if p.Status != models.PaymentStatusCompleted || p.RefundedAt != nil {
				continue
			}
			requested := p.RefundRequestedAt == nil
			if requested {
				now := s.clock()
				p.RefundRequestedAt = &now
			}
			if requested || isDuplicateCapture(p) {
				p.RefundReason = &reason
				if err := q.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
			if requested {
				refunds = append(refunds, *p)
			}
			result.Payments = append(result.Payments, *p)
		}
		if len(result.Payments) > 0 {
			result.RefundPending = true
			return nil
		}

		event, err = s.applyTransition(ctx, q, order, models.OrderStatusCancelled, actor, reason)
		return err
	})
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	if result.RefundPending {
		s.logger.Info("Cancellation waiting for refund",
			zap.Int64("order_id", orderID),
			zap.Int("payments", len(result.Payments)))
		for i := range refunds {
			s.requestRefund(ctx, &refunds[i])
		}
		return result, nil
	}

	s.publishStatusChanged(ctx, event)
	return result, nil
}

// applyTransition writes one status change, its history row and its side effects.
// order must have been read under lock in the same transaction.
func (s *OrderService) applyTransition(ctx context.Context, q store.Querier, order *models.Order, to models.OrderStatus, actor Actor, note string) (*models.OrderStatusChangedEvent, error) {
	from := order.Status
	ok, err := q.UpdateOrderStatus(ctx, order.ID, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(KindConcurrentStatusConflict, "order %d is no longer %s", order.ID, from)
	}

	h := &models.OrderStatusHistory{
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  actor.String(),
	}
	if note != "" {
		h.Note = &note
	}
	if err := q.AppendStatusHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to append status history: %w", err)
	}

	if to == models.OrderStatusCancelled {
		items, err := q.GetOrderItemsByOrderID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if err := s.stock.Release(ctx, q, items); err != nil {
			return nil, err
		}
	}

	order.Status = to
	return &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: s.clock(),
		},
		OrderID:    order.ID,
		UserID:     order.UserID,
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  actor.String(),
	}, nil
}

func (s *OrderService) publishStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) {
	if event == nil {
		return
	}
	util.OrderTransitionsTotal.WithLabelValues(string(event.ToStatus)).Inc()
	s.logger.Info("Order status changed",
		zap.Int64("order_id", event.OrderID),
		zap.String("from", string(event.FromStatus)),
		zap.String("to", string(event.ToStatus)),
		zap.String("by", event.ChangedBy))

	notify(s.logger, event.EventType, func() error {
		return s.events.PublishOrderStatusChanged(ctx, event)
	})
}

func (s *OrderService) requestRefund(ctx context.Context, p *models.Payment) {
	reason := ""
	if p.RefundReason != nil {
		reason = *p.RefundReason
	}
	event := &models.RefundRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundRequested,
			Timestamp: s.clock(),
		},
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
		Reason:    reason,
	}
	notify(s.logger, event.EventType, func() error {
		return s.events.PublishRefundRequested(ctx, event)
	})
}
