package service

import "petcare-checkout/internal/models"

var nextOrderStatus = map[models.OrderStatus]models.OrderStatus{
	models.OrderStatusPending:   models.OrderStatusConfirmed,
	models.OrderStatusConfirmed: models.OrderStatusPreparing,
	models.OrderStatusPreparing: models.OrderStatusShipped,
	models.OrderStatusShipped:   models.OrderStatusDelivered,
}

var orderStatusRank = map[models.OrderStatus]int{
	models.OrderStatusPending:   0,
	models.OrderStatusConfirmed: 1,
	models.OrderStatusPreparing: 2,
	models.OrderStatusShipped:   3,
	models.OrderStatusDelivered: 4,
}

// ValidOrderStatus reports whether s is a status an order can be moved to
func ValidOrderStatus(s models.OrderStatus) bool {
	_, ok := orderStatusRank[s]
	return ok || s == models.OrderStatusCancelled
}

// CheckOrderTransition validates from -> to for the given role. Orders move one step
// forward at a time; cancelled is reachable from every state before delivered;
// operators may move an order back to an earlier state as a correction.
func CheckOrderTransition(from, to models.OrderStatus, role Role) error {
	if role == RoleCustomer && to != models.OrderStatusCancelled {
		return newError(KindForbidden, "customers can only cancel orders")
	}
	if from == to || from == models.OrderStatusCancelled || !ValidOrderStatus(to) {
		return newError(KindInvalidOrderTransition, "cannot move order from %s to %s", from, to)
	}
	if to == models.OrderStatusCancelled {
		if from == models.OrderStatusDelivered {
			return newError(KindInvalidOrderTransition, "cannot cancel a delivered order")
		}
		return nil
	}
	if nextOrderStatus[from] == to {
		return nil
	}
	if role == RoleOperator {
		rf, okFrom := orderStatusRank[from]
		rt, okTo := orderStatusRank[to]
		if okFrom && okTo && rt < rf {
			return nil
		}
	}
	return newError(KindInvalidOrderTransition, "cannot move order from %s to %s", from, to)
}

var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending:    {models.PaymentStatusProcessing, models.PaymentStatusCompleted, models.PaymentStatusFailed},
	models.PaymentStatusProcessing: {models.PaymentStatusCompleted, models.PaymentStatusFailed},
	models.PaymentStatusCompleted:  {models.PaymentStatusRefunding, models.PaymentStatusRefunded},
	models.PaymentStatusRefunding:  {models.PaymentStatusRefunded},
}

// CheckPaymentTransition validates moving a payment from its effective state to to
func CheckPaymentTransition(p *models.Payment, to models.PaymentStatus) error {
	from := p.EffectiveStatus()
	for _, next := range paymentTransitions[from] {
		if next == to {
			return nil
		}
	}
	return newError(KindInvalidPaymentTransition, "payment %d cannot move from %s to %s", p.ID, from, to)
}
