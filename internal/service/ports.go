package service

import (
	"context"
	"fmt"

	"petcare-checkout/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartStore is the cart boundary. ClearCart is only called after an order commits.
type CartStore interface {
	GetCart(ctx context.Context, userID int64) ([]models.CartItem, error)
	ClearCart(ctx context.Context, userID int64) error
}

// EventPublisher is the fire-and-forget notification boundary
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
	PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error
}

// PaymentGateway is one external payment provider
type PaymentGateway interface {
	// RedirectURL maps a payment to the provider's checkout URL. It has no side effects.
	RedirectURL(payment *models.Payment, order *models.Order) (string, error)
	// VerifyCallback checks the signature and origin of a callback payload.
	VerifyCallback(payload *models.CallbackPayload) error
	// Response extracts the tagged gateway response stored on the payment.
	Response(payload *models.CallbackPayload) models.GatewayResponse
	// Refund asks the provider to refund amount of a captured payment.
	Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) error
}

// Role of whoever drives a transition
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleGateway  Role = "gateway"
	RoleSystem   Role = "system"
)

// Actor is the explicit caller identity threaded through every operation
type Actor struct {
	Role Role
	ID   int64
	Name string
}

// Customer returns the actor for an end user
func Customer(userID int64) Actor { return Actor{Role: RoleCustomer, ID: userID} }

// Operator returns the actor for back-office staff
func Operator(staffID int64) Actor { return Actor{Role: RoleOperator, ID: staffID} }

// GatewayActor returns the actor for a gateway callback
func GatewayActor(method models.PaymentMethod) Actor {
	return Actor{Role: RoleGateway, Name: string(method)}
}

// System is the actor for internal follow-ups
var System = Actor{Role: RoleSystem, Name: "system"}

func (a Actor) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s:%s", a.Role, a.Name)
	}
	return fmt.Sprintf("%s:%d", a.Role, a.ID)
}

// canSee reports whether the actor may read or act on an order of userID
func (a Actor) canSee(userID int64) bool {
	return a.Role != RoleCustomer || a.ID == userID
}

// notify runs a publish call and only logs its failure; notifications never undo state.
func notify(logger *zap.Logger, what string, publish func() error) {
	if err := publish(); err != nil {
		logger.Error("Failed to publish event", zap.String("event", what), zap.Error(err))
	}
}
