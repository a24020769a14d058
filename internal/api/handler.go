package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/service"
	"petcare-checkout/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Identity headers set by the gateway in front of this service
const (
	HeaderUserID         = "X-User-ID"
	HeaderOperatorID     = "X-Operator-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	actorKey = "actor"
)

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
	orders   *service.OrderService
	payments *service.PaymentService
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.CheckoutService, orders *service.OrderService, payments *service.PaymentService, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		checkout: checkout,
		orders:   orders,
		payments: payments,
		checks:   checks,
		logger:   util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	// Gateways authenticate by signature, not by identity headers.
	v1.POST("/payments/callback/:method", h.paymentCallback)

	authed := v1.Group("", actorMiddleware())
	{
		authed.POST("/checkout", h.checkoutOrder)
		authed.POST("/vouchers/validate", h.validateVoucher)

		authed.GET("/users/me/orders", h.listMyOrders)
		authed.GET("/users/:id/orders", h.listUserOrders)

		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/status", h.transitionOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.POST("/orders/:id/payments", h.createPayment)
		authed.GET("/orders/:id/payments", h.listPayments)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": failed})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// actorMiddleware resolves the caller from the identity headers
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(HeaderOperatorID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid operator id")
				return
			}
			c.Set(actorKey, service.Operator(id))
			c.Next()
			return
		}

		id, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
		if err != nil || id <= 0 {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid user id")
			return
		}
		c.Set(actorKey, service.Customer(id))
		c.Next()
	}
}

func actorOf(c *gin.Context) service.Actor {
	return c.MustGet(actorKey).(service.Actor)
}

func abortJSON(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "message": message})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abortJSON(c, http.StatusBadRequest, string(service.KindValidation), "invalid "+name)
		return 0, false
	}
	return id, true
}

// checkoutOrder handles order creation
func (h *Handler) checkoutOrder(c *gin.Context) {
	actor := actorOf(c)
	if actor.Role != service.RoleCustomer {
		abortJSON(c, http.StatusForbidden, string(service.KindForbidden), "only customers can check out")
		return
	}

	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}
	req.UserID = actor.ID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(HeaderIdempotencyKey)
	}

	details, err := h.checkout.Checkout(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, details)
}

type validateVoucherRequest struct {
	Code        string          `json:"code" binding:"required"`
	OrderAmount decimal.Decimal `json:"order_amount"`
	// UserID names the customer an operator checks the voucher for
	UserID int64 `json:"user_id"`
}

// validateVoucher checks a voucher against the caller's own usage, or for operators
// against the named customer's usage
func (h *Handler) validateVoucher(c *gin.Context) {
	var req validateVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	actor := actorOf(c)
	userID := actor.ID
	switch actor.Role {
	case service.RoleCustomer:
		if req.UserID != 0 && req.UserID != actor.ID {
			abortJSON(c, http.StatusForbidden, string(service.KindForbidden), "customers validate vouchers for themselves")
			return
		}
	case service.RoleOperator:
		if req.UserID <= 0 {
			abortJSON(c, http.StatusBadRequest, string(service.KindValidation), "user_id is required for operators")
			return
		}
		userID = req.UserID
	default:
		abortJSON(c, http.StatusForbidden, string(service.KindForbidden), "vouchers are validated for customers")
		return
	}

	discount, err := h.checkout.ValidateVoucher(c.Request.Context(), userID, req.Code, req.OrderAmount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, discount)
}

func (h *Handler) listMyOrders(c *gin.Context) {
	actor := actorOf(c)
	h.listOrders(c, actor.ID, actor)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.listOrders(c, userID, actorOf(c))
}

func (h *Handler) listOrders(c *gin.Context, userID int64, actor service.Actor) {
	orders, err := h.orders.ListOrders(c.Request.Context(), userID, actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	details, err := h.orders.GetOrder(c.Request.Context(), orderID, actorOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type transitionRequest struct {
	Status         models.OrderStatus `json:"status" binding:"required"`
	ExpectedStatus models.OrderStatus `json:"expected_status"`
	Note           string             `json:"note"`
}

func (h *Handler) transitionOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	order, err := h.orders.Transition(c.Request.Context(), service.TransitionRequest{
		OrderID:  orderID,
		To:       req.Status,
		Expected: req.ExpectedStatus,
		Actor:    actorOf(c),
		Note:     req.Note,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	// The body is optional, but a body that is sent must be valid.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortJSON(c, http.StatusBadRequest, string(service.KindValidation), err.Error())
			return
		}
	}

	res, err := h.orders.Cancel(c.Request.Context(), orderID, actorOf(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.RefundPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) createPayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	intent, err := h.payments.CreatePayment(c.Request.Context(), orderID, actorOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (h *Handler) listPayments(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payments, err := h.payments.GetPayments(c.Request.Context(), orderID, actorOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

type callbackRequest struct {
	TransactionID  string            `json:"transaction_id"`
	Status         string            `json:"status" binding:"required"`
	Amount         decimal.Decimal   `json:"amount"`
	AdditionalData map[string]string `json:"additional_data"`
}

// paymentCallback answers 200 for applied and replayed callbacks and 4xx for rejected
// ones.
func (h *Handler) paymentCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, string(service.KindInvalidCallback), err.Error())
		return
	}

	res, err := h.payments.ProcessCallback(c.Request.Context(), &models.CallbackPayload{
		Method:         models.PaymentMethod(c.Param("method")),
		TransactionID:  req.TransactionID,
		Status:         req.Status,
		Amount:         req.Amount,
		AdditionalData: req.AdditionalData,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

var kindStatus = map[service.Kind]int{
	service.KindValidation:               http.StatusBadRequest,
	service.KindInvalidQuantity:          http.StatusBadRequest,
	service.KindEmptyCart:                http.StatusBadRequest,
	service.KindInvalidCallback:          http.StatusBadRequest,
	service.KindInvalidSignature:         http.StatusUnauthorized,
	service.KindForbidden:                http.StatusForbidden,
	service.KindOrderNotFound:            http.StatusNotFound,
	service.KindPaymentNotFound:          http.StatusNotFound,
	service.KindVoucherNotFound:          http.StatusNotFound,
	service.KindUnknownTransaction:       http.StatusNotFound,
	service.KindInsufficientStock:        http.StatusConflict,
	service.KindVoucherUsageLimitReached: http.StatusConflict,
	service.KindInvalidOrderTransition:   http.StatusConflict,
	service.KindInvalidPaymentTransition: http.StatusConflict,
	service.KindConcurrentStatusConflict: http.StatusConflict,
	service.KindProductUnavailable:       http.StatusUnprocessableEntity,
	service.KindVoucherInactiveOrExpired: http.StatusUnprocessableEntity,
	service.KindOrderBelowMinimum:        http.StatusUnprocessableEntity,
	service.KindVoucherNotApplicable:     http.StatusUnprocessableEntity,
	service.KindAmountMismatch:           http.StatusUnprocessableEntity,
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	var e *service.Error
	message := err.Error()
	if errors.As(err, &e) {
		message = e.Message
	}
	abortJSON(c, status, string(kind), message)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
