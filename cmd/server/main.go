package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"petcare-checkout/config"
	"petcare-checkout/internal/api"
	"petcare-checkout/internal/broker"
	"petcare-checkout/internal/gateway"
	"petcare-checkout/internal/models"
	"petcare-checkout/internal/redisclient"
	"petcare-checkout/internal/service"
	"petcare-checkout/internal/store"
	"petcare-checkout/internal/util"
	"petcare-checkout/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func gatewayConfig(c config.GatewayConfig) gateway.Config {
	return gateway.Config{
		BaseURL:      c.BaseURL,
		MerchantCode: c.MerchantCode,
		Secret:       c.Secret,
		ReturnURL:    c.ReturnURL,
		RefundURL:    c.RefundURL,
		Timeout:      c.Timeout,
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting petcare checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("petcare-checkout", cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
	defer orderProducer.Close()
	paymentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer paymentProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer, paymentProducer)

	gateways := map[models.PaymentMethod]service.PaymentGateway{}
	if cfg.VNPay.Enabled {
		gateways[models.PaymentMethodVNPay] = gateway.NewVNPay(gatewayConfig(cfg.VNPay))
	}
	if cfg.MoMo.Enabled {
		gateways[models.PaymentMethodMoMo] = gateway.NewMoMo(gatewayConfig(cfg.MoMo))
	}

	var policy service.EligibilityPolicy = service.AllowAll{}
	if cfg.Business.EnforceVoucherCategories {
		policy = service.CategoryPolicy{}
	}

	stock := service.NewStockReservation()
	pricing := service.NewPricingCalculator(cfg.Business.ShippingFee(), cfg.Business.FreeShippingThreshold())
	vouchers := service.NewVoucherEngine(policy)
	orderService := service.NewOrderService(db, stock, eventPublisher)
	checkoutService := service.NewCheckoutService(db, redisClient, pricing, vouchers, stock, eventPublisher)
	paymentService := service.NewPaymentService(db, orderService, gateways, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationWorker := worker.NewNotificationWorker(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.NotificationGroup),
		worker.NewLogNotifier(),
	)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	paymentNotificationWorker := worker.NewNotificationWorker(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.NotificationGroup),
		worker.NewLogNotifier(),
	)
	go func() {
		if err := paymentNotificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment notification worker error", zap.Error(err))
		}
	}()

	refundWorker := worker.NewRefundWorker(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.RefundWorkerGroup),
		paymentService,
	)
	go func() {
		if err := refundWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Refund worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, orderService, paymentService, map[string]api.ReadinessCheck{
		"postgres": db.Ping,
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	notificationWorker.Stop()
	paymentNotificationWorker.Stop()
	refundWorker.Stop()

	logger.Info("Server exited")
}
