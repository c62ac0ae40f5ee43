package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/common/auth"
	apperrors "fulfillment-service/common/errors"
	"fulfillment-service/common/logger"
	commonmw "fulfillment-service/common/middleware"
	"fulfillment-service/controllers"
	"fulfillment-service/database"
	"fulfillment-service/middleware"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/providers"
	"fulfillment-service/repository"
	"fulfillment-service/routes"
	servicepkg "fulfillment-service/services"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	serviceName = "fulfillment-service"
	// Stripe retries failed deliveries for up to three days.
	webhookDedupTTL = 72 * time.Hour
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	// AWS clients are optional; without them side channels degrade to logs.
	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)

	var secrets aws_pkg.SecretGetter
	if os.Getenv("AWS_USE_SECRETS") == "true" && awsErr == nil {
		secrets = aws_pkg.NewSecretsClient(awsCfg)
	}
	cfg, err := LoadConfig(ctx, secrets)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var cwWriter *aws_pkg.CloudWatchLogsClient
	if cfg.CloudWatchEnabled && awsErr == nil {
		if cwWriter, err = aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.LogGroup, serviceName); err != nil {
			log.Printf("CloudWatch logs unavailable: %v", err)
			cwWriter = nil
		}
	}
	var appLogger *zap.Logger
	if cwWriter != nil {
		appLogger, err = logger.New(cfg.AppEnv, cwWriter)
	} else {
		appLogger, err = logger.New(cfg.AppEnv, nil)
	}
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer appLogger.Sync() //nolint:errcheck

	if awsErr != nil {
		appLogger.Warn("AWS config unavailable, SNS/SQS/S3/CloudWatch disabled", zap.Error(awsErr))
	}

	db, err := database.ConnectPostgres(cfg.Database(), appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db) //nolint:errcheck

	var dedup repository.EventDeduplicator
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, appLogger)
		if err != nil {
			appLogger.Warn("Redis unavailable, webhook dedup relies on conditional updates", zap.Error(err))
		} else {
			defer redisClient.Close() //nolint:errcheck
			dedup = repository.NewRedisEventDeduplicator(redisClient, webhookDedupTTL)
		}
	}
	if dedup == nil && cfg.WebhookDedupTable != "" && awsErr == nil {
		dedup = repository.NewDynamoEventDeduplicator(dynamodb.NewFromConfig(awsCfg), cfg.WebhookDedupTable, webhookDedupTTL)
	}

	var (
		metrics      servicepkg.Metrics
		httpMetrics  commonmw.MetricsRecorder
		snsPublisher aws_pkg.SNSPublisher
		labels       aws_pkg.ObjectStore
	)
	var email servicepkg.EmailSender = servicepkg.NewLogEmailSender(appLogger)
	if awsErr == nil {
		mc := aws_pkg.NewMetricsClient(awsCfg, cfg.MetricsNamespace, cfg.CloudWatchEnabled)
		metrics, httpMetrics = mc, mc
		snsPublisher = aws_pkg.NewSNSClient(awsCfg)
		if cfg.EmailQueueURL != "" {
			email = servicepkg.NewQueueEmailSender(aws_pkg.NewSQSProducer(awsCfg, cfg.EmailQueueURL))
		}
		if cfg.LabelBucket != "" {
			labels = aws_pkg.NewS3Store(awsCfg, cfg.LabelBucket)
		}
	}

	// Repositories
	orderRepo := repository.NewGormOrderRepository(db)
	paymentRepo := repository.NewGormPaymentRepo(db)
	auditRepo := repository.NewGormAuditRepo(db)
	eventRepo := repository.NewGormShipmentEventRepo(db)

	// Side effects
	dispatcher := servicepkg.NewDispatcher(cfg.SideEffectWorkers, cfg.SideEffectQueueSize, 10*time.Second, metrics, appLogger)
	notifier := servicepkg.NewNotifier(
		dispatcher,
		repository.NewGormNotificationRepo(db),
		email,
		snsPublisher,
		cfg.OrderSNSTopicARN,
		metrics,
		appLogger,
	)

	// Providers and DI chain
	shippo := providers.NewShippoProvider(cfg.ShippoAPIKey, cfg.ShippoBaseURL)
	stripeGateway := providers.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)

	checkoutService := servicepkg.NewCheckoutService(orderRepo, repository.NewGormCatalogRepo(db), repository.NewGormCartRepo(db), cfg.Pricing(), notifier, appLogger)
	orderService := servicepkg.NewOrderService(orderRepo, auditRepo, notifier, appLogger)
	paymentService := servicepkg.NewPaymentService(orderRepo, paymentRepo, auditRepo, stripeGateway, dedup, notifier, cfg.PaymentCurrency, appLogger)
	shipmentService := servicepkg.NewShipmentService(orderRepo, eventRepo, shippo, labels, notifier, servicepkg.ShipmentConfig{
		Origin:     cfg.OriginAddress(),
		QueuedPoll: cfg.QueuedPoll(),
	}, appLogger)
	reconciler := servicepkg.NewShippingReconciler(orderRepo, shippo, shipmentService, notifier, appLogger)

	authenticator := middleware.NewAuthenticator(auth.NewTokenParser(cfg.JWTSecret), appLogger)
	if cfg.JWTSecret == "" {
		appLogger.Warn("JWT_SECRET not set, only gateway identity headers are accepted")
	}

	limits := routes.Limits{
		Checkout: commonmw.NewRateLimiter(rate.Limit(2), 10, 10*time.Minute),
		Webhooks: commonmw.NewRateLimiter(rate.Limit(50), 100, 10*time.Minute),
	}
	defer limits.Checkout.Stop()
	defer limits.Webhooks.Stop()

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(commonmw.RequestID())
	r.Use(commonmw.RequestLogger(appLogger))
	r.Use(commonmw.SecurityHeaders())
	r.Use(commonmw.CORSMiddleware(cfg.CORSOrigins))
	r.Use(commonmw.MetricsMiddleware(httpMetrics, serviceName))
	r.Use(commonmw.Timeout(30 * time.Second))
	r.Use(apperrors.ErrorMiddleware(appLogger, middleware.IsAdmin))

	routes.RegisterHealthRoutes(r, serviceName)
	routes.RegisterOrderRoutes(r, authenticator, controllers.NewOrderController(checkoutService, orderService), limits)
	routes.RegisterPaymentRoutes(r, authenticator, controllers.NewPaymentController(paymentService), limits)
	routes.RegisterShipmentRoutes(r, authenticator, controllers.NewShipmentController(shipmentService, reconciler, cfg.ShippoWebhookToken), limits)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Server failed", zap.Error(err))
		}
	}()

	appLogger.Info("Fulfillment service started", zap.String("port", cfg.Port), zap.String("env", cfg.AppEnv))
	<-quit
	appLogger.Info("Shutting down fulfillment service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		appLogger.Warn("Side effects still pending at shutdown", zap.Error(err))
	}
	appLogger.Info("Server exited cleanly")
}
