package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/shopswift/api/internal/handlers"
	"github.com/shopswift/api/internal/notifications"
	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/platform/config"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
	"github.com/shopswift/api/internal/platform/idempotency"
	"github.com/shopswift/api/internal/platform/jobs"
	"github.com/shopswift/api/internal/platform/observability"
	"github.com/shopswift/api/internal/platform/ratelimit"
	"github.com/shopswift/api/internal/platform/secrets"
	firestoreRepo "github.com/shopswift/api/internal/repositories/firestore"
	"github.com/shopswift/api/internal/services"
)

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("PSP.StripeAPIKey", "PSP.StripeWebhookSecret"),
	)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	historyRepo, err := firestoreRepo.NewStatusHistoryRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise status history repository", zap.Error(err))
	}
	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	customerRepo, err := firestoreRepo.NewCustomerRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise customer repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	unitOfWork := pfirestore.NewUnitOfWork(firestoreProvider)

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: payments.StripeLogger(observability.ServiceLogger(logger.Named("stripe"))),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}
	webhookVerifier, err := payments.NewWebhookVerifier(cfg.PSP.StripeWebhookSecret)
	if err != nil {
		logger.Fatal("failed to initialise webhook verifier", zap.Error(err))
	}

	var pubsubOpts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		pubsubOpts = append(pubsubOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	var pubsubClient *pubsub.Client
	if cfg.PubSub.OrderEventsTopic != "" || cfg.PubSub.EmailTopic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID, pubsubOpts...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}

	var orderEvents services.OrderEventPublisher
	if cfg.PubSub.OrderEventsTopic != "" {
		topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer topic.Stop()
		publisher, err := jobs.NewTopicPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order events publisher", zap.Error(err))
		}
		orderEvents, err = jobs.NewPubSubOrderEventPublisher(publisher)
		if err != nil {
			logger.Fatal("failed to initialise order events publisher", zap.Error(err))
		}
	}

	var mailer notifications.Mailer = notifications.NewLogMailer(logger.Named("mail"))
	if cfg.PubSub.EmailTopic != "" {
		topic := pubsubClient.Topic(cfg.PubSub.EmailTopic)
		defer topic.Stop()
		publisher, err := jobs.NewTopicPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise email publisher", zap.Error(err))
		}
		mailer, err = notifications.NewPubSubMailer(publisher)
		if err != nil {
			logger.Fatal("failed to initialise email mailer", zap.Error(err))
		}
	}

	renderer, err := notifications.NewRenderer(cfg.Notifications.StoreName, cfg.Notifications.StoreURL)
	if err != nil {
		logger.Fatal("failed to initialise email templates", zap.Error(err))
	}
	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherDeps{
		Renderer: renderer,
		Mailer:   mailer,
		From:     cfg.Notifications.FromAddress,
		Logger:   observability.ServiceLogger(logger.Named("notifications")),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification dispatcher", zap.Error(err))
	}

	enforcer, err := authz.NewEnforcer()
	if err != nil {
		logger.Fatal("failed to initialise authorization policy", zap.Error(err))
	}
	metrics, err := observability.NewOrderMetrics()
	if err != nil {
		logger.Fatal("failed to initialise metrics", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)
	deduper := idempotency.NewEventDeduper(idempotencyStore, cfg.Idempotency.TTL)

	rateLimitStore, err := ratelimit.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise rate limit store", zap.Error(err))
	}
	rateLimitMiddleware := ratelimit.Middleware(ratelimit.NewLimiter(rateLimitStore, cfg.RateLimit.Limit, cfg.RateLimit.Window), nil)

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       orderRepo,
		History:      historyRepo,
		Products:     productRepo,
		Customers:    customerRepo,
		Counters:     counterRepo,
		UnitOfWork:   unitOfWork,
		Payments:     gateway,
		Notifier:     dispatcher,
		Permissions:  enforcer,
		Metrics:      metrics,
		Events:       orderEvents,
		TaxRateBPS:   int64(cfg.Orders.TaxRateBPS),
		Currency:     cfg.PSP.Currency,
		StatusPolicy: services.OrderStatusPolicy(cfg.Orders.StatusPolicy),
		Clock:        time.Now,
		IDGenerator:  func() string { return ulid.Make().String() },
		Logger:       observability.ServiceLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	paymentService, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:      orderService,
		Customers:   customerRepo,
		Gateway:     gateway,
		Verifier:    webhookVerifier,
		Deduper:     deduper,
		Permissions: enforcer,
		Metrics:     metrics,
		Clock:       time.Now,
		Logger:      observability.ServiceLogger(logger.Named("payments")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	hideErrors := cfg.IsProduction()
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithOrderEnforcer(enforcer),
		handlers.WithOrderRateLimit(rateLimitMiddleware),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderProductionErrors(hideErrors),
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, paymentService,
		handlers.WithPaymentEnforcer(enforcer),
		handlers.WithPaymentRateLimit(rateLimitMiddleware),
		handlers.WithPaymentProductionErrors(hideErrors),
	)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(idempotencyStore,
		handlers.WithCleanupBatchSize(cfg.Idempotency.CleanupBatchSize),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthVersion(strings.TrimSpace(envValues["API_BUILD_VERSION"])),
		handlers.WithReadinessCheck("firestore", firestoreProvider.Ping),
	)

	projectID := cfg.Firestore.ProjectID
	httpLogger := logger.Named("http")
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("environment", cfg.Environment))
	go func() {
		serverLogger.Info("shopswift api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildOIDCMiddleware guards /internal. Outside production a missing audience leaves it open.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		if cfg.IsProduction() {
			logger.Fatal("oidc audience is required in production")
		}
		logger.Warn("oidc audience not configured; internal endpoints are unauthenticated")
		return nil
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	return auth.NewOIDCValidator(cache, logger).RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
