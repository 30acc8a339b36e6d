package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/quickbite/api/internal/handlers"
	"github.com/quickbite/api/internal/payments"
	"github.com/quickbite/api/internal/platform/auth"
	"github.com/quickbite/api/internal/platform/config"
	pfirestore "github.com/quickbite/api/internal/platform/firestore"
	"github.com/quickbite/api/internal/platform/idempotency"
	"github.com/quickbite/api/internal/platform/jobs"
	"github.com/quickbite/api/internal/platform/observability"
	"github.com/quickbite/api/internal/platform/secrets"
	"github.com/quickbite/api/internal/repositories"
	firestoreRepo "github.com/quickbite/api/internal/repositories/firestore"
	memoryRepo "github.com/quickbite/api/internal/repositories/memory"
	"github.com/quickbite/api/internal/services"
)

const (
	idempotencyCleanupInterval = 10 * time.Minute
	idempotencyCleanupBatch    = 200
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	var loadOpts []config.Option
	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Warn("secret fetcher unavailable, secret:// references will not resolve", zap.Error(err))
	} else {
		defer func() {
			if err := fetcher.Close(); err != nil {
				logger.Warn("secret fetcher close error", zap.Error(err))
			}
		}()
		loadOpts = append(loadOpts, config.WithSecretResolver(fetcher))
	}

	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)

	var (
		orderRepo        repositories.OrderRepository
		idempotencyStore idempotency.Store
		healthOpts       []handlers.HealthOption
	)
	healthOpts = append(healthOpts,
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthClock(time.Now),
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Repository.Driver)) {
	case "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()

		client, err := provider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}

		repo, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			logger.Fatal("failed to initialise order repository", zap.Error(err))
		}
		orderRepo = repo
		idempotencyStore = idempotency.NewFirestoreStore(client)

		healthOpts = append(healthOpts, handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
			defer cancel()
			iter := client.Collections(probeCtx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}))
	default:
		orderRepo = memoryRepo.NewOrderRepository()
		idempotencyStore = idempotency.NewMemoryStore()
	}

	var eventPublisher services.OrderEventPublisher
	if cfg.Events.ProjectID != "" && cfg.Events.OrderTopic != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		topic := pubsubClient.Topic(cfg.Events.OrderTopic)
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		eventPublisher = publisher

		healthOpts = append(healthOpts, handlers.WithReadinessCheck("pubsub", func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			exists, err := topic.Exists(probeCtx)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("topic %s does not exist", cfg.Events.OrderTopic)
			}
			return nil
		}))
	} else {
		logger.Warn("order event publishing disabled, events project or topic not configured")
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
		Events: eventPublisher,
		Logger: zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	var checkoutService services.CheckoutService
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:     cfg.PSP.StripeAPIKey,
			SuccessURL: cfg.PSP.SuccessURL,
			CancelURL:  cfg.PSP.CancelURL,
			Logger:     zapEventLogger(logger.Named("stripe")),
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		checkoutService, err = services.NewCheckoutService(services.CheckoutServiceDeps{
			Orders:  orderService,
			Gateway: gateway,
			Logger:  zapEventLogger(logger.Named("checkout")),
		})
		if err != nil {
			logger.Fatal("failed to initialise checkout service", zap.Error(err))
		}
	} else {
		logger.Warn("checkout disabled, stripe api key not configured")
	}

	var reconciler services.PaymentReconciler
	if strings.TrimSpace(cfg.PSP.StripeWebhookSecret) != "" {
		verifier, err := payments.NewStripeEventVerifier(cfg.PSP.StripeWebhookSecret)
		if err != nil {
			logger.Fatal("failed to initialise stripe event verifier", zap.Error(err))
		}
		reconciler, err = services.NewPaymentReconciler(services.PaymentReconcilerDeps{
			Verifier: verifier,
			Orders:   orderService,
			Logger:   zapEventLogger(logger.Named("reconciler")),
		})
		if err != nil {
			logger.Fatal("failed to initialise payment reconciler", zap.Error(err))
		}
	} else {
		logger.Warn("payment webhooks disabled, stripe webhook secret not configured")
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(idempotencyCleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), idempotencyCleanupBatch)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	orderHandlers := handlers.NewOrderHandlers(orderService, checkoutService, reconciler)
	webhookHandlers := handlers.NewWebhookHandlers(reconciler, handlers.WithWebhookLogger(logger.Named("webhooks")))

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}

	if len(cfg.Security.HMAC.Secrets) > 0 {
		validator := auth.NewHMACValidator(
			auth.StaticSecrets(cfg.Security.HMAC.Secrets),
			auth.NewInMemoryNonceStore(),
			auth.WithHMACLogger(logger.Named("auth")),
			auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
			auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
			auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
		)
		opts = append(opts,
			handlers.WithInternalRoutes(orderHandlers.Routes),
			handlers.WithInternalMiddlewares(validator.RequireSignature("kitchen")),
		)
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("quickbite api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}
