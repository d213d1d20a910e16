package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/P4v3r/void-ai/internal/chat"
	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/gateway"
	"github.com/P4v3r/void-ai/internal/identity"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/internal/payments"
	"github.com/P4v3r/void-ai/internal/ratelimit"
	"github.com/P4v3r/void-ai/internal/reconcile"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/P4v3r/void-ai/pkg/events"
	"go.uber.org/zap"
)

// subscribeAuditLog records the settlement lifecycle in the structured log.
// Subjects are invoice ids and digest prefixes, never raw credentials.
func subscribeAuditLog(bus *events.Bus, logger *zap.Logger) {
	audit := func(ctx context.Context, ev events.Event) error {
		logger.Info("audit event",
			zap.String("event_type", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.String("subject", ev.Subject),
			zap.Any("payload", ev.Payload),
		)
		return nil
	}
	for _, et := range []events.EventType{
		events.EventInvoiceCreated,
		events.EventPaymentConfirmed,
		events.EventPaymentDetected,
		events.EventTokenMinted,
		events.EventTokenExhausted,
		events.EventFreeQuotaExhausted,
	} {
		bus.Subscribe(et, audit)
	}
}

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting void-ai entitlement gateway")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	migrateCancel()
	logger.Info("database schema ready")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	subscribeAuditLog(eventBus, logger)
	logger.Info("initialized event bus")

	// Identity hashing and free-tier resolution
	hasher := identity.NewHasher(cfg.Identity.HashSecret)
	resolver := identity.NewResolver(
		identity.NewPGStore(db),
		redisCache,
		hasher,
		logger,
		eventBus,
		cfg.Limits.FreeRequests,
		cfg.Limits.FreeResetPeriod,
		cfg.Limits.MinIdentifierLen,
	)

	// Rate limiter
	limiter := ratelimit.NewLimiter(redisCache, logger, cfg.Limits.RateMaxRequests, cfg.Limits.RateWindow)

	// Pro credit ledger
	proLedger := ledger.NewLedger(ledger.NewPGStore(db), logger, eventBus)

	// Payment processor and workflow
	var processor payments.Processor
	switch cfg.Payments.Provider {
	case "stripe":
		processor = payments.NewStripeProcessor(cfg.Payments.StripeSecretKey, logger)
	default:
		processor = payments.NewCryptoProcessor(cfg.Payments.CryptoBaseURL, cfg.Payments.CryptoAPIKey, 30*time.Second, logger)
	}
	paymentService := payments.NewService(
		payments.NewPGStore(db),
		processor,
		logger,
		eventBus,
		cfg.Payments.Plans,
		cfg.Payments.CryptoWebhookSecret,
		cfg.Payments.StripeWebhookSecret,
	)
	logger.Info("initialized payment workflow", zap.String("provider", processor.Name()))

	// Balance-diff reconciler
	reconciler := reconcile.NewReconciler(cfg.Reconcile, redisCache, proLedger, logger, eventBus)

	// Chat upstream
	upstream := chat.NewClient(cfg.Upstream, logger)

	// Start background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Reconcile.Enabled {
		go reconciler.Start(ctx)
	}

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, limiter, resolver, hasher, proLedger, paymentService, upstream, reconciler, cfg)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
