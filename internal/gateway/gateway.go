package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/P4v3r/void-ai/internal/chat"
	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/internal/identity"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/internal/payments"
	"github.com/P4v3r/void-ai/internal/ratelimit"
	"github.com/P4v3r/void-ai/internal/reconcile"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Request headers carrying the caller's identity signals and credential.
const (
	headerClientID    = "x-void-client-id"
	headerFingerprint = "x-void-fingerprint"
	headerProToken    = "x-void-pro-token"
)

// Response headers reporting remaining budgets.
const (
	headerFreeLeft = "x-free-left"
	headerProLeft  = "x-pro-left"
)

// Gateway handles API requests
type Gateway struct {
	db         *database.Database
	cache      *cache.Cache
	logger     *zap.Logger
	router     *chi.Mux
	limiter    *ratelimit.Limiter
	resolver   *identity.Resolver
	hasher     *identity.Hasher
	ledger     *ledger.Ledger
	payments   *payments.Service
	upstream   *chat.Client
	reconciler *reconcile.Reconciler
	adminToken string
	cfg        *config.Config
}

// NewGateway creates a new API gateway
func NewGateway(db *database.Database, c *cache.Cache, logger *zap.Logger, limiter *ratelimit.Limiter, resolver *identity.Resolver, hasher *identity.Hasher, l *ledger.Ledger, pay *payments.Service, upstream *chat.Client, reconciler *reconcile.Reconciler, cfg *config.Config) *Gateway {
	g := &Gateway{
		db:         db,
		cache:      c,
		logger:     logger,
		router:     chi.NewRouter(),
		limiter:    limiter,
		resolver:   resolver,
		hasher:     hasher,
		ledger:     l,
		payments:   pay,
		upstream:   upstream,
		reconciler: reconciler,
		adminToken: cfg.Security.AdminAPIToken,
		cfg:        cfg,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerClientID, headerFingerprint, headerProToken},
		ExposedHeaders:   []string{headerFreeLeft, headerProLeft, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Webhook endpoints (no auth - signature verification only)
	g.router.Post("/webhooks/payment", g.payments.HandleCryptoWebhook)
	g.router.Post("/webhooks/stripe", g.payments.HandleStripeWebhook)

	// Metered chat endpoints
	g.router.Post("/chat", g.handleChat)
	g.router.Post("/chat/stream", g.handleChatStream)

	// Pro token lifecycle
	g.router.Get("/pro/status", g.handleProStatus)
	g.router.Post("/pro/create-invoice", g.handleCreateInvoice)
	g.router.Post("/pro/claim", g.handleClaim)

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)
		r.Post("/admin/reconcile", g.handleReconcile)
		r.Post("/admin/mint", g.handleMint)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.adminToken == "" {
			g.writeErrorMessage(w, http.StatusNotFound, "not found")
			return
		}

		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeErrorMessage(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeErrorMessage(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.db.Health(ctx); err != nil {
		g.writeErrorMessage(w, http.StatusServiceUnavailable, "database not ready")
		return
	}

	if err := g.cache.Health(ctx); err != nil {
		g.writeErrorMessage(w, http.StatusServiceUnavailable, "cache not ready")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	dbStatus := 0.0
	if err := g.db.Health(ctx); err == nil {
		dbStatus = 1.0
	}
	dependencyUp.WithLabelValues("postgres").Set(dbStatus)

	redisStatus := 0.0
	if err := g.cache.Health(ctx); err == nil {
		redisStatus = 1.0
	}
	dependencyUp.WithLabelValues("redis").Set(redisStatus)
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeErrorMessage(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}

// writeError maps a tagged entitlement failure to its HTTP status and emits
// the standard error envelope. Untagged errors become 500s with a generic
// message so internal details never leak.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	e := entitlement.AsError(err)
	if e == nil {
		g.logger.Error("unhandled error", zap.Error(err))
		g.writeErrorMessage(w, http.StatusInternalServerError, "internal error")
		return
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(e.RetryAfter, 10))
	}

	g.writeJSON(w, statusFor(e.Code), map[string]interface{}{
		"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
		},
	})
}

func statusFor(code entitlement.Code) int {
	switch code {
	case entitlement.CodeMalformedIdentity, entitlement.CodeSignatureInvalid:
		return http.StatusBadRequest
	case entitlement.CodeInvalidCredential:
		return http.StatusUnauthorized
	case entitlement.CodeFreeQuotaExhausted, entitlement.CodeCreditsExhausted, entitlement.CodePaymentNotConfirmed:
		return http.StatusPaymentRequired
	case entitlement.CodeInvoiceNotFound:
		return http.StatusNotFound
	case entitlement.CodeAlreadyClaimed:
		return http.StatusConflict
	case entitlement.CodeRateLimited:
		return http.StatusTooManyRequests
	case entitlement.CodeUpstreamProtocolErr:
		return http.StatusBadGateway
	case entitlement.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
