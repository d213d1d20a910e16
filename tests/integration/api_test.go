package integration_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/P4v3r/void-ai/internal/chat"
	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/gateway"
	"github.com/P4v3r/void-ai/internal/identity"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/internal/ratelimit"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/P4v3r/void-ai/pkg/events"
	"go.uber.org/zap"
)

// TestEndToEndAPI exercises the full metering stack against real Postgres
// and Redis instances. The chat upstream is faked so the test does not need
// a model server.
func TestEndToEndAPI(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	logger, _ := zap.NewDevelopment()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	eventBus := events.NewBus(logger)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"integration reply"},"done":true}`)
	}))
	defer upstream.Close()
	cfg.Upstream.BaseURL = upstream.URL

	hasher := identity.NewHasher(cfg.Identity.HashSecret)
	resolver := identity.NewResolver(
		identity.NewPGStore(db), redisCache, hasher, logger, eventBus,
		cfg.Limits.FreeRequests, cfg.Limits.FreeResetPeriod, cfg.Limits.MinIdentifierLen,
	)
	limiter := ratelimit.NewLimiter(redisCache, logger, cfg.Limits.RateMaxRequests, cfg.Limits.RateWindow)
	proLedger := ledger.NewLedger(ledger.NewPGStore(db), logger, eventBus)

	gw := gateway.NewGateway(db, redisCache, logger, limiter, resolver, hasher, proLedger, nil, chat.NewClient(cfg.Upstream, logger), nil, cfg)

	ts := httptest.NewServer(gw)
	defer ts.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	// Health check
	resp, err := client.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected status 200, got %d", resp.StatusCode)
	}

	// Readiness covers Postgres and Redis connectivity
	resp, err = client.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("readiness check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready: expected status 200, got %d", resp.StatusCode)
	}

	// Free-tier chat burns one quota unit
	suffix := time.Now().UnixNano()
	req, _ := http.NewRequest("POST", ts.URL+"/chat", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-void-client-id", fmt.Sprintf("it-client-%d", suffix))
	req.Header.Set("x-void-fingerprint", fmt.Sprintf("it-device-%d", suffix))

	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("chat request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("x-free-left") == "" {
		t.Error("chat: missing x-free-left header")
	}

	// Pro token lifecycle: mint, status, spend
	token, err := proLedger.Mint(context.Background(), 2, "admin")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	req, _ = http.NewRequest("GET", ts.URL+"/pro/status", nil)
	req.Header.Set("x-void-pro-token", token)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pro status: expected status 200, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("POST", ts.URL+"/chat", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-void-pro-token", token)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("pro chat request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pro chat: expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("x-pro-left"); got != "1" {
		t.Errorf("pro chat: x-pro-left = %q, want 1", got)
	}
}
