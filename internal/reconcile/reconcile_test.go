package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

type memLedgerStore struct {
	mu     sync.Mutex
	tokens map[string]int64
}

func (s *memLedgerStore) Insert(ctx context.Context, tokenHash string, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = credits
	return nil
}

func (s *memLedgerStore) Decrement(ctx context.Context, tokenHash string) (int64, bool, bool, error) {
	return 0, false, false, nil
}

func (s *memLedgerStore) Credits(ctx context.Context, tokenHash string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	left, found := s.tokens[tokenHash]
	return left, found, nil
}

// balanceServer serves a mutable wallet balance.
type balanceServer struct {
	mu      sync.Mutex
	balance float64
	fail    bool
}

func (b *balanceServer) set(v float64)  { b.mu.Lock(); b.balance = v; b.mu.Unlock() }
func (b *balanceServer) setFail(f bool) { b.mu.Lock(); b.fail = f; b.mu.Unlock() }

func (b *balanceServer) handler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		http.Error(w, "explorer down", http.StatusBadGateway)
		return
	}
	fmt.Fprintf(w, `{"balance": %f}`, b.balance)
}

func priceHandler(btcUSD float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"bitcoin": {"usd": %f}, "monero": {"usd": 150}}`, btcUSD)
	}
}

func setupReconciler(t *testing.T, balanceURL, priceURL string) (*Reconciler, *memLedgerStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}

	store := &memLedgerStore{tokens: make(map[string]int64)}
	l := ledger.NewLedger(store, zap.NewNop(), nil)

	cfg := config.ReconcileConfig{
		PriceURL:       priceURL,
		BalanceURLBTC:  balanceURL,
		PlanUSD:        10,
		PlanCredits:    15000,
		ToleranceFrac:  0.9,
		DefaultBTCUSD:  60000,
		DefaultXMRUSD:  150,
		RequestTimeout: 2 * time.Second,
	}
	r := NewReconciler(cfg, c, l, zap.NewNop(), nil)
	return r, store, func() {
		c.Close()
		mr.Close()
	}
}

func TestFirstSweepRecordsBaselineWithoutMinting(t *testing.T) {
	wallet := &balanceServer{balance: 1.5}
	bs := httptest.NewServer(http.HandlerFunc(wallet.handler))
	defer bs.Close()
	ps := httptest.NewServer(priceHandler(50000))
	defer ps.Close()

	r, store, cleanup := setupReconciler(t, bs.URL, ps.URL)
	defer cleanup()

	detections, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 0 {
		t.Fatalf("baseline sweep minted %d tokens; pre-existing funds must not mint", len(detections))
	}
	if len(store.tokens) != 0 {
		t.Fatal("ledger must stay empty after baseline sweep")
	}
}

func TestDeltaAboveThresholdMints(t *testing.T) {
	wallet := &balanceServer{balance: 1.0}
	bs := httptest.NewServer(http.HandlerFunc(wallet.handler))
	defer bs.Close()
	ps := httptest.NewServer(priceHandler(50000))
	defer ps.Close()

	r, store, cleanup := setupReconciler(t, bs.URL, ps.URL)
	defer cleanup()
	ctx := context.Background()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("baseline sweep failed: %v", err)
	}

	// +0.0002 BTC at $50k = $10, above the $9 threshold.
	wallet.set(1.0002)

	detections, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}
	d := detections[0]
	if d.Asset != "btc" || d.Credits != 15000 || d.Token == "" {
		t.Errorf("unexpected detection %+v", d)
	}
	if len(store.tokens) != 1 {
		t.Errorf("ledger has %d tokens, want 1", len(store.tokens))
	}

	// The cursor advanced: a third sweep with the same balance is quiet.
	detections, err = r.Run(ctx)
	if err != nil {
		t.Fatalf("third sweep failed: %v", err)
	}
	if len(detections) != 0 {
		t.Fatal("unchanged balance must not mint again")
	}
}

func TestSmallDeltasAccumulateTowardThreshold(t *testing.T) {
	wallet := &balanceServer{balance: 1.0}
	bs := httptest.NewServer(http.HandlerFunc(wallet.handler))
	defer bs.Close()
	ps := httptest.NewServer(priceHandler(50000))
	defer ps.Close()

	r, store, cleanup := setupReconciler(t, bs.URL, ps.URL)
	defer cleanup()
	ctx := context.Background()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("baseline sweep failed: %v", err)
	}

	// +$5: below the $9 threshold, no mint, cursor stays put.
	wallet.set(1.0001)
	detections, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 0 || len(store.tokens) != 0 {
		t.Fatal("underpayment must not mint")
	}

	// Another +$5 brings the total delta since baseline to $10.
	wallet.set(1.0002)
	detections, err = r.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("accumulated delta should mint, got %d detections", len(detections))
	}
}

func TestBalanceOracleFailureNeverMints(t *testing.T) {
	wallet := &balanceServer{balance: 1.0}
	bs := httptest.NewServer(http.HandlerFunc(wallet.handler))
	defer bs.Close()
	ps := httptest.NewServer(priceHandler(50000))
	defer ps.Close()

	r, store, cleanup := setupReconciler(t, bs.URL, ps.URL)
	defer cleanup()
	ctx := context.Background()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("baseline sweep failed: %v", err)
	}

	wallet.set(5.0)
	wallet.setFail(true)

	detections, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 0 || len(store.tokens) != 0 {
		t.Fatal("a failing balance oracle must not mint")
	}

	// Once the oracle recovers the pending delta is detected.
	wallet.setFail(false)
	detections, err = r.Run(ctx)
	if err != nil {
		t.Fatalf("recovery sweep failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("got %d detections after recovery, want 1", len(detections))
	}
}

func TestPriceOracleFailureFallsBackToDefault(t *testing.T) {
	wallet := &balanceServer{balance: 1.0}
	bs := httptest.NewServer(http.HandlerFunc(wallet.handler))
	defer bs.Close()
	ps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "price api down", http.StatusServiceUnavailable)
	}))
	defer ps.Close()

	r, _, cleanup := setupReconciler(t, bs.URL, ps.URL)
	defer cleanup()
	ctx := context.Background()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("baseline sweep failed: %v", err)
	}

	// +0.0002 BTC at the $60k default = $12, above threshold even though
	// the live price is unavailable.
	wallet.set(1.0002)
	detections, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("default price should still detect, got %d detections", len(detections))
	}
}
