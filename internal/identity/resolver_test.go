package identity

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

// memStore is an in-memory Store with the same single-writer semantics the
// Postgres implementation guarantees.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, records: make(map[int64]*Record)}
}

func (s *memStore) find(match func(*Record) bool) *Record {
	for _, rec := range s.records {
		if match(rec) {
			cp := *rec
			return &cp
		}
	}
	return nil
}

func (s *memStore) FindByClientID(ctx context.Context, clientID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(r *Record) bool { return r.ClientID == clientID }), nil
}

func (s *memStore) FindByFingerprint(ctx context.Context, fpHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(r *Record) bool { return r.FPHash == fpHash }), nil
}

func (s *memStore) FindByIP(ctx context.Context, ipHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(r *Record) bool { return r.IPHash == ipHash }), nil
}

func (s *memStore) Create(ctx context.Context, clientID, fpHash, ipHash string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &Record{
		ID:        s.nextID,
		ClientID:  clientID,
		FPHash:    fpHash,
		IPHash:    ipHash,
		LastReset: now,
		CreatedAt: now,
	}
	s.nextID++
	s.records[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (s *memStore) Rebind(ctx context.Context, id int64, clientID, fpHash, ipHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.ClientID = clientID
		rec.FPHash = fpHash
		rec.IPHash = ipHash
	}
	return nil
}

func (s *memStore) TryReset(ctx context.Context, id int64, now time.Time, period time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.LastReset.Before(now.Add(-period)) {
		return false, nil
	}
	rec.LastReset = now
	return true, nil
}

func setupResolver(t *testing.T, limit int64, period time.Duration) (*Resolver, *memStore, func()) {
	t.Helper()
	store := newMemStore()
	r, cleanup := setupResolverWith(t, store, limit, period)
	return r, store, cleanup
}

func setupResolverWith(t *testing.T, store Store, limit int64, period time.Duration) (*Resolver, func()) {
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
	r := NewResolver(store, c, NewHasher("test-secret"), zap.NewNop(), nil, limit, period, 8)
	return r, func() {
		c.Close()
		mr.Close()
	}
}

func TestConsumeDecrementsQuota(t *testing.T) {
	r, _, cleanup := setupResolver(t, 3, time.Hour)
	defer cleanup()

	sig := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}

	for want := int64(2); want >= 0; want-- {
		left, err := r.Consume(context.Background(), sig)
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if left != want {
			t.Errorf("remaining = %d, want %d", left, want)
		}
	}

	_, err := r.Consume(context.Background(), sig)
	code, ok := entitlement.CodeOf(err)
	if !ok || code != entitlement.CodeFreeQuotaExhausted {
		t.Fatalf("expected free_quota_exhausted, got %v", err)
	}
}

func TestConsumeRejectsShortIdentifiers(t *testing.T) {
	r, _, cleanup := setupResolver(t, 3, time.Hour)
	defer cleanup()

	tests := []struct {
		name string
		sig  Signals
	}{
		{"short client id", Signals{ClientID: "abc", Fingerprint: "fp-00000001", Addr: "203.0.113.7:1"}},
		{"short fingerprint", Signals{ClientID: "client-0001", Fingerprint: "fp", Addr: "203.0.113.7:1"}},
		{"missing address", Signals{ClientID: "client-0001", Fingerprint: "fp-00000001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Consume(context.Background(), tt.sig)
			code, ok := entitlement.CodeOf(err)
			if !ok || code != entitlement.CodeMalformedIdentity {
				t.Fatalf("expected malformed_identity, got %v", err)
			}
		})
	}
}

func TestFingerprintReuseSharesQuota(t *testing.T) {
	r, store, cleanup := setupResolver(t, 2, time.Hour)
	defer cleanup()
	ctx := context.Background()

	first := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}
	if _, err := r.Consume(ctx, first); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	// Fresh client id, same device.
	evaded := Signals{ClientID: "client-0002", Fingerprint: "fp-00000001", Addr: "198.51.100.9:40000"}
	left, err := r.Consume(ctx, evaded)
	if err != nil {
		t.Fatalf("second consume failed: %v", err)
	}
	if left != 0 {
		t.Errorf("remaining = %d, want 0: evasion should bill the original identity", left)
	}

	if len(store.records) != 1 {
		t.Errorf("store has %d identities, want 1", len(store.records))
	}

	_, err = r.Consume(ctx, evaded)
	code, ok := entitlement.CodeOf(err)
	if !ok || code != entitlement.CodeFreeQuotaExhausted {
		t.Fatalf("expected free_quota_exhausted, got %v", err)
	}
}

func TestAddressReuseSharesQuota(t *testing.T) {
	r, store, cleanup := setupResolver(t, 2, time.Hour)
	defer cleanup()
	ctx := context.Background()

	first := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}
	if _, err := r.Consume(ctx, first); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	// Fresh client id and fingerprint, same /24.
	evaded := Signals{ClientID: "client-0002", Fingerprint: "fp-00000002", Addr: "203.0.113.99:40000"}
	left, err := r.Consume(ctx, evaded)
	if err != nil {
		t.Fatalf("second consume failed: %v", err)
	}
	if left != 0 {
		t.Errorf("remaining = %d, want 0", left)
	}
	if len(store.records) != 1 {
		t.Errorf("store has %d identities, want 1", len(store.records))
	}
}

func TestQuotaResetsAfterPeriod(t *testing.T) {
	r, _, cleanup := setupResolver(t, 1, time.Hour)
	defer cleanup()
	ctx := context.Background()

	base := time.Now()
	r.SetClock(func() time.Time { return base })

	sig := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}
	if _, err := r.Consume(ctx, sig); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if _, err := r.Consume(ctx, sig); err == nil {
		t.Fatal("expected exhaustion before the period elapses")
	}

	// Past the reset period the durable store authorizes a fresh window.
	r.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	left, err := r.Consume(ctx, sig)
	if err != nil {
		t.Fatalf("consume after reset failed: %v", err)
	}
	if left != 0 {
		t.Errorf("remaining = %d, want 0 with limit 1", left)
	}
}

// conflictStore makes the first Create lose a unique-constraint race: the
// competing request's row lands in the underlying store and the insert
// reports the conflict.
type conflictStore struct {
	*memStore
	winner func(*memStore)
}

func (s *conflictStore) Create(ctx context.Context, clientID, fpHash, ipHash string, now time.Time) (*Record, error) {
	if s.winner != nil {
		w := s.winner
		s.winner = nil
		w(s.memStore)
		return nil, ErrConflict
	}
	return s.memStore.Create(ctx, clientID, fpHash, ipHash, now)
}

func TestResolveRetriesAfterInsertConflict(t *testing.T) {
	hasher := NewHasher("test-secret")
	store := &conflictStore{memStore: newMemStore()}

	// Two tabs on the same device fire their first request at once. The other
	// tab wins the insert with a different client id but the same fingerprint.
	store.winner = func(m *memStore) {
		_, err := m.Create(context.Background(),
			hasher.Hash("cid", "client-0002"),
			hasher.Hash("fp", "fp-00000001"),
			hasher.HashAddr("203.0.113.7:40000"),
			time.Now())
		if err != nil {
			t.Errorf("winning create failed: %v", err)
		}
	}

	r, cleanup := setupResolverWith(t, store, 2, time.Hour)
	defer cleanup()

	sig := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}
	left, err := r.Consume(context.Background(), sig)
	if err != nil {
		t.Fatalf("consume must survive a lost insert race, got %v", err)
	}
	if left != 1 {
		t.Errorf("remaining = %d, want 1: the request bills the winner's row", left)
	}
	if len(store.records) != 1 {
		t.Errorf("store has %d identities, want 1", len(store.records))
	}
}

func TestDistinctSignalsGetDistinctIdentities(t *testing.T) {
	r, store, cleanup := setupResolver(t, 1, time.Hour)
	defer cleanup()
	ctx := context.Background()

	a := Signals{ClientID: "client-0001", Fingerprint: "fp-00000001", Addr: "203.0.113.7:51000"}
	b := Signals{ClientID: "client-0002", Fingerprint: "fp-00000002", Addr: "198.51.100.9:40000"}

	if _, err := r.Consume(ctx, a); err != nil {
		t.Fatalf("consume a failed: %v", err)
	}
	if _, err := r.Consume(ctx, b); err != nil {
		t.Fatalf("consume b failed: %v", err)
	}
	if len(store.records) != 2 {
		t.Errorf("store has %d identities, want 2", len(store.records))
	}
}
