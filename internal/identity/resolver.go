package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/pkg/cache"
	"github.com/P4v3r/void-ai/pkg/events"
	"go.uber.org/zap"
)

// Signals are the untrusted inputs a free-tier request arrives with. None of
// them are trusted individually; the resolver's fallback chain decides which
// durable identity they collectively bill against.
type Signals struct {
	ClientID    string
	Fingerprint string
	Addr        string
}

// Resolver resolves anonymous callers to one durable effective identity and
// meters a decaying request quota against the counter store, with the
// durable store as the source of truth for reset timing.
type Resolver struct {
	store    Store
	counters *cache.Cache
	hasher   *Hasher
	logger   *zap.Logger
	bus      *events.Bus
	limit    int64
	period   time.Duration
	minLen   int
	now      func() time.Time
}

// NewResolver creates a free-tier entitlement resolver.
func NewResolver(store Store, counters *cache.Cache, hasher *Hasher, logger *zap.Logger, bus *events.Bus, limit int64, period time.Duration, minLen int) *Resolver {
	return &Resolver{
		store:    store,
		counters: counters,
		hasher:   hasher,
		logger:   logger,
		bus:      bus,
		limit:    limit,
		period:   period,
		minLen:   minLen,
		now:      time.Now,
	}
}

// SetClock overrides the resolver's clock. Tests only.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Limit returns the configured per-period request budget.
func (r *Resolver) Limit() int64 { return r.limit }

// Consume resolves the signals to an effective identity and spends one unit
// of its quota, returning the remaining budget. Billing happens at admission:
// the unit is spent even if the caller later abandons the response.
func (r *Resolver) Consume(ctx context.Context, sig Signals) (int64, error) {
	if len(sig.ClientID) < r.minLen {
		return 0, entitlement.NewError(entitlement.CodeMalformedIdentity, "client identifier missing or too short")
	}
	if len(sig.Fingerprint) < r.minLen {
		return 0, entitlement.NewError(entitlement.CodeMalformedIdentity, "device fingerprint missing or too short")
	}
	if sig.Addr == "" {
		return 0, entitlement.NewError(entitlement.CodeMalformedIdentity, "network address missing")
	}

	cidHash := r.hasher.Hash("cid", sig.ClientID)
	fpHash := r.hasher.Hash("fp", sig.Fingerprint)
	ipHash := r.hasher.HashAddr(sig.Addr)

	rec, err := r.resolve(ctx, cidHash, fpHash, ipHash)
	if errors.Is(err, ErrConflict) {
		// A concurrent first sighting of the same device won the insert or
		// rebind. Its row is committed now, so the chain finds it.
		r.logger.Info("identity resolution lost a bind race, retrying")
		rec, err = r.resolve(ctx, cidHash, fpHash, ipHash)
	}
	if err != nil {
		return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "identity store unavailable", err)
	}

	remaining, err := r.consumeQuota(ctx, rec)
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// resolve walks the fallback chain: exact client id, then fingerprint (same
// physical device under a fresh client id), then address (same network
// principal under a fresh fingerprint), then a brand-new identity. The first
// match wins; matched rows are rebound to the current signals so the next
// request short-circuits on the client id.
func (r *Resolver) resolve(ctx context.Context, cidHash, fpHash, ipHash string) (*Record, error) {
	rec, err := r.store.FindByClientID(ctx, cidHash)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec, err = r.store.FindByFingerprint(ctx, fpHash)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		// Same device, new client id (private-browsing evasion). Bind the
		// fresh client id and current address; quota scope is unchanged.
		if err := r.store.Rebind(ctx, rec.ID, cidHash, rec.FPHash, ipHash); err != nil {
			return nil, err
		}
		r.logger.Info("identity rebound via fingerprint", zap.Int64("identity_id", rec.ID))
		return rec, nil
	}

	rec, err = r.store.FindByIP(ctx, ipHash)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		// Same network principal, new fingerprint.
		if err := r.store.Rebind(ctx, rec.ID, cidHash, fpHash, rec.IPHash); err != nil {
			return nil, err
		}
		r.logger.Info("identity rebound via address", zap.Int64("identity_id", rec.ID))
		return rec, nil
	}

	return r.store.Create(ctx, cidHash, fpHash, ipHash, r.now())
}

// consumeQuota spends one unit against the counter store. When the counter
// reports exhaustion the durable store is consulted for reset timing: the
// ephemeral counter may have been evicted, so lastReset decides whether this
// is a legitimate reset or a genuinely exhausted quota.
func (r *Resolver) consumeQuota(ctx context.Context, rec *Record) (int64, error) {
	key := fmt.Sprintf("freequota:%d", rec.ID)

	res, err := r.counters.ConsumeQuota(ctx, key, r.limit, r.period)
	if err != nil {
		return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "counter store unavailable", err)
	}
	if res.Consumed {
		return res.Remaining, nil
	}

	now := r.now()
	if now.Sub(rec.LastReset) > r.period {
		won, err := r.store.TryReset(ctx, rec.ID, now, r.period)
		if err != nil {
			return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "identity store unavailable", err)
		}
		if won {
			if err := r.counters.Set(ctx, key, r.limit, r.period); err != nil {
				return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "counter store unavailable", err)
			}
			r.logger.Info("free quota reset", zap.Int64("identity_id", rec.ID))
		}
		// Losers of a concurrent reset retry against the freshly seeded
		// counter; only one reset happens either way.
		res, err = r.counters.ConsumeQuota(ctx, key, r.limit, r.period)
		if err != nil {
			return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "counter store unavailable", err)
		}
		if res.Consumed {
			return res.Remaining, nil
		}
	}

	if r.bus != nil {
		r.bus.Publish(ctx, events.NewEvent(events.EventFreeQuotaExhausted,
			fmt.Sprintf("identity:%d", rec.ID), nil))
	}
	return 0, entitlement.NewError(entitlement.CodeFreeQuotaExhausted, "free request quota exhausted")
}
