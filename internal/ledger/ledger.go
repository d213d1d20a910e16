package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/P4v3r/void-ai/internal/entitlement"
	"github.com/P4v3r/void-ai/pkg/events"
	"github.com/P4v3r/void-ai/pkg/metrics"
	"go.uber.org/zap"
)

// TokenState classifies a pro token for the status query.
type TokenState string

const (
	StateActive    TokenState = "active"
	StateExhausted TokenState = "exhausted"
)

// Status is the non-mutating answer to a token status query.
type Status struct {
	State       TokenState
	CreditsLeft int64
}

// Ledger is the prepaid pro credit ledger. Tokens are stored only as one-way
// digests; the bearer string exists exactly once, in the response that minted it.
type Ledger struct {
	store  Store
	logger *zap.Logger
	bus    *events.Bus
}

// NewLedger creates a pro credit ledger.
func NewLedger(store Store, logger *zap.Logger, bus *events.Bus) *Ledger {
	return &Ledger{store: store, logger: logger, bus: bus}
}

// HashToken derives the storage digest for a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Consume verifies the bearer token and atomically spends one credit,
// returning the post-decrement balance.
func (l *Ledger) Consume(ctx context.Context, token string) (int64, error) {
	left, ok, found, err := l.store.Decrement(ctx, HashToken(token))
	if err != nil {
		return 0, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
	}
	if !found {
		return 0, entitlement.NewError(entitlement.CodeInvalidCredential, "unknown pro token")
	}
	if !ok {
		// Balance stays untouched; the rejection is idempotent.
		if l.bus != nil {
			l.bus.Publish(ctx, events.NewEvent(events.EventTokenExhausted, digestPrefix(token), nil))
		}
		return left, entitlement.NewError(entitlement.CodeCreditsExhausted, "pro credits exhausted")
	}
	metrics.ProCreditsSpent.Inc()
	return left, nil
}

// Status reports the token's state without mutating it. An unknown token is
// an error, not "off": the client must be able to tell a revoked token from
// an absent one.
func (l *Ledger) Status(ctx context.Context, token string) (Status, error) {
	left, found, err := l.store.Credits(ctx, HashToken(token))
	if err != nil {
		return Status{}, entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
	}
	if !found {
		return Status{}, entitlement.NewError(entitlement.CodeInvalidCredential, "unknown pro token")
	}
	state := StateActive
	if left <= 0 {
		state = StateExhausted
	}
	return Status{State: state, CreditsLeft: left}, nil
}

// Mint creates a fresh bearer token with the given balance and records its
// digest. source tags where the mint came from (claim, reconcile, admin).
func (l *Ledger) Mint(ctx context.Context, credits int64, source string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	if err := l.store.Insert(ctx, HashToken(token), credits); err != nil {
		return "", entitlement.WrapError(entitlement.CodeUpstreamUnavailable, "ledger store unavailable", err)
	}
	metrics.TokensMinted.WithLabelValues(source).Inc()
	l.logger.Info("minted pro token",
		zap.String("source", source),
		zap.Int64("credits", credits),
		zap.String("digest_prefix", digestPrefix(token)),
	)
	if l.bus != nil {
		l.bus.Publish(ctx, events.NewEvent(events.EventTokenMinted, digestPrefix(token),
			map[string]interface{}{"credits": credits, "source": source}))
	}
	return token, nil
}

// NewToken generates a bearer token with 256 bits of entropy.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return "void_" + hex.EncodeToString(buf), nil
}

// digestPrefix returns a short, log-safe prefix of the token digest.
func digestPrefix(token string) string {
	return HashToken(token)[:12]
}
