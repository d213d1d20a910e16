package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/jackc/pgx/v5"
)

// Store is the durable side of the pro credit ledger. The decrement is a
// single conditional statement so concurrent spends against one token can
// never drive the balance negative.
type Store interface {
	// Insert creates a token row with the given starting balance.
	Insert(ctx context.Context, tokenHash string, credits int64) error
	// Decrement spends one credit if the balance is positive. ok reports
	// whether a credit was spent; left is the post-decrement balance when
	// ok, or the current balance when the token exists but is empty.
	// found is false when the digest is unknown.
	Decrement(ctx context.Context, tokenHash string) (left int64, ok bool, found bool, err error)
	// Credits reads the balance without mutating it.
	Credits(ctx context.Context, tokenHash string) (left int64, found bool, err error)
}

// PGStore implements Store on the durable ledger store.
type PGStore struct {
	db *database.Database
}

// NewPGStore creates a Postgres-backed token store.
func NewPGStore(db *database.Database) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, tokenHash string, credits int64) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO pro_tokens (token_hash, credits_left) VALUES ($1, $2)`,
		tokenHash, credits)
	if err != nil {
		return fmt.Errorf("failed to insert pro token: %w", err)
	}
	return nil
}

func (s *PGStore) Decrement(ctx context.Context, tokenHash string) (int64, bool, bool, error) {
	var left int64
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE pro_tokens SET credits_left = credits_left - 1
		 WHERE token_hash = $1 AND credits_left > 0
		 RETURNING credits_left`, tokenHash).Scan(&left)
	if err == nil {
		return left, true, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, false, fmt.Errorf("failed to decrement credits: %w", err)
	}

	// Nothing decremented: either the digest is unknown or the balance is
	// already zero. Distinguish without mutating.
	left, found, err := s.Credits(ctx, tokenHash)
	if err != nil {
		return 0, false, false, err
	}
	return left, false, found, nil
}

func (s *PGStore) Credits(ctx context.Context, tokenHash string) (int64, bool, error) {
	var left int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT credits_left FROM pro_tokens WHERE token_hash = $1`, tokenHash).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read credits: %w", err)
	}
	return left, true, nil
}
