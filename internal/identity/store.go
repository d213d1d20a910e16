package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict reports that another resolution bound the same signals first.
// The unique constraints on client_id and fp_hash are the backstop; callers
// re-run the find chain and bill against the winner's row.
var ErrConflict = errors.New("identity signals already bound")

// Record is a durable free-tier identity row. ID is the surrogate key the
// quota counter is scoped to; it survives client-id and fingerprint rebinds,
// which is what lets a returning device keep its spent quota.
type Record struct {
	ID        int64
	ClientID  string
	FPHash    string
	IPHash    string
	LastReset time.Time
	CreatedAt time.Time
}

// Store is the durable side of identity resolution. Implementations must
// keep each mutating operation a single statement (or transaction) so
// concurrent resolutions cannot interleave a read with a stale write.
type Store interface {
	// FindByClientID returns the identity bound to the hashed client id,
	// or nil when none exists.
	FindByClientID(ctx context.Context, clientID string) (*Record, error)
	// FindByFingerprint returns the identity bound to the fingerprint hash.
	FindByFingerprint(ctx context.Context, fpHash string) (*Record, error)
	// FindByIP returns the most recently created identity bound to the
	// address hash.
	FindByIP(ctx context.Context, ipHash string) (*Record, error)
	// Create inserts a brand-new identity with lastReset = now and returns it.
	Create(ctx context.Context, clientID, fpHash, ipHash string, now time.Time) (*Record, error)
	// Rebind re-points an existing identity at fresh signals, keeping its
	// surrogate key and reset timing.
	Rebind(ctx context.Context, id int64, clientID, fpHash, ipHash string) error
	// TryReset advances lastReset to now only if the previous reset is older
	// than period. Returns true when this caller won the reset; concurrent
	// losers see false and must not re-seed the counter.
	TryReset(ctx context.Context, id int64, now time.Time, period time.Duration) (bool, error)
}

// PGStore implements Store on the durable ledger store.
type PGStore struct {
	db *database.Database
}

// NewPGStore creates a Postgres-backed identity store.
func NewPGStore(db *database.Database) *PGStore {
	return &PGStore{db: db}
}

const recordColumns = `id, client_id, fp_hash, ip_hash, last_reset, created_at`

func (s *PGStore) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.FPHash, &rec.IPHash, &rec.LastReset, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	return &rec, nil
}

func (s *PGStore) FindByClientID(ctx context.Context, clientID string) (*Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM free_identities WHERE client_id = $1`, clientID)
	return s.scanRecord(row)
}

func (s *PGStore) FindByFingerprint(ctx context.Context, fpHash string) (*Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM free_identities WHERE fp_hash = $1`, fpHash)
	return s.scanRecord(row)
}

func (s *PGStore) FindByIP(ctx context.Context, ipHash string) (*Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM free_identities
		 WHERE ip_hash = $1 ORDER BY created_at DESC LIMIT 1`, ipHash)
	return s.scanRecord(row)
}

func (s *PGStore) Create(ctx context.Context, clientID, fpHash, ipHash string, now time.Time) (*Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		`INSERT INTO free_identities (client_id, fp_hash, ip_hash, last_reset, created_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+recordColumns,
		clientID, fpHash, ipHash, now)
	rec, err := s.scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("identity insert returned no row")
	}
	return rec, nil
}

func (s *PGStore) Rebind(ctx context.Context, id int64, clientID, fpHash, ipHash string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE free_identities SET client_id = $2, fp_hash = $3, ip_hash = $4 WHERE id = $1`,
		id, clientID, fpHash, ipHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to rebind identity %d: %w", id, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) TryReset(ctx context.Context, id int64, now time.Time, period time.Duration) (bool, error) {
	// Conditional single-statement update: exactly one concurrent caller can
	// win a given reset window.
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE free_identities SET last_reset = $2 WHERE id = $1 AND last_reset < $3`,
		id, now, now.Add(-period))
	if err != nil {
		return false, fmt.Errorf("failed to reset identity %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
