package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/P4v3r/void-ai/pkg/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Invoice states. An invoice only ever moves pending -> paid, and a paid
// invoice disappears entirely once claimed.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
)

// Invoice is a durable record of a payment request.
type Invoice struct {
	InvoiceID string
	Credits   int64
	Status    string
	CreatedAt time.Time
}

// Store failure classes, mapped to the API taxonomy by the service layer.
var (
	ErrNotFound       = errors.New("invoice not found")
	ErrNotPaid        = errors.New("invoice not paid")
	ErrAlreadyClaimed = errors.New("invoice already claimed")
)

// InvoiceStore is the durable side of the payment workflow. MarkPaid and
// Claim enforce their exclusivity invariants inside single transactions;
// callers never get a chance to interleave a check with a stale write.
type InvoiceStore interface {
	// CreateInvoice persists a pending invoice. Inserting an id that already
	// exists is a no-op, so processor retries stay idempotent.
	CreateInvoice(ctx context.Context, invoiceID string, credits int64) error
	// GetInvoice returns the invoice, or ErrNotFound.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	// MarkPaid transitions pending -> paid. Returns true when this call
	// performed the transition, false when the invoice was already paid.
	// Unknown invoices return ErrNotFound.
	MarkPaid(ctx context.Context, invoiceID string) (bool, error)
	// Claim atomically verifies the invoice is paid and unclaimed, records
	// the claim, mints the token row, and deletes the invoice. Exactly one
	// call per invoice can ever succeed, concurrent attempts included.
	Claim(ctx context.Context, invoiceID, tokenHash string) (credits int64, err error)
}

// PGStore implements InvoiceStore on the durable ledger store.
type PGStore struct {
	db *database.Database
}

// NewPGStore creates a Postgres-backed invoice store.
func NewPGStore(db *database.Database) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateInvoice(ctx context.Context, invoiceID string, credits int64) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO invoices (invoice_id, credits, status)
		 VALUES ($1, $2, 'pending')
		 ON CONFLICT (invoice_id) DO NOTHING`,
		invoiceID, credits)
	if err != nil {
		return fmt.Errorf("failed to persist invoice: %w", err)
	}
	return nil
}

func (s *PGStore) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	err := s.db.Pool.QueryRow(ctx,
		`SELECT invoice_id, credits, status, created_at FROM invoices WHERE invoice_id = $1`,
		invoiceID).Scan(&inv.InvoiceID, &inv.Credits, &inv.Status, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invoice: %w", err)
	}
	return &inv, nil
}

func (s *PGStore) MarkPaid(ctx context.Context, invoiceID string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE invoices SET status = 'paid' WHERE invoice_id = $1 AND status = 'pending'`,
		invoiceID)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// No transition happened: replayed webhook for a paid invoice, or an id
	// we have never seen.
	if _, err := s.GetInvoice(ctx, invoiceID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) Claim(ctx context.Context, invoiceID, tokenHash string) (int64, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A claimed invoice has been deleted, so the claims table must be
	// consulted first to tell "claimed" apart from "never existed".
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claims WHERE invoice_id = $1)`, invoiceID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check claim: %w", err)
	}
	if exists {
		return 0, ErrAlreadyClaimed
	}

	var credits int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT credits, status FROM invoices WHERE invoice_id = $1 FOR UPDATE`,
		invoiceID).Scan(&credits, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent claimer can commit between the claims check and this
		// lock: the locked row follows the update chain to the deleted
		// invoice and scans empty. Re-reading claims in a fresh statement
		// snapshot tells that race apart from an id that never existed.
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM claims WHERE invoice_id = $1)`, invoiceID).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("failed to re-check claim: %w", err)
		}
		if exists {
			return 0, ErrAlreadyClaimed
		}
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock invoice: %w", err)
	}
	if status != StatusPaid {
		return 0, ErrNotPaid
	}

	// The claims primary key is the backstop: a concurrent claimer that got
	// past the check above dies here instead of double-minting.
	if _, err := tx.Exec(ctx,
		`INSERT INTO claims (invoice_id, token_hash) VALUES ($1, $2)`,
		invoiceID, tokenHash); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyClaimed
		}
		return 0, fmt.Errorf("failed to insert claim: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO pro_tokens (token_hash, credits_left) VALUES ($1, $2)`,
		tokenHash, credits); err != nil {
		return 0, fmt.Errorf("failed to mint token: %w", err)
	}

	// Data minimization: the paid invoice row has served its purpose.
	if _, err := tx.Exec(ctx,
		`DELETE FROM invoices WHERE invoice_id = $1`, invoiceID); err != nil {
		return 0, fmt.Errorf("failed to delete claimed invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit claim: %w", err)
	}
	return credits, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
