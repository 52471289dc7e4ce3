package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// SQLiteLedger persists ledger records to SQLite.
// It is suitable for single-process production use; the conditional
// acquisition runs inside a transaction so concurrent consumers within
// the process observe a single gate.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates a new SQLite-backed ledger.
// The path should be a file path (e.g., "./ledger.db") or ":memory:" for testing.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// SQLite permits one writer at a time. A single pooled connection keeps
	// concurrent acquires from deadlocking on the read-to-write lock
	// upgrade inside the transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pipeline_ledger (
			tenant TEXT NOT NULL,
			business_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant, business_id, stage, generation)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// TryAcquire implements Ledger.
func (l *SQLiteLedger) TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (AcquireResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var status, fingerprint string
	var leaseOwner string
	var leaseExpiresAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, lease_owner, lease_expires_at, fingerprint
		FROM pipeline_ledger
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
	`, key.Tenant, key.BusinessID, key.Stage, key.Generation).
		Scan(&status, &leaseOwner, &leaseExpiresAt, &fingerprint)

	switch {
	case err == sql.ErrNoRows:
		// Two instances racing on a brand-new key both reach this branch;
		// ON CONFLICT turns the loser's insert into a no-op so the race
		// resolves as a lease conflict instead of a constraint error.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_ledger
				(tenant, business_id, stage, generation, status, lease_owner, lease_expires_at, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (tenant, business_id, stage, generation) DO NOTHING
		`, key.Tenant, key.BusinessID, key.Stage, key.Generation,
			StatusPending, owner, now.Add(ttl).UnixMilli(), now.Format(time.RFC3339Nano))
		if err != nil {
			return AcquireResult{}, fmt.Errorf("insert pending record: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return AcquireResult{}, fmt.Errorf("insert pending record: %w", err)
		}
		if inserted == 0 {
			return AcquireResult{Outcome: LeaseHeldByOther}, nil
		}
		if err := tx.Commit(); err != nil {
			return AcquireResult{}, fmt.Errorf("commit acquire: %w", err)
		}
		return AcquireResult{Outcome: Acquired}, nil

	case err != nil:
		return AcquireResult{}, fmt.Errorf("read record: %w", err)
	}

	switch Status(status) {
	case StatusCompleted:
		return AcquireResult{Outcome: AlreadyCompleted, Fingerprint: fingerprint}, nil
	case StatusFailed:
		return AcquireResult{Outcome: AlreadyFailed}, nil
	}

	if leaseOwner != "" && leaseOwner != owner && leaseExpiresAt > now.UnixMilli() {
		return AcquireResult{Outcome: LeaseHeldByOther}, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
		  AND status = ?
		  AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at <= ?)
	`, owner, now.Add(ttl).UnixMilli(), now.Format(time.RFC3339Nano),
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner, now.UnixMilli())
	if err != nil {
		return AcquireResult{}, fmt.Errorf("take lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("take lease: %w", err)
	}
	if affected == 0 {
		return AcquireResult{Outcome: LeaseHeldByOther}, nil
	}
	if err := tx.Commit(); err != nil {
		return AcquireResult{}, fmt.Errorf("commit acquire: %w", err)
	}
	return AcquireResult{Outcome: Acquired}, nil
}

// Complete implements Ledger.
func (l *SQLiteLedger) Complete(ctx context.Context, key Key, owner, fingerprint string) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET status = ?, fingerprint = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
		  AND status = ? AND lease_owner = ? AND lease_expires_at > ?
	`, StatusCompleted, fingerprint, now.Format(time.RFC3339Nano),
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if affected == 0 {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot commit completion",
		}
	}
	return nil
}

// Fail implements Ledger.
func (l *SQLiteLedger) Fail(ctx context.Context, key Key, owner string, cause error, exhausted bool) error {
	status := StatusPending
	if exhausted {
		status = StatusFailed
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET status = ?, last_error = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
		  AND status = ? AND lease_owner = ?
	`, status, lastError, now.Format(time.RFC3339Nano),
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner)
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	if affected == 0 {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot record failure",
		}
	}
	return nil
}

// RenewLease implements Ledger.
func (l *SQLiteLedger) RenewLease(ctx context.Context, key Key, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET lease_expires_at = ?, updated_at = ?
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
		  AND status = ? AND lease_owner = ? AND lease_expires_at > ?
	`, now.Add(ttl).UnixMilli(), now.Format(time.RFC3339Nano),
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if affected == 0 {
		return &perrors.LeaseExpiredError{
			Key:     key.String(),
			Owner:   owner,
			Message: "cannot renew lease",
		}
	}
	return nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, key Key) (*Record, error) {
	rec := &Record{Key: key}
	var leaseExpiresAt int64
	var updatedAt string
	err := l.db.QueryRowContext(ctx, `
		SELECT status, lease_owner, lease_expires_at, fingerprint, attempts, last_error, updated_at
		FROM pipeline_ledger
		WHERE tenant = ? AND business_id = ? AND stage = ? AND generation = ?
	`, key.Tenant, key.BusinessID, key.Stage, key.Generation).
		Scan(&rec.Status, &rec.LeaseOwner, &leaseExpiresAt, &rec.Fingerprint,
			&rec.Attempts, &rec.LastError, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if leaseExpiresAt > 0 {
		rec.LeaseExpiry = time.UnixMilli(leaseExpiresAt).UTC()
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Compile-time check that SQLiteLedger implements Ledger.
var _ Ledger = (*SQLiteLedger)(nil)
