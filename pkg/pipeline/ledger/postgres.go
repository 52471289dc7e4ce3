package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	perrors "github.com/insightengine/pipeline/pkg/pipeline/errors"
)

// PostgresLedger persists ledger records to Postgres. This is the
// multi-instance deployment backend: the conditional upsert makes lease
// acquisition atomic across consumer processes without a lock service.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a Postgres-backed ledger and ensures the schema.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pipeline_ledger (
			tenant TEXT NOT NULL,
			business_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			fingerprint TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant, business_id, stage, generation)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &PostgresLedger{db: db}, nil
}

// TryAcquire implements Ledger. The insert-or-conditionally-update runs as
// one statement; when the guard fails a follow-up read classifies the
// conflict.
func (l *PostgresLedger) TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (AcquireResult, error) {
	now := time.Now().UTC()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_ledger
			(tenant, business_id, stage, generation, status, lease_owner, lease_expires_at, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (tenant, business_id, stage, generation) DO UPDATE
		SET lease_owner = EXCLUDED.lease_owner,
		    lease_expires_at = EXCLUDED.lease_expires_at,
		    attempts = pipeline_ledger.attempts + 1,
		    updated_at = EXCLUDED.updated_at
		WHERE pipeline_ledger.status = $5
		  AND (pipeline_ledger.lease_owner = ''
		       OR pipeline_ledger.lease_owner = $6
		       OR pipeline_ledger.lease_expires_at <= $8)
	`, key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner, now.Add(ttl), now)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lease: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lease: %w", err)
	}
	if affected > 0 {
		return AcquireResult{Outcome: Acquired}, nil
	}

	// Guard failed: the record is completed, failed, or leased elsewhere.
	var status, fingerprint string
	err = l.db.QueryRowContext(ctx, `
		SELECT status, fingerprint FROM pipeline_ledger
		WHERE tenant = $1 AND business_id = $2 AND stage = $3 AND generation = $4
	`, key.Tenant, key.BusinessID, key.Stage, key.Generation).Scan(&status, &fingerprint)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("classify conflict: %w", err)
	}

	switch Status(status) {
	case StatusCompleted:
		return AcquireResult{Outcome: AlreadyCompleted, Fingerprint: fingerprint}, nil
	case StatusFailed:
		return AcquireResult{Outcome: AlreadyFailed}, nil
	default:
		return AcquireResult{Outcome: LeaseHeldByOther}, nil
	}
}

// Complete implements Ledger.
func (l *PostgresLedger) Complete(ctx context.Context, key Key, owner, fingerprint string) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET status = $1, fingerprint = $2, lease_owner = '', lease_expires_at = NULL, updated_at = $3
		WHERE tenant = $4 AND business_id = $5 AND stage = $6 AND generation = $7
		  AND status = $8 AND lease_owner = $9 AND lease_expires_at > $3
	`, StatusCompleted, fingerprint, now,
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if affected == 0 {
		return &perrors.LeaseExpiredError{Key: key.String(), Owner: owner, Message: "cannot commit completion"}
	}
	return nil
}

// Fail implements Ledger.
func (l *PostgresLedger) Fail(ctx context.Context, key Key, owner string, cause error, exhausted bool) error {
	status := StatusPending
	if exhausted {
		status = StatusFailed
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET status = $1, last_error = $2, lease_owner = '', lease_expires_at = NULL, updated_at = $3
		WHERE tenant = $4 AND business_id = $5 AND stage = $6 AND generation = $7
		  AND status = $8 AND lease_owner = $9
	`, status, lastError, time.Now().UTC(),
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
		return &perrors.LeaseExpiredError{Key: key.String(), Owner: owner, Message: "cannot record failure"}
	}
	return nil
}

// RenewLease implements Ledger.
func (l *PostgresLedger) RenewLease(ctx context.Context, key Key, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pipeline_ledger
		SET lease_expires_at = $1, updated_at = $2
		WHERE tenant = $3 AND business_id = $4 AND stage = $5 AND generation = $6
		  AND status = $7 AND lease_owner = $8 AND lease_expires_at > $2
	`, now.Add(ttl), now,
		key.Tenant, key.BusinessID, key.Stage, key.Generation,
		StatusPending, owner)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if affected == 0 {
		return &perrors.LeaseExpiredError{Key: key.String(), Owner: owner, Message: "cannot renew lease"}
	}
	return nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, key Key) (*Record, error) {
	rec := &Record{Key: key}
	var leaseExpiry sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT status, lease_owner, lease_expires_at, fingerprint, attempts, last_error, updated_at
		FROM pipeline_ledger
		WHERE tenant = $1 AND business_id = $2 AND stage = $3 AND generation = $4
	`, key.Tenant, key.BusinessID, key.Stage, key.Generation).
		Scan(&rec.Status, &rec.LeaseOwner, &leaseExpiry, &rec.Fingerprint,
			&rec.Attempts, &rec.LastError, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if leaseExpiry.Valid {
		rec.LeaseExpiry = leaseExpiry.Time
	}
	return rec, nil
}

// Close closes the underlying database.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// Compile-time check that PostgresLedger implements Ledger.
var _ Ledger = (*PostgresLedger)(nil)
