package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/arasola/recoverygate/internal/database"
	"github.com/arasola/recoverygate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AttemptRecordRepository handles database operations for recovery attempt records
type AttemptRecordRepository struct {
	db *database.DB
	q  querier
}

// NewAttemptRecordRepository creates a new AttemptRecordRepository
func NewAttemptRecordRepository(db *database.DB) *AttemptRecordRepository {
	return &AttemptRecordRepository{db: db, q: db.Pool}
}

const attemptColumns = `id, request_key, email_key, ip_key, intent, attempt_count, window_start_at, blocked_until, violation_count, created_at, updated_at`

// rowScanner interface for scanning attempt rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttemptRow(scanner rowScanner) (*models.AttemptRecord, error) {
	var rec models.AttemptRecord
	var blockedUntil *time.Time

	err := scanner.Scan(
		&rec.ID, &rec.RequestKey, &rec.EmailKey, &rec.IPKey, &rec.Intent,
		&rec.AttemptCount, &rec.WindowStartAt, &blockedUntil, &rec.ViolationCount,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	rec.BlockedUntil = blockedUntil
	return &rec, nil
}

func scanAttemptRows(rows pgx.Rows) ([]*models.AttemptRecord, error) {
	defer rows.Close()

	records := make([]*models.AttemptRecord, 0)

	for rows.Next() {
		rec, err := scanAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// GetAttempt returns the record for a (requestKey, intent) pair, or models.ErrNotFound
func (r *AttemptRecordRepository) GetAttempt(ctx context.Context, requestKey string, intent models.RecoveryIntent) (*models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM recovery_attempts
		WHERE request_key = $1 AND intent = $2
	`

	return scanAttemptRow(r.q.QueryRow(ctx, query, requestKey, intent))
}

// ListByEmailKey returns records sharing an email key whose window started at or after
// the given boundary. Callers re-filter per record; this is only the fetch boundary.
func (r *AttemptRecordRepository) ListByEmailKey(ctx context.Context, emailKey string, windowStart time.Time) ([]*models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM recovery_attempts
		WHERE email_key = $1 AND window_start_at >= $2
	`

	rows, err := r.q.Query(ctx, query, emailKey, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts by email key: %w", err)
	}

	return scanAttemptRows(rows)
}

// ListByIPKey returns records sharing an IP key whose window started at or after the boundary
func (r *AttemptRecordRepository) ListByIPKey(ctx context.Context, ipKey string, windowStart time.Time) ([]*models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM recovery_attempts
		WHERE ip_key = $1 AND window_start_at >= $2
	`

	rows, err := r.q.Query(ctx, query, ipKey, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts by ip key: %w", err)
	}

	return scanAttemptRows(rows)
}

// UpsertAttempt inserts the record or, on the unique (request_key, intent) index,
// updates its counters. The email/ip keys of an existing record are left as first
// written; only the counting state moves.
func (r *AttemptRecordRepository) UpsertAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO recovery_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_key, intent) DO UPDATE SET
			attempt_count   = EXCLUDED.attempt_count,
			window_start_at = EXCLUDED.window_start_at,
			blocked_until   = EXCLUDED.blocked_until,
			violation_count = EXCLUDED.violation_count,
			updated_at      = EXCLUDED.updated_at
	`

	_, err := r.q.Exec(ctx, query,
		rec.ID,
		rec.RequestKey,
		rec.EmailKey,
		rec.IPKey,
		rec.Intent,
		rec.AttemptCount,
		rec.WindowStartAt,
		rec.BlockedUntil,
		rec.ViolationCount,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attempt record: %w", err)
	}

	return nil
}

// WithAttemptLock serializes concurrent prechecks for the same (requestKey, intent)
// pair. It holds a transaction-scoped advisory lock for the duration of fn, so the
// read-evaluate-write sequence inside fn cannot interleave with another caller on
// the same key. Writes issued inside fn commit before the lock is released.
func (r *AttemptRecordRepository) WithAttemptLock(ctx context.Context, requestKey string, intent models.RecoveryIntent, fn func(ctx context.Context) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		lockKey := requestKey + "|" + string(intent)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return fmt.Errorf("failed to acquire attempt lock: %w", err)
		}
		return fn(ctx)
	})
}

// DeleteIdleAttempts removes records untouched since the given horizon and not
// under a lockout that outlives it. Retention is operational hygiene only; the
// gate itself never deletes records.
func (r *AttemptRecordRepository) DeleteIdleAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM recovery_attempts
		WHERE updated_at < $1 AND (blocked_until IS NULL OR blocked_until < $1)
	`

	tag, err := r.q.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle attempts: %w", err)
	}

	return tag.RowsAffected(), nil
}
