package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spendguard/internal/audit"
	"spendguard/internal/token"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSpendSampleSQL = `INSERT INTO spend_samples (
        project_id,
        period_ts,
        amount
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (project_id, period_ts) DO UPDATE
    SET amount = EXCLUDED.amount;`

	listSamplesBetweenSQL = `SELECT
        project_id,
        period_ts,
        amount,
        created_at
    FROM spend_samples
    WHERE project_id = $1
      AND period_ts >= $2
      AND period_ts < $3
    ORDER BY period_ts;`

	listRecentSamplesSQL = `SELECT
        project_id,
        period_ts,
        amount,
        created_at
    FROM spend_samples
    WHERE project_id = $1
    ORDER BY period_ts DESC
    LIMIT $2;`

	insertAnomalySQL = `INSERT INTO anomaly_events (
        project_id,
        observed,
        expected_mean,
        expected_stddev,
        z_score,
        severity,
        reason,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentAnomaliesSQL = `SELECT
        id,
        project_id,
        observed,
        expected_mean,
        expected_stddev,
        z_score,
        severity,
        reason,
        detected_at,
        created_at
    FROM anomaly_events
    ORDER BY detected_at DESC
    LIMIT $1;`

	insertAuditRecordSQL = `INSERT INTO audit_records (
        ts,
        project_id,
        resource_id,
        action,
        estimated_savings,
        result_status,
        user_identity,
        token_issued_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentAuditRecordsSQL = `SELECT
        ts,
        project_id,
        resource_id,
        action,
        estimated_savings,
        result_status,
        user_identity,
        token_issued_at
    FROM audit_records
    ORDER BY ts DESC
    LIMIT $1;`

	markConsumedSQL = `INSERT INTO consumed_tokens (token_id, retain_until)
    VALUES ($1, $2)
    ON CONFLICT (token_id) DO NOTHING;`

	pruneConsumedSQL = `DELETE FROM consumed_tokens WHERE retain_until < $1;`

	insertAttemptSQL = `INSERT INTO action_attempts (identity, attempted_at) VALUES ($1, $2);`

	countAttemptsSQL = `SELECT COUNT(*) FROM action_attempts
    WHERE identity = $1 AND attempted_at > $2;`

	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
	tryAdvisoryLockSQL  = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL   = `SELECT pg_advisory_unlock($1);`
)

// SpendSampleStore defines operations for spend series persistence.
type SpendSampleStore interface {
	UpsertSpendSample(ctx context.Context, sample SpendSample) error
	ListSamplesBetween(ctx context.Context, projectID string, from, to time.Time) ([]SpendSample, error)
	ListRecentSamples(ctx context.Context, projectID string, limit int) ([]SpendSample, error)
}

// AnomalyStore defines operations for anomaly event persistence.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, error)
	ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error)
}

// AuditReader lists persisted audit records for display.
type AuditReader interface {
	ListRecentAuditRecords(ctx context.Context, limit int) ([]audit.Record, error)
}

// Store aggregates Postgres-backed persistence for the engine: spend
// series, anomaly events, audit trail, the consumed-token replay set, the
// rate-limit window, and advisory locks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSpendSample persists or updates a spend observation.
func (s *Store) UpsertSpendSample(ctx context.Context, sample SpendSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSpendSampleSQL,
		sample.ProjectID,
		sample.PeriodTS,
		sample.Amount.String(),
	); execErr != nil {
		return fmt.Errorf("upsert spend sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window, oldest first.
func (s *Store) ListSamplesBetween(ctx context.Context, projectID string, from, to time.Time) ([]SpendSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, projectID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, projectID string, limit int) ([]SpendSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, projectID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// InsertAnomaly persists a flagged observation.
func (s *Store) InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AnomalyRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAnomalySQL,
		rec.ProjectID,
		rec.Observed.String(),
		rec.ExpectedMean.String(),
		rec.ExpectedStdDev.String(),
		rec.ZScore,
		rec.Severity,
		rec.Reason,
		rec.DetectedAt,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AnomalyRecord{}, fmt.Errorf("insert anomaly: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAnomalies lists the most recent anomaly events.
func (s *Store) ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	records := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var (
			rec                             AnomalyRecord
			observedStr, meanStr, stdDevStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ProjectID,
			&observedStr,
			&meanStr,
			&stdDevStr,
			&rec.ZScore,
			&rec.Severity,
			&rec.Reason,
			&rec.DetectedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Observed, err = decimal.NewFromString(observedStr); err != nil {
			return nil, fmt.Errorf("parse observed: %w", err)
		}
		if rec.ExpectedMean, err = decimal.NewFromString(meanStr); err != nil {
			return nil, fmt.Errorf("parse expected mean: %w", err)
		}
		if rec.ExpectedStdDev, err = decimal.NewFromString(stdDevStr); err != nil {
			return nil, fmt.Errorf("parse expected stddev: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertAuditRecord appends one decision outcome. No update or delete
// exists for audit records.
func (s *Store) InsertAuditRecord(ctx context.Context, rec audit.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertAuditRecordSQL,
		rec.Timestamp,
		rec.ProjectID,
		rec.ResourceID,
		string(rec.Action),
		rec.EstimatedSavings.String(),
		rec.ResultStatus,
		rec.UserIdentity,
		rec.TokenIssuedAt,
	); execErr != nil {
		return fmt.Errorf("insert audit record: %w", execErr)
	}
	return nil
}

// ListRecentAuditRecords lists the most recent audit records.
func (s *Store) ListRecentAuditRecords(ctx context.Context, limit int) ([]audit.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAuditRecordsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent audit records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]audit.Record, 0, limit)
	for rows.Next() {
		var (
			rec        audit.Record
			action     string
			savingsStr string
		)
		if err := rows.Scan(
			&rec.Timestamp,
			&rec.ProjectID,
			&rec.ResourceID,
			&action,
			&savingsStr,
			&rec.ResultStatus,
			&rec.UserIdentity,
			&rec.TokenIssuedAt,
		); err != nil {
			return nil, err
		}
		rec.Action = token.Action(action)
		var convErr error
		if rec.EstimatedSavings, convErr = decimal.NewFromString(savingsStr); convErr != nil {
			return nil, fmt.Errorf("parse estimated savings: %w", convErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// MarkConsumed inserts the token ID into the replay set. The insert and
// the membership check are a single statement, so exactly one caller
// observes true per token ID even under concurrent presentations.
func (s *Store) MarkConsumed(ctx context.Context, tokenID string, retainUntil time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, markConsumedSQL, tokenID, retainUntil)
	if execErr != nil {
		return false, fmt.Errorf("mark token consumed: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneConsumedBefore removes replay-set entries past retention.
func (s *Store) PruneConsumedBefore(ctx context.Context, cutoff time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, pruneConsumedSQL, cutoff); execErr != nil {
		return fmt.Errorf("prune consumed tokens: %w", execErr)
	}
	return nil
}

// CountAttemptsSince reads the identity's rate-limit window.
func (s *Store) CountAttemptsSince(ctx context.Context, identity string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countAttemptsSQL, identity, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count attempts: %w", scanErr)
	}
	return count, nil
}

// RecordAttemptAndCount appends an attempt and returns the window count
// including it. A per-identity transaction-scoped advisory lock serialises
// concurrent increments so each caller observes the other's insert.
func (s *Store) RecordAttemptAndCount(ctx context.Context, identity string, at, windowStart time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin attempt tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, lockKeyFor("attempts:"+identity)); err != nil {
		return 0, fmt.Errorf("lock attempt window: %w", err)
	}
	if _, err := tx.Exec(ctx, insertAttemptSQL, identity, at); err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, countAttemptsSQL, identity, windowStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit attempt tx: %w", err)
	}
	return count, nil
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns
// a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; releasing the conn drops the session lock anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// TryResourceLock serialises executor check-then-act per resource by
// hashing the resource ID onto the advisory lock keyspace.
func (s *Store) TryResourceLock(ctx context.Context, resourceID string) (func(), bool, error) {
	return s.TryAdvisoryLock(ctx, lockKeyFor("resource:"+resourceID))
}

func lockKeyFor(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func collectSamples(rows pgx.Rows, capacity int) ([]SpendSample, error) {
	samples := make([]SpendSample, 0, capacity)
	for rows.Next() {
		var (
			sample    SpendSample
			amountStr string
		)
		if err := rows.Scan(
			&sample.ProjectID,
			&sample.PeriodTS,
			&amountStr,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		sample.Amount = amount
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}
