package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

const deadLetterColumns = `id, event_id, trigger_id, action_id, action_type, failure_reason, failure_count,
	last_error, event_snapshot, action_snapshot, status, retry_after, resolved_at, created_at, updated_at`

// UpsertDeadLetter creates a dead letter for an (event, action) pair, or
// increments the failure count of the existing one. Snapshots are written
// once at creation and never touched again; a terminal 'failed' entry
// stays failed (permanent-failure marking is not undone by new failures),
// while a previously resolved entry reopens as pending.
func (s *Store) UpsertDeadLetter(ctx context.Context, d trigger.DeadLetter) (trigger.DeadLetter, error) {
	if err := d.Validate(); err != nil {
		return trigger.DeadLetter{}, fmt.Errorf("upsert dead letter: %w", err)
	}

	lastErrJSON, err := marshalExecError(d.LastError)
	if err != nil {
		return trigger.DeadLetter{}, fmt.Errorf("upsert dead letter: %w", err)
	}
	eventSnapJSON, err := marshalJSON(d.EventSnapshot)
	if err != nil {
		return trigger.DeadLetter{}, fmt.Errorf("upsert dead letter: marshal event snapshot: %w", err)
	}
	actionSnapJSON, err := marshalJSON(d.ActionSnapshot)
	if err != nil {
		return trigger.DeadLetter{}, fmt.Errorf("upsert dead letter: marshal action snapshot: %w", err)
	}

	var id string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM dead_letters WHERE event_id = ? AND action_id = ?
		`, d.EventID, d.ActionID).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO dead_letters
				(`+deadLetterColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				d.ID, d.EventID, d.TriggerID, d.ActionID, d.ActionType,
				d.FailureReason, d.FailureCount, lastErrJSON,
				eventSnapJSON, actionSnapJSON, string(d.Status),
				fmtTimePtr(d.RetryAfter), fmtTimePtr(d.ResolvedAt),
				fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert dead letter: %w", err)
			}
			id = d.ID
			return nil

		case err != nil:
			return fmt.Errorf("lookup dead letter: %w", err)

		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE dead_letters
				SET failure_count = failure_count + 1,
				    failure_reason = ?,
				    last_error = ?,
				    retry_after = ?,
				    resolved_at = NULL,
				    status = CASE WHEN status = 'failed' THEN 'failed' ELSE 'pending' END,
				    updated_at = ?
				WHERE id = ?
			`, d.FailureReason, lastErrJSON, fmtTimePtr(d.RetryAfter), fmtTime(d.UpdatedAt), existingID)
			if err != nil {
				return fmt.Errorf("update dead letter: %w", err)
			}
			id = existingID
			return nil
		}
	})
	if err != nil {
		return trigger.DeadLetter{}, err
	}

	return s.getDeadLetterAny(ctx, id)
}

// GetDeadLetter retrieves a dead letter within a tenant. Tenant ownership
// is resolved by joining through the entry's event; unknown and
// cross-tenant IDs both come back as ErrNotFound.
func (s *Store) GetDeadLetter(ctx context.Context, tenantID, id string) (trigger.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.event_id, d.trigger_id, d.action_id, d.action_type, d.failure_reason, d.failure_count,
		       d.last_error, d.event_snapshot, d.action_snapshot, d.status, d.retry_after, d.resolved_at, d.created_at, d.updated_at
		FROM dead_letters d
		JOIN events e ON d.event_id = e.id
		WHERE d.id = ? AND e.tenant_id = ?
	`, id, tenantID)

	return scanDeadLetter(row)
}

func (s *Store) getDeadLetterAny(ctx context.Context, id string) (trigger.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE id = ?
	`, id)

	return scanDeadLetter(row)
}

// ClaimDeadLetter transitions an entry from an expected prior status to
// processing. The optimistic guard means exactly one caller wins when two
// sweep workers race on the same entry.
func (s *Store) ClaimDeadLetter(ctx context.Context, id string, from trigger.DeadLetterStatus, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = ?
	`, fmtTime(at), id, string(from))
	if err != nil {
		return false, fmt.Errorf("claim dead letter %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dead letter %s: rows affected: %w", id, err)
	}
	return rows > 0, nil
}

// ResolveDeadLetter marks a processing entry as resolved after a
// successful retry. Clears retry_after: a resolved entry is never again
// eligible for the sweep.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'resolved', resolved_at = ?, retry_after = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, fmtTime(at), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: rows affected: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("resolve dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordRetryFailure returns a processing entry to pending after a failed
// retry, incrementing the failure count and pushing out retry_after.
func (s *Store) RecordRetryFailure(ctx context.Context, id string, lastErr *trigger.ExecError, retryAfter, at time.Time) error {
	lastErrJSON, err := marshalExecError(lastErr)
	if err != nil {
		return fmt.Errorf("record retry failure %s: %w", id, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'pending', failure_count = failure_count + 1, last_error = ?, retry_after = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, lastErrJSON, fmtTime(retryAfter), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("record retry failure %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record retry failure %s: rows affected: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("record retry failure %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailedPermanently transitions an unresolved entry to the terminal
// failed status. No further automatic retries pick it up.
func (s *Store) MarkFailedPermanently(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'failed', failure_reason = ?, retry_after = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, reason, fmtTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark dead letter failed %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark dead letter failed %s: rows affected: %w", id, err)
	}
	return rows > 0, nil
}

// ReadyForRetry returns a tenant's pending entries whose retry_after is
// null or has elapsed.
func (s *Store) ReadyForRetry(ctx context.Context, tenantID string, now time.Time, limit int) ([]trigger.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.event_id, d.trigger_id, d.action_id, d.action_type, d.failure_reason, d.failure_count,
		       d.last_error, d.event_snapshot, d.action_snapshot, d.status, d.retry_after, d.resolved_at, d.created_at, d.updated_at
		FROM dead_letters d
		JOIN events e ON d.event_id = e.id
		WHERE e.tenant_id = ?
		  AND d.status = 'pending'
		  AND (d.retry_after IS NULL OR d.retry_after <= ?)
		ORDER BY d.created_at ASC
		LIMIT ?
	`, tenantID, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query ready dead letters: %w", err)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// SweepCandidates returns, engine-wide, the entries the retry sweep
// should drive: pending entries that are due, plus entries already marked
// processing by a manual retry. The in-flight ledger claim keeps a
// processing entry from being executed twice concurrently.
func (s *Store) SweepCandidates(ctx context.Context, now time.Time, limit int) ([]trigger.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE (status = 'pending' AND (retry_after IS NULL OR retry_after <= ?))
		   OR status = 'processing'
		ORDER BY created_at ASC
		LIMIT ?
	`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// ListDeadLetters returns a tenant's entries, optionally filtered by
// status, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, status trigger.DeadLetterStatus, limit, offset int) ([]trigger.DeadLetter, error) {
	query := `
		SELECT d.id, d.event_id, d.trigger_id, d.action_id, d.action_type, d.failure_reason, d.failure_count,
		       d.last_error, d.event_snapshot, d.action_snapshot, d.status, d.retry_after, d.resolved_at, d.created_at, d.updated_at
		FROM dead_letters d
		JOIN events e ON d.event_id = e.id
		WHERE e.tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += " AND d.status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY d.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// AutoResolveOld transitions a tenant's entries that are still unresolved
// past the retention cutoff to failed, and returns the count affected.
func (s *Store) AutoResolveOld(ctx context.Context, tenantID string, cutoff, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'failed', failure_reason = 'retention_expired', retry_after = NULL, updated_at = ?
		WHERE status IN ('pending', 'processing')
		  AND created_at <= ?
		  AND event_id IN (SELECT id FROM events WHERE tenant_id = ?)
	`, fmtTime(at), fmtTime(cutoff), tenantID)
	if err != nil {
		return 0, fmt.Errorf("auto resolve old dead letters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("auto resolve old dead letters: rows affected: %w", err)
	}
	return rows, nil
}

// DeadLetterStats summarizes a tenant's DLQ by status.
type DeadLetterStats struct {
	Total      int
	Pending    int
	Processing int
	Resolved   int
	Failed     int
}

// Unresolved returns the count of entries still needing triage.
func (s DeadLetterStats) Unresolved() int {
	return s.Pending + s.Processing
}

// DeadLetterCounts returns per-status counts for a tenant's DLQ.
func (s *Store) DeadLetterCounts(ctx context.Context, tenantID string) (DeadLetterStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.status, COUNT(*)
		FROM dead_letters d
		JOIN events e ON d.event_id = e.id
		WHERE e.tenant_id = ?
		GROUP BY d.status
	`, tenantID)
	if err != nil {
		return DeadLetterStats{}, fmt.Errorf("dead letter counts: %w", err)
	}
	defer rows.Close()

	var stats DeadLetterStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return DeadLetterStats{}, fmt.Errorf("scan dead letter count: %w", err)
		}
		stats.Total += count
		switch trigger.DeadLetterStatus(status) {
		case trigger.DeadLetterPending:
			stats.Pending = count
		case trigger.DeadLetterProcessing:
			stats.Processing = count
		case trigger.DeadLetterResolved:
			stats.Resolved = count
		case trigger.DeadLetterFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return DeadLetterStats{}, fmt.Errorf("iterate dead letter counts: %w", err)
	}

	return stats, nil
}

// GroupCount is one bucket of a failure analysis grouping.
type GroupCount struct {
	Key   string
	Count int
}

// FailureGroups groups a tenant's dead letters by failure reason, owning
// trigger name, and action type. Surfaces systemic patterns like one
// webhook endpoint consistently timing out.
type FailureGroups struct {
	ByReason     []GroupCount
	ByTrigger    []GroupCount
	ByActionType []GroupCount
}

// AnalyzeDeadLetters computes failure groupings over all of a tenant's
// entries, resolved and unresolved alike. Deleted trigger rules fall back
// to their raw ID.
func (s *Store) AnalyzeDeadLetters(ctx context.Context, tenantID string) (FailureGroups, error) {
	var groups FailureGroups
	var err error

	groups.ByReason, err = s.groupDeadLetters(ctx, tenantID, "d.failure_reason")
	if err != nil {
		return FailureGroups{}, err
	}
	groups.ByTrigger, err = s.groupDeadLetters(ctx, tenantID, "COALESCE(tr.name, d.trigger_id)")
	if err != nil {
		return FailureGroups{}, err
	}
	groups.ByActionType, err = s.groupDeadLetters(ctx, tenantID, "d.action_type")
	if err != nil {
		return FailureGroups{}, err
	}

	return groups, nil
}

// groupDeadLetters runs one grouping query. keyExpr is one of a fixed set
// of column expressions chosen above, never caller input.
func (s *Store) groupDeadLetters(ctx context.Context, tenantID, keyExpr string) ([]GroupCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyExpr+`, COUNT(*) AS n
		FROM dead_letters d
		JOIN events e ON d.event_id = e.id
		LEFT JOIN trigger_rules tr ON d.trigger_id = tr.id
		WHERE e.tenant_id = ?
		GROUP BY `+keyExpr+`
		ORDER BY n DESC, 1 ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("group dead letters: %w", err)
	}
	defer rows.Close()

	var groups []GroupCount
	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}

	return groups, nil
}

type deadLetterScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row deadLetterScanner) (trigger.DeadLetter, error) {
	var d trigger.DeadLetter
	var status, eventSnapJSON, actionSnapJSON, createdAt, updatedAt string
	var lastErrJSON, retryAfter, resolvedAt sql.NullString

	err := row.Scan(
		&d.ID, &d.EventID, &d.TriggerID, &d.ActionID, &d.ActionType,
		&d.FailureReason, &d.FailureCount, &lastErrJSON,
		&eventSnapJSON, &actionSnapJSON, &status,
		&retryAfter, &resolvedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return trigger.DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}

	d.Status = trigger.DeadLetterStatus(status)
	if d.LastError, err = unmarshalExecError(lastErrJSON); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.EventSnapshot, err = unmarshalEventSnapshot(eventSnapJSON); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.ActionSnapshot, err = unmarshalActionSnapshot(actionSnapJSON); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.RetryAfter, err = parseTimePtr(retryAfter); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return trigger.DeadLetter{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return trigger.DeadLetter{}, err
	}

	return d, nil
}

func collectDeadLetters(rows *sql.Rows) ([]trigger.DeadLetter, error) {
	var entries []trigger.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}
