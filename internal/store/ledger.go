package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// InsertPending writes the durable pending row for an attempt BEFORE the
// side effect runs, so a crash mid-dispatch leaves an auditable trace.
//
// The partial unique index on (event_id, action_id) WHERE status='pending'
// makes this double as the dispatch claim: when another worker already
// holds a pending row for the pair, the insert is a no-op and claimed is
// false. Callers must skip execution in that case.
func (s *Store) InsertPending(ctx context.Context, exec trigger.Execution) (claimed bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO action_executions
		(id, tenant_id, event_id, trigger_id, action_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(event_id, action_id) WHERE status = 'pending' DO NOTHING
	`,
		exec.ID,
		exec.TenantID,
		exec.EventID,
		exec.TriggerID,
		exec.ActionID,
		exec.Attempt,
		fmtTime(exec.StartedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert pending execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert pending execution: rows affected: %w", err)
	}
	return rows > 0, nil
}

// Complete transitions a pending ledger row to success or failed.
// The WHERE status='pending' guard keeps a stale worker from clobbering
// a row another path already finalized; such an update reports ErrNotFound.
func (s *Store) Complete(ctx context.Context, id string, status trigger.ExecutionStatus, completedAt time.Time, execErr *trigger.ExecError) error {
	if status != trigger.ExecutionSuccess && status != trigger.ExecutionFailed {
		return fmt.Errorf("complete execution %s: invalid terminal status %q", id, status)
	}

	errJSON, err := marshalExecError(execErr)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE action_executions
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), fmtTime(completedAt), errJSON, id)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution %s: rows affected: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("complete execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// LatestAttempt returns the highest attempt number recorded for an
// (event, action) pair, or 0 when none exists.
func (s *Store) LatestAttempt(ctx context.Context, eventID, actionID string) (int, error) {
	var attempt int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt), 0)
		FROM action_executions
		WHERE event_id = ? AND action_id = ?
	`, eventID, actionID).Scan(&attempt)
	if err != nil {
		return 0, fmt.Errorf("latest attempt: %w", err)
	}
	return attempt, nil
}

// Executions returns the ledger rows of one event within a tenant,
// ordered by start time then attempt.
func (s *Store) Executions(ctx context.Context, tenantID, eventID string) ([]trigger.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, event_id, trigger_id, action_id, attempt, status, started_at, completed_at, error
		FROM action_executions
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY started_at ASC, attempt ASC, id ASC
	`, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// FailedRetryCandidates returns, engine-wide, the latest failed attempt
// per (event, action) that still has retry budget and no dead letter.
// Backoff eligibility is the caller's concern: the computed retry time
// depends on the failure count, which the scheduler owns.
func (s *Store) FailedRetryCandidates(ctx context.Context, maxAttempts, limit int) ([]trigger.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ae.id, ae.tenant_id, ae.event_id, ae.trigger_id, ae.action_id, ae.attempt, ae.status, ae.started_at, ae.completed_at, ae.error
		FROM action_executions ae
		WHERE ae.status = 'failed'
		  AND ae.attempt < ?
		  AND ae.attempt = (
			SELECT MAX(a2.attempt) FROM action_executions a2
			WHERE a2.event_id = ae.event_id AND a2.action_id = ae.action_id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM action_executions p
			WHERE p.event_id = ae.event_id AND p.action_id = ae.action_id AND p.status = 'pending'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM dead_letters d
			WHERE d.event_id = ae.event_id AND d.action_id = ae.action_id
		  )
		ORDER BY ae.completed_at ASC
		LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query retry candidates: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]trigger.Execution, error) {
	var execs []trigger.Execution
	for rows.Next() {
		var e trigger.Execution
		var status, startedAt string
		var completedAt, errJSON sql.NullString

		err := rows.Scan(&e.ID, &e.TenantID, &e.EventID, &e.TriggerID, &e.ActionID, &e.Attempt, &status, &startedAt, &completedAt, &errJSON)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}

		e.Status = trigger.ExecutionStatus(status)
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		if e.Error, err = unmarshalExecError(errJSON); err != nil {
			return nil, err
		}

		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	return execs, nil
}
