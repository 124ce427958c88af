package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tofesapp/automation/internal/trigger"
)

// AppendEvent inserts an event record. Events are append-only; a
// duplicate ID is silently ignored (ON CONFLICT DO NOTHING) so re-fed
// events stay idempotent.
func (s *Store) AppendEvent(ctx context.Context, ev trigger.Event) error {
	payloadJSON, err := marshalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, tenant_id, type, source_type, source_id, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.TenantID,
		ev.Type,
		ev.SourceType,
		ev.SourceID,
		payloadJSON,
		fmtTime(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// GetEvent retrieves an event by ID within a tenant.
// Returns ErrNotFound for unknown or cross-tenant IDs.
func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (trigger.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, source_type, source_id, payload, occurred_at
		FROM events
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	return scanEvent(row)
}

// EventForRetry retrieves an event across tenants. Reserved for the
// retry sweep, which operates engine-wide; management reads go through
// GetEvent.
func (s *Store) EventForRetry(ctx context.Context, id string) (trigger.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, source_type, source_id, payload, occurred_at
		FROM events
		WHERE id = ?
	`, id)

	return scanEvent(row)
}

func scanEvent(row *sql.Row) (trigger.Event, error) {
	var ev trigger.Event
	var payloadJSON, occurredAt string

	err := row.Scan(&ev.ID, &ev.TenantID, &ev.Type, &ev.SourceType, &ev.SourceID, &payloadJSON, &occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Event{}, ErrNotFound
	}
	if err != nil {
		return trigger.Event{}, fmt.Errorf("scan event: %w", err)
	}

	if ev.Payload, err = unmarshalPayload(payloadJSON); err != nil {
		return trigger.Event{}, err
	}
	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return trigger.Event{}, err
	}

	return ev, nil
}
