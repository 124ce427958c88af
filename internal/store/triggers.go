package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// CreateRule inserts a trigger rule and its actions in one transaction.
// Rules normally arrive through the tenant-facing CRUD layer; this path
// exists for seeding and tests.
func (s *Store) CreateRule(ctx context.Context, rule trigger.Rule) error {
	if !rule.ErrorHandling.Valid() {
		return fmt.Errorf("create rule %s: invalid error_handling %q", rule.ID, rule.ErrorHandling)
	}

	condsJSON, err := marshalJSON(rule.Conditions)
	if err != nil {
		return fmt.Errorf("create rule %s: %w", rule.ID, err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_rules
			(id, tenant_id, name, event_type, enabled, priority, conditions, error_handling, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rule.ID,
			rule.TenantID,
			rule.Name,
			rule.EventType,
			boolToInt(rule.Enabled),
			rule.Priority,
			condsJSON,
			string(rule.ErrorHandling),
			rule.CreatedBy,
			fmtTime(rule.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.ID, err)
		}

		for _, action := range rule.Actions {
			configJSON, err := marshalJSON(action.Config)
			if err != nil {
				return fmt.Errorf("insert action %s: %w", action.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO trigger_actions
				(id, trigger_id, action_type, ord, config, timeout_ms, is_critical)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`,
				action.ID,
				rule.ID,
				action.ActionType,
				action.Order,
				configJSON,
				action.TimeoutMS,
				boolToInt(action.IsCritical),
			)
			if err != nil {
				return fmt.Errorf("insert action %s: %w", action.ID, err)
			}
		}

		return nil
	})
}

// EnabledRules returns the enabled rules of a tenant for one event type,
// with actions loaded in execution order. Rules come back sorted by
// priority descending; ties break on creation order so evaluation stays
// stable across calls.
func (s *Store) EnabledRules(ctx context.Context, tenantID, eventType string) ([]trigger.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, event_type, enabled, priority, conditions, error_handling, created_by, created_at
		FROM trigger_rules
		WHERE tenant_id = ? AND event_type = ? AND enabled = 1
		ORDER BY priority DESC, created_at ASC, id ASC
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []trigger.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	for i := range rules {
		actions, err := s.ruleActions(ctx, rules[i].ID)
		if err != nil {
			return nil, err
		}
		rules[i].Actions = actions
	}

	return rules, nil
}

// ruleActions loads a rule's actions in ascending execution order.
func (s *Store) ruleActions(ctx context.Context, triggerID string) ([]trigger.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, action_type, ord, config, timeout_ms, is_critical
		FROM trigger_actions
		WHERE trigger_id = ?
		ORDER BY ord ASC
	`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []trigger.Action
	for rows.Next() {
		var a trigger.Action
		var configJSON string
		var isCritical int
		if err := rows.Scan(&a.ID, &a.TriggerID, &a.ActionType, &a.Order, &configJSON, &a.TimeoutMS, &isCritical); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if a.Config, err = unmarshalConfig(configJSON); err != nil {
			return nil, err
		}
		a.IsCritical = isCritical != 0
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}

	return actions, nil
}

// ActionForRetry retrieves a single action across tenants, for the
// sweep's ledger retries. Returns ErrNotFound if the action has been
// deleted upstream.
func (s *Store) ActionForRetry(ctx context.Context, id string) (trigger.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_id, action_type, ord, config, timeout_ms, is_critical
		FROM trigger_actions
		WHERE id = ?
	`, id)

	var a trigger.Action
	var configJSON string
	var isCritical int
	err := row.Scan(&a.ID, &a.TriggerID, &a.ActionType, &a.Order, &configJSON, &a.TimeoutMS, &isCritical)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Action{}, ErrNotFound
	}
	if err != nil {
		return trigger.Action{}, fmt.Errorf("scan action: %w", err)
	}
	if a.Config, err = unmarshalConfig(configJSON); err != nil {
		return trigger.Action{}, err
	}
	a.IsCritical = isCritical != 0

	return a, nil
}

// RecordMatch writes the audit fact that a rule matched an event.
// Written for every match, including rules with zero actions.
func (s *Store) RecordMatch(ctx context.Context, tenantID, eventID, triggerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_matches (tenant_id, event_id, trigger_id, matched_at)
		VALUES (?, ?, ?, ?)
	`, tenantID, eventID, triggerID, fmtTime(at))
	if err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	return nil
}

// MatchedTriggers returns the trigger IDs recorded as matched for an
// event, in match order. Used for audit reads and tests.
func (s *Store) MatchedTriggers(ctx context.Context, tenantID, eventID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id FROM trigger_matches
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY id ASC
	`, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}

	return ids, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (trigger.Rule, error) {
	var rule trigger.Rule
	var enabled int
	var condsJSON, errorHandling, createdAt string

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.EventType,
		&enabled, &rule.Priority, &condsJSON, &errorHandling,
		&rule.CreatedBy, &createdAt,
	)
	if err != nil {
		return trigger.Rule{}, fmt.Errorf("scan rule: %w", err)
	}

	rule.Enabled = enabled != 0
	rule.ErrorHandling = trigger.ErrorHandling(errorHandling)
	if rule.Conditions, err = unmarshalConditions(condsJSON); err != nil {
		return trigger.Rule{}, err
	}
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return trigger.Rule{}, err
	}

	return rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
