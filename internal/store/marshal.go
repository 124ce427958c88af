package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tofesapp/automation/internal/trigger"
)

// timeLayout is a fixed-width UTC format so stored timestamps compare
// correctly both lexicographically (retry_after <= ?) and through
// SQLite's date functions.
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written by external tooling in plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON serializes a value to JSON TEXT with HTML escaping
// disabled, so payloads round-trip byte-stable for snapshots.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalPayload(data string) (trigger.Payload, error) {
	if data == "" || data == "{}" || data == "null" {
		return trigger.Payload{}, nil
	}
	var p trigger.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

func unmarshalConfig(data string) (map[string]any, error) {
	if data == "" || data == "{}" || data == "null" {
		return map[string]any{}, nil
	}
	var c map[string]any
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

func unmarshalConditions(data string) ([]trigger.Condition, error) {
	if data == "" || data == "[]" || data == "null" {
		return nil, nil
	}
	var conds []trigger.Condition
	if err := json.Unmarshal([]byte(data), &conds); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	return conds, nil
}

func marshalExecError(e *trigger.ExecError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := marshalJSON(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal exec error: %w", err)
	}
	return sql.NullString{String: data, Valid: true}, nil
}

func unmarshalExecError(data sql.NullString) (*trigger.ExecError, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var e trigger.ExecError
	if err := json.Unmarshal([]byte(data.String), &e); err != nil {
		return nil, fmt.Errorf("unmarshal exec error: %w", err)
	}
	return &e, nil
}

func unmarshalEventSnapshot(data string) (trigger.EventSnapshot, error) {
	var snap trigger.EventSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return trigger.EventSnapshot{}, fmt.Errorf("unmarshal event snapshot: %w", err)
	}
	return snap, nil
}

func unmarshalActionSnapshot(data string) (trigger.ActionSnapshot, error) {
	var snap trigger.ActionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return trigger.ActionSnapshot{}, fmt.Errorf("unmarshal action snapshot: %w", err)
	}
	return snap, nil
}
