// Package trigger defines the domain model for the event-trigger
// automation engine: events, trigger rules, actions, execution ledger
// rows, and dead letter entries. All entities are tenant-scoped.
package trigger

import (
	"fmt"
	"time"
)

// Payload is the opaque structured body of an event. The engine never
// interprets it beyond dot-path condition lookups.
type Payload map[string]any

// Event is an immutable fact recorded by the surrounding application
// (e.g. a form was submitted). Events are append-only and never mutated.
type Event struct {
	ID         string
	TenantID   string
	Type       string // e.g. "form.submitted"
	SourceType string
	SourceID   string
	Payload    Payload
	OccurredAt time.Time
}

// ErrorHandling controls what a trigger does when one of its actions fails.
type ErrorHandling string

const (
	// StopOnFirstError halts the remaining actions of the trigger.
	StopOnFirstError ErrorHandling = "stop_on_first_error"
	// ContinueOnError proceeds to the next action regardless of outcome.
	ContinueOnError ErrorHandling = "continue_on_error"
)

// Valid reports whether the value is a known error-handling policy.
func (e ErrorHandling) Valid() bool {
	return e == StopOnFirstError || e == ContinueOnError
}

// Operator is a condition predicate operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

// Valid reports whether the operator is part of the closed set.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists:
		return true
	}
	return false
}

// Condition is one structured predicate against an event payload.
// FieldPath uses dot notation ("form.status"). A rule's conditions are
// AND-ed; any failing predicate excludes the rule.
type Condition struct {
	FieldPath string   `json:"field_path"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value,omitempty"`
}

// Rule is a tenant-defined trigger: "when event X matches these
// conditions, run these actions". Rules are created by the tenant-facing
// CRUD layer; the engine only reads enabled ones.
type Rule struct {
	ID            string
	TenantID      string
	Name          string
	EventType     string
	Enabled       bool
	Priority      int // higher runs first among matches for the same event
	Conditions    []Condition
	ErrorHandling ErrorHandling
	CreatedBy     string
	CreatedAt     time.Time
	Actions       []Action // ascending Order
}

// Action is one unit of work attached to a rule. Order is unique within
// a rule and defines execution order. Config is opaque to the engine and
// interpreted by the registered handler for ActionType.
type Action struct {
	ID         string
	TriggerID  string
	ActionType string // key into the handler registry
	Order      int
	Config     map[string]any
	TimeoutMS  int
	// IsCritical failures halt the trigger regardless of ErrorHandling.
	IsCritical bool
}

// Timeout returns the per-attempt timeout, falling back to def when the
// action carries none.
func (a Action) Timeout(def time.Duration) time.Duration {
	if a.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// ExecutionStatus is the state of one ledger row.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Valid reports whether the value is a known execution status.
func (s ExecutionStatus) Valid() bool {
	return s == ExecutionPending || s == ExecutionSuccess || s == ExecutionFailed
}

// ExecError is the structured error detail stored on failed ledger rows
// and dead letter entries.
type ExecError struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
	Timeout   bool   `json:"timeout,omitempty"`
}

func (e ExecError) Error() string { return e.Message }

// Execution is one ledger row: a single attempt of one action for one
// event. The ledger is the source of truth for "did this already run".
// Invariant: at most one pending row per (event, action) at a time.
type Execution struct {
	ID          string
	TenantID    string
	EventID     string
	TriggerID   string
	ActionID    string
	Attempt     int // 1-based, monotonically increasing
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       *ExecError
}

// Elapsed returns the attempt duration, or zero while still pending.
func (e Execution) Elapsed() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// DeadLetterStatus is the lifecycle state of a DLQ entry.
type DeadLetterStatus string

const (
	DeadLetterPending    DeadLetterStatus = "pending"
	DeadLetterProcessing DeadLetterStatus = "processing"
	DeadLetterResolved   DeadLetterStatus = "resolved"
	DeadLetterFailed     DeadLetterStatus = "failed"
)

// Valid reports whether the value is a known dead letter status.
func (s DeadLetterStatus) Valid() bool {
	switch s {
	case DeadLetterPending, DeadLetterProcessing, DeadLetterResolved, DeadLetterFailed:
		return true
	}
	return false
}

// Unresolved reports whether the entry still needs triage.
func (s DeadLetterStatus) Unresolved() bool {
	return s == DeadLetterPending || s == DeadLetterProcessing
}

// EventSnapshot is the immutable copy of an event captured when a dead
// letter entry is created. Recovery replays from the snapshot, so it does
// not depend on mutable upstream state.
type EventSnapshot struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Type       string    `json:"type"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Payload    Payload   `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActionSnapshot is the immutable copy of the action configuration at
// failure time. The originating action may be edited or deleted later.
type ActionSnapshot struct {
	ID         string         `json:"id"`
	TriggerID  string         `json:"trigger_id"`
	ActionType string         `json:"action_type"`
	Order      int            `json:"order"`
	Config     map[string]any `json:"config,omitempty"`
	TimeoutMS  int            `json:"timeout_ms"`
	IsCritical bool           `json:"is_critical"`
}

// SnapshotEvent captures an event for DLQ storage.
func SnapshotEvent(ev Event) EventSnapshot {
	return EventSnapshot{
		ID:         ev.ID,
		TenantID:   ev.TenantID,
		Type:       ev.Type,
		SourceType: ev.SourceType,
		SourceID:   ev.SourceID,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
	}
}

// SnapshotAction captures an action configuration for DLQ storage.
func SnapshotAction(a Action) ActionSnapshot {
	return ActionSnapshot{
		ID:         a.ID,
		TriggerID:  a.TriggerID,
		ActionType: a.ActionType,
		Order:      a.Order,
		Config:     a.Config,
		TimeoutMS:  a.TimeoutMS,
		IsCritical: a.IsCritical,
	}
}

// Event reconstructs the captured event for replay.
func (s EventSnapshot) Event() Event {
	return Event{
		ID:         s.ID,
		TenantID:   s.TenantID,
		Type:       s.Type,
		SourceType: s.SourceType,
		SourceID:   s.SourceID,
		Payload:    s.Payload,
		OccurredAt: s.OccurredAt,
	}
}

// Action reconstructs the captured action configuration for replay.
func (s ActionSnapshot) Action() Action {
	return Action{
		ID:         s.ID,
		TriggerID:  s.TriggerID,
		ActionType: s.ActionType,
		Order:      s.Order,
		Config:     s.Config,
		TimeoutMS:  s.TimeoutMS,
		IsCritical: s.IsCritical,
	}
}

// DeadLetter holds one action execution that exhausted its retry budget.
// FailureCount is monotonically increasing across retries. RetryAfter nil
// or in the past means the entry is eligible for the retry sweep.
type DeadLetter struct {
	ID             string
	EventID        string
	TriggerID      string
	ActionID       string
	ActionType     string
	FailureReason  string
	FailureCount   int
	LastError      *ExecError
	EventSnapshot  EventSnapshot
	ActionSnapshot ActionSnapshot
	Status         DeadLetterStatus
	RetryAfter     *time.Time
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks structural invariants before a dead letter is written.
func (d DeadLetter) Validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("dead letter %s: invalid status %q", d.ID, d.Status)
	}
	if d.FailureCount < 1 {
		return fmt.Errorf("dead letter %s: failure_count %d < 1", d.ID, d.FailureCount)
	}
	if d.Status == DeadLetterResolved && d.RetryAfter != nil {
		return fmt.Errorf("dead letter %s: resolved entry with retry_after set", d.ID)
	}
	return nil
}
