package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofesapp/automation/internal/store"
	"github.com/tofesapp/automation/internal/trigger"
)

// runCLI executes the root command against the given args and returns
// combined stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedDeadLetter(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := trigger.Event{
		ID: "ev-1", TenantID: "tenant-a", Type: "form.submitted",
		Payload: trigger.Payload{}, OccurredAt: at,
	}
	require.NoError(t, s.AppendEvent(ctx, ev))

	_, err = s.UpsertDeadLetter(ctx, trigger.DeadLetter{
		ID: "dl-1", EventID: "ev-1", TriggerID: "rule-1", ActionID: "act-1",
		ActionType: "webhook", FailureReason: "timeout", FailureCount: 3,
		EventSnapshot:  trigger.SnapshotEvent(ev),
		ActionSnapshot: trigger.ActionSnapshot{ID: "act-1", TriggerID: "rule-1", ActionType: "webhook"},
		Status:         trigger.DeadLetterPending,
		CreatedAt:      at, UpdatedAt: at,
	})
	require.NoError(t, err)
}

func TestEmitWithoutRules(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	out, err := runCLI(t, "emit", "order.created",
		"--db", dbPath, "--tenant", "tenant-a",
		"--payload", `{"total": 12.5}`)
	require.NoError(t, err)
	assert.Contains(t, out, "0 execution(s)")
}

func TestEmitFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	evPath := filepath.Join(dir, "event.yaml")
	body := "payload:\n  status: approved\nsource_type: form\nsource_id: f-1\n"
	require.NoError(t, os.WriteFile(evPath, []byte(body), 0o644))

	out, err := runCLI(t, "emit", "form.submitted",
		"--db", dbPath, "--tenant", "tenant-a", "--file", evPath)
	require.NoError(t, err)
	assert.Contains(t, out, "execution(s)")
}

func TestEmitRejectsBadPayload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	_, err := runCLI(t, "emit", "order.created",
		"--db", dbPath, "--tenant", "tenant-a",
		"--payload", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--payload")
}

func TestDLQStats(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seedDeadLetter(t, dbPath)

	out, err := runCLI(t, "dlq", "stats", "--db", dbPath, "--tenant", "tenant-a")
	require.NoError(t, err)
	assert.Contains(t, out, "total")
	assert.Contains(t, out, "pending")
}

func TestDLQListOtherTenantIsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seedDeadLetter(t, dbPath)

	out, err := runCLI(t, "dlq", "list", "--db", dbPath, "--tenant", "tenant-b")
	require.NoError(t, err)
	assert.Contains(t, out, "no dead letter entries")

	out, err = runCLI(t, "dlq", "list", "--db", dbPath, "--tenant", "tenant-a")
	require.NoError(t, err)
	assert.Contains(t, out, "dl-1")
	assert.Contains(t, out, "timeout")
}

func TestTenantRequired(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	_, err := runCLI(t, "dlq", "stats", "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tenant")
}

func TestTenantFromEnvironment(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seedDeadLetter(t, dbPath)
	t.Setenv("AUTOMATION_TENANT", "tenant-a")

	out, err := runCLI(t, "dlq", "stats", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "total")
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgDB := filepath.Join(dir, "from-config.db")
	flagDB := filepath.Join(dir, "from-flag.db")
	seedDeadLetter(t, flagDB)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: "+cfgDB+"\n"), 0o644))

	// The --db flag wins over the config file, so stats see the seeded
	// entry rather than an empty database.
	out, err := runCLI(t, "dlq", "stats",
		"--config", cfgPath, "--db", flagDB, "--tenant", "tenant-a")
	require.NoError(t, err)
	assert.Regexp(t, `total\s+1`, out)
	assert.Regexp(t, `pending\s+1`, out)
}
