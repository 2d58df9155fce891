package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/wardgate/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedger(db)
}

func TestAppendAndList(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id := l.Append(ctx, Entry{
		TenantID:      "city-hospital",
		SessionID:     "s1",
		UserID:        "nurse-7",
		Channel:       "webchat",
		Action:        ActionToolCall,
		ToolName:      "get_vitals",
		Params:        map[string]any{"patient_id": "P001"},
		ResultSummary: `{"heart_rate": 72}`,
	})
	require.NotZero(t, id)

	l.Append(ctx, Entry{
		TenantID: "city-hospital", SessionID: "s1", Action: ActionChatResponse,
		Provider: "ward-llm", Model: "qwen2.5-32b-instruct", LatencyMS: 420,
	})

	records, err := l.List(ctx, Find{TenantID: "city-hospital"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, ActionChatResponse, records[0].Action)
	assert.Equal(t, ActionToolCall, records[1].Action)
	assert.Equal(t, "get_vitals", records[1].ToolName)
	assert.NotEmpty(t, records[1].ParamsHash)
	assert.NotContains(t, records[1].ParamsHash, "P001", "raw params never land in the ledger")
}

func TestListFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.Append(ctx, Entry{TenantID: "city-hospital", SessionID: "s1", Action: ActionToolCall, ToolName: "get_vitals"})
	l.Append(ctx, Entry{TenantID: "city-hospital", SessionID: "s2", Action: ActionCriticalGated, ToolName: "write_order"})
	l.Append(ctx, Entry{TenantID: "rival-clinic", SessionID: "s9", Action: ActionToolCall})

	t.Run("tenant scoping", func(t *testing.T) {
		records, err := l.List(ctx, Find{TenantID: "rival-clinic"})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("session filter", func(t *testing.T) {
		records, err := l.List(ctx, Find{TenantID: "city-hospital", SessionID: "s2"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ActionCriticalGated, records[0].Action)
	})

	t.Run("action filter", func(t *testing.T) {
		records, err := l.List(ctx, Find{TenantID: "city-hospital", Action: ActionToolCall})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("tenant is required", func(t *testing.T) {
		_, err := l.List(ctx, Find{})
		assert.Error(t, err)
	})
}

func TestHashParams(t *testing.T) {
	a := HashParams(map[string]any{"patient_id": "P001", "units": 2})
	b := HashParams(map[string]any{"units": 2, "patient_id": "P001"})
	assert.Equal(t, a, b, "hash must not depend on key order")

	c := HashParams(map[string]any{"patient_id": "P002", "units": 2})
	assert.NotEqual(t, a, c)

	assert.Empty(t, HashParams(nil))
}

func TestAppendFailureAlerts(t *testing.T) {
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	var alerted error
	l := NewLedger(db, func(o *Options) {
		o.Alert = func(err error) { alerted = err }
	})

	// Force write failure.
	require.NoError(t, db.Close())

	id := l.Append(context.Background(), Entry{TenantID: "city-hospital", Action: ActionToolCall})
	assert.Zero(t, id, "a failed write returns no id and must not panic or block")
	assert.Error(t, alerted)
}

func TestEscalations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	auditID := l.Append(ctx, Entry{TenantID: "city-hospital", SessionID: "s1", Action: ActionEscalate, ToolName: "escalate"})
	escID, err := l.AppendEscalation(ctx, "city-hospital", auditID, "on_call_physician", "unstable vitals")
	require.NoError(t, err)
	require.NotZero(t, escID)

	t.Run("resolve exactly once", func(t *testing.T) {
		require.NoError(t, l.ResolveEscalation(ctx, "city-hospital", escID, "dr-rao", "seen at bedside"))
		err := l.ResolveEscalation(ctx, "city-hospital", escID, "dr-rao", "duplicate")
		assert.Error(t, err)
	})

	t.Run("cross-tenant resolve fails", func(t *testing.T) {
		otherID, err := l.AppendEscalation(ctx, "city-hospital", auditID, "icu_consultant", "second opinion")
		require.NoError(t, err)
		assert.Error(t, l.ResolveEscalation(ctx, "rival-clinic", otherID, "x", "y"))
	})

	t.Run("list", func(t *testing.T) {
		escs, err := l.ListEscalations(ctx, "city-hospital")
		require.NoError(t, err)
		assert.Len(t, escs, 2)
	})
}
