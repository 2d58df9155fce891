package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/wardgate/audit"
	"github.com/careops/wardgate/confirm"
	"github.com/careops/wardgate/core"
	"github.com/careops/wardgate/facts"
	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/redact"
	"github.com/careops/wardgate/session"
	"github.com/careops/wardgate/storage"
	"github.com/careops/wardgate/tool"
)

func testDefs() []tool.Definition {
	return []tool.Definition{
		{
			Name:   "get_vitals",
			Params: map[string]tool.FieldSchema{"patient_id": {Type: "string", Required: true}},
			Route:  tool.Route{Service: tool.ServiceMonitoring, Method: "GET", Path: "/vitals/{patient_id}"},
		},
		{
			Name:     "write_order",
			Critical: true,
			Params: map[string]tool.FieldSchema{
				"patient_id": {Type: "string", Required: true},
				"order_type": {Type: "string", Required: true},
			},
			Route: tool.Route{Service: tool.ServiceEHR, Method: "POST", Path: "/fhir/ServiceRequest"},
		},
		{
			Name:     "initiate_code_blue",
			Critical: true,
			Params:   map[string]tool.FieldSchema{"patient_id": {Type: "string", Required: true}},
			Route:    tool.Route{Service: tool.ServiceMonitoring, Method: "POST", Path: "/code-blue"},
		},
		{Name: "escalate"},
	}
}

type fixture struct {
	agent    *Agent
	ledger   *audit.Ledger
	facts    *facts.Store
	sessions *session.Store
}

func newFixture(t *testing.T, backends map[string]string, providers *provider.Registry, optFns ...func(o *Options)) *fixture {
	t.Helper()

	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "wardgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry, err := tool.NewRegistry(testDefs()...)
	require.NoError(t, err)

	ledger := audit.NewLedger(db)
	factStore := facts.NewStore(db, nil)
	sessions := session.NewStore(t.TempDir(), nil)

	ag := New(Deps{
		Registry:     registry,
		Dispatcher:   tool.NewDispatcher(backends),
		Providers:    providers,
		Sessions:     sessions,
		Consolidator: session.NewConsolidator(sessions, 30, 10, nil),
		Facts:        factStore,
		Ledger:       ledger,
		Broker:       confirm.NewBroker(),
	}, optFns...)

	return &fixture{agent: ag, ledger: ledger, facts: factStore, sessions: sessions}
}

func toolCallReply(name string, params map[string]any) provider.Reply {
	return provider.Reply{ToolCalls: []core.ToolCall{{ID: core.NewID(), Name: name, Params: params}}}
}

func jsonBackend(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatToolDispatch(t *testing.T) {
	ctx := context.Background()
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patient_id": "P001", "heart_rate": 72, "spo2": 97}`))
	}))
	defer backend.Close()

	mock := provider.NewMock().Queue(
		toolCallReply("get_vitals", map[string]any{"patient_id": "P001"}),
		provider.Reply{Text: "Heart rate is 72 bpm."},
	)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", UserID: "nurse7", Channel: "webchat", Message: "vitals for P001"})
	require.NoError(t, err)
	assert.Equal(t, "Heart rate is 72 bpm.", res.Text)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "/vitals/P001", gotPath)

	require.Len(t, mock.Requests, 2)
	msgs := mock.Requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "Tool result for get_vitals")
	assert.Contains(t, msgs[len(msgs)-1].Content, "heart_rate")

	calls, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionToolCall})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_vitals", calls[0].ToolName)
	assert.Equal(t, res.SessionID, calls[0].SessionID)

	responses, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionChatResponse})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "mock", responses[0].Provider)

	fact, err := f.facts.Latest(ctx, "default", "P001", "vitals")
	require.NoError(t, err)
	require.NotNil(t, fact)
	assert.Equal(t, "get_vitals", fact.SourceTool)
}

func TestChatCriticalConfirmFlow(t *testing.T) {
	ctx := context.Background()
	var hits int32
	backend := jsonBackend(t, `{"order_id": "ORD-1", "status": "created"}`, &hits)

	mock := provider.NewMock().Queue(
		toolCallReply("write_order", map[string]any{"patient_id": "P001", "order_type": "CBC"}),
		provider.Reply{Text: "The order is awaiting confirmation."},
	)
	f := newFixture(t, map[string]string{tool.ServiceEHR: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", UserID: "dr2", Channel: "webchat", Message: "order a CBC for P001"})
	require.NoError(t, err)
	assert.Equal(t, "The order is awaiting confirmation.", res.Text)
	assert.Zero(t, atomic.LoadInt32(&hits), "gated action must not reach the backend")

	msgs := mock.Requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "awaiting_confirmation")

	gated, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionCriticalGated})
	require.NoError(t, err)
	require.Len(t, gated, 1)
	confID := gated[0].ConfirmationID
	require.NotEmpty(t, confID)

	t.Run("wrong tenant cannot confirm", func(t *testing.T) {
		_, err := f.agent.Confirm(ctx, "other-hospital", confID)
		assert.ErrorIs(t, err, confirm.ErrNotFound)
		assert.Zero(t, atomic.LoadInt32(&hits))
	})

	t.Run("owner confirm executes once", func(t *testing.T) {
		result, err := f.agent.Confirm(ctx, "default", confID)
		require.NoError(t, err)
		assert.Equal(t, "ORD-1", result["order_id"])
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

		confirmed, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionCriticalConfirmed})
		require.NoError(t, err)
		require.Len(t, confirmed, 1)
		assert.Equal(t, confID, confirmed[0].ConfirmationID)
		assert.Equal(t, "write_order", confirmed[0].ToolName)
	})

	t.Run("second confirm is rejected", func(t *testing.T) {
		_, err := f.agent.Confirm(ctx, "default", confID)
		assert.ErrorIs(t, err, confirm.ErrAlreadyResolved)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})
}

func TestChatDegradedFallback(t *testing.T) {
	ctx := context.Background()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "monitoring gateway down", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	mock := provider.NewMock().Queue(
		toolCallReply("get_vitals", map[string]any{"patient_id": "P001"}),
		provider.Reply{Text: "Showing the last stored vitals."},
	)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	seed := facts.Fact{
		TenantID:   "default",
		PatientID:  "P001",
		FactType:   "vitals",
		SourceTool: "get_vitals",
		Data:       map[string]any{"heart_rate": float64(70)},
		RecordedAt: time.Now().UTC().Add(-30 * time.Minute),
	}
	require.NoError(t, f.facts.Record(ctx, seed))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", UserID: "nurse7", Channel: "webchat", Message: "vitals for P001"})
	require.NoError(t, err)
	assert.Equal(t, "Showing the last stored vitals.", res.Text)

	msgs := mock.Requests[1].Messages
	last := msgs[len(msgs)-1].Content
	assert.Contains(t, last, `"degraded": true`)
	assert.Contains(t, last, "Showing stored data recorded")

	failures, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionToolFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "get_vitals", failures[0].ToolName)

	degraded, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionDegradedMode})
	require.NoError(t, err)
	require.Len(t, degraded, 1)
	assert.Contains(t, degraded[0].ResultSummary, "vitals")
}

func TestChatBackendDownWithoutFacts(t *testing.T) {
	ctx := context.Background()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer backend.Close()

	mock := provider.NewMock().Queue(
		toolCallReply("get_vitals", map[string]any{"patient_id": "P999"}),
		provider.Reply{Text: "The monitoring system is unreachable."},
	)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	_, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "vitals for P999"})
	require.NoError(t, err)

	msgs := mock.Requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "Backend unreachable")
}

func TestChatIterationLimit(t *testing.T) {
	ctx := context.Background()
	backend := jsonBackend(t, `{"heart_rate": 72}`, nil)

	mock := provider.NewMock()
	for i := 0; i < 3; i++ {
		mock.Queue(toolCallReply("get_vitals", map[string]any{"patient_id": "P001"}))
	}
	f := newFixture(t,
		map[string]string{tool.ServiceMonitoring: backend.URL},
		provider.NewRegistryFromProviders("mock", mock),
		func(o *Options) { o.MaxIterations = 3 },
	)

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "vitals for P001"})
	require.NoError(t, err)
	assert.Equal(t, iterationLimitMessage, res.Text)
	assert.Len(t, mock.Requests, 3)

	recs, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionIterationLimit})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestChatKeywordFallback(t *testing.T) {
	ctx := context.Background()
	backend := jsonBackend(t, `{"patient_id": "P001", "heart_rate": 72}`, nil)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders(""))

	t.Run("intent match dispatches", func(t *testing.T) {
		res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "show vitals for P001"})
		require.NoError(t, err)
		assert.Contains(t, res.Text, "**get_vitals** result:")
		assert.Contains(t, res.Text, "heart_rate")

		responses, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionChatResponse})
		require.NoError(t, err)
		require.NotEmpty(t, responses)
		assert.Equal(t, "keyword_fallback", responses[0].Provider)
	})

	t.Run("no match returns guidance", func(t *testing.T) {
		res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "how do I reset my badge"})
		require.NoError(t, err)
		assert.Contains(t, res.Text, "couldn't determine")
	})

	t.Run("critical intent stays gated", func(t *testing.T) {
		res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "code blue for P001"})
		require.NoError(t, err)
		assert.Contains(t, res.Text, "critical action (initiate_code_blue)")
		assert.Contains(t, res.Text, "Confirmation ID:")
	})

	t.Run("escalate records a hand-off", func(t *testing.T) {
		res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "escalate P001 to cardiology"})
		require.NoError(t, err)
		assert.Contains(t, res.Text, `"status": "escalated"`)
		assert.Contains(t, res.Text, "cardiology")

		escs, err := f.ledger.ListEscalations(ctx, "default")
		require.NoError(t, err)
		require.Len(t, escs, 1)
		assert.Equal(t, "cardiology", escs[0].EscalatedTo)
	})
}

func TestChatProviderErrorFallsBackToKeywords(t *testing.T) {
	ctx := context.Background()
	backend := jsonBackend(t, `{"patient_id": "P001", "heart_rate": 72}`, nil)

	mock := provider.NewMock()
	mock.Fail(errors.New("upstream returned 500"))
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "vitals for P001"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "**get_vitals** result:")

	// The turn was not served by the model, so the ledger must not
	// attribute it to one.
	responses, err := f.ledger.List(ctx, audit.Find{TenantID: "default", Action: audit.ActionChatResponse})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "keyword_fallback", responses[0].Provider)
	assert.Empty(t, responses[0].Model)
}

func TestChatTextToolCall(t *testing.T) {
	ctx := context.Background()
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"heart_rate": 72}`))
	}))
	defer backend.Close()

	mock := provider.NewMock().Queue(
		provider.Reply{Text: "```json\n{\"tool\": \"get_vitals\", \"params\": {\"patient_id\": \"P001\"}}\n```"},
		provider.Reply{Text: "done"},
	)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "vitals for P001"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, "/vitals/P001", gotPath)
}

func TestChatRejectsBadCalls(t *testing.T) {
	ctx := context.Background()
	backend := jsonBackend(t, `{"heart_rate": 72}`, nil)

	mock := provider.NewMock().Queue(
		provider.Reply{ToolCalls: []core.ToolCall{
			{ID: core.NewID(), Name: "frobnicate", Params: map[string]any{}},
			{ID: core.NewID(), Name: "get_vitals", Params: map[string]any{}},
		}},
		provider.Reply{Text: "Those calls were invalid."},
	)
	f := newFixture(t, map[string]string{tool.ServiceMonitoring: backend.URL}, provider.NewRegistryFromProviders("mock", mock))

	_, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "do something odd"})
	require.NoError(t, err)

	var joined strings.Builder
	for _, m := range mock.Requests[1].Messages {
		joined.WriteString(m.Content)
	}
	assert.Contains(t, joined.String(), "Unknown tool: frobnicate")
	assert.Contains(t, joined.String(), "Invalid parameters")
}

func TestChatUntrustedProviderRedaction(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock().Queue(provider.Reply{Text: "Patient looks stable."})
	mock.IsTrusted = false
	f := newFixture(t, nil, provider.NewRegistryFromProviders("mock", mock))

	res, err := f.agent.Chat(ctx, Request{TenantID: "default", Message: "vitals for P001, callback 9876543210"})
	require.NoError(t, err)
	assert.Equal(t, "Patient looks stable.", res.Text)

	require.Len(t, mock.Requests, 1)
	req := mock.Requests[0]
	assert.NotContains(t, req.System, "P001")
	var joined strings.Builder
	for _, m := range req.Messages {
		joined.WriteString(m.Content)
	}
	assert.NotContains(t, joined.String(), "P001")
	assert.NotContains(t, joined.String(), "9876543210")
	assert.Contains(t, joined.String(), "[PATIENT_ID_")
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, nil, provider.NewRegistryFromProviders(""))

	_, err := f.agent.Chat(context.Background(), Request{Message: "hi"})
	assert.Error(t, err)

	_, err = f.agent.Chat(context.Background(), Request{TenantID: "default"})
	assert.Error(t, err)
}

func TestParseTextToolCall(t *testing.T) {
	t.Run("fenced block", func(t *testing.T) {
		name, params, ok := parseTextToolCall("Let me check.\n```json\n{\"tool\": \"get_vitals\", \"params\": {\"patient_id\": \"P001\"}}\n```")
		require.True(t, ok)
		assert.Equal(t, "get_vitals", name)
		assert.Equal(t, "P001", params["patient_id"])
	})

	t.Run("inline object", func(t *testing.T) {
		name, params, ok := parseTextToolCall(`{"tool": "list_wards", "params": {}}`)
		require.True(t, ok)
		assert.Equal(t, "list_wards", name)
		assert.Empty(t, params)
	})

	t.Run("missing params defaults to empty map", func(t *testing.T) {
		_, params, ok := parseTextToolCall(`{"tool": "list_wards"}`)
		require.True(t, ok)
		assert.NotNil(t, params)
	})

	t.Run("plain prose is not a call", func(t *testing.T) {
		_, _, ok := parseTextToolCall("The patient's vitals are within normal limits.")
		assert.False(t, ok)
	})

	t.Run("malformed json is skipped", func(t *testing.T) {
		_, _, ok := parseTextToolCall("```json\n{\"tool\": \"x\", \n```")
		assert.False(t, ok)
	})
}

func TestRestoreParams(t *testing.T) {
	mapping := redact.Mapping{}
	redacted := redact.RedactWith("vitals for P001", mapping)
	require.NotContains(t, redacted, "P001")

	out := restoreParams(map[string]any{"query": redacted, "limit": 5}, mapping)
	assert.Equal(t, "vitals for P001", out["query"])
	assert.Equal(t, 5, out["limit"])
}
