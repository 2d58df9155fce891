package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/wardgate/agent"
	"github.com/careops/wardgate/audit"
	"github.com/careops/wardgate/confirm"
	"github.com/careops/wardgate/facts"
	"github.com/careops/wardgate/formatter"
	"github.com/careops/wardgate/provider"
	"github.com/careops/wardgate/session"
	"github.com/careops/wardgate/storage"
	"github.com/careops/wardgate/tool"
)

// newTestServer wires the full stack with no model provider, so chat
// requests take the keyword routing path.
func newTestServer(t *testing.T, backends map[string]string, fm *formatter.Formatter, brokerOpts ...func(o *confirm.Options)) *Server {
	t.Helper()

	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "wardgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	defs := []tool.Definition{
		{
			Name:   "get_vitals",
			Params: map[string]tool.FieldSchema{"patient_id": {Type: "string", Required: true}},
			Route:  tool.Route{Service: tool.ServiceMonitoring, Method: "GET", Path: "/vitals/{patient_id}"},
		},
		{
			Name:     "initiate_code_blue",
			Critical: true,
			Params:   map[string]tool.FieldSchema{"patient_id": {Type: "string", Required: true}},
			Route:    tool.Route{Service: tool.ServiceMonitoring, Method: "POST", Path: "/code-blue"},
		},
	}
	registry, err := tool.NewRegistry(defs...)
	require.NoError(t, err)

	sessions := session.NewStore(t.TempDir(), nil)
	ag := agent.New(agent.Deps{
		Registry:     registry,
		Dispatcher:   tool.NewDispatcher(backends),
		Providers:    provider.NewRegistryFromProviders(""),
		Sessions:     sessions,
		Consolidator: session.NewConsolidator(sessions, 30, 10, nil),
		Facts:        facts.NewStore(db, nil),
		Ledger:       audit.NewLedger(db),
		Broker:       confirm.NewBroker(brokerOpts...),
	})

	if fm == nil {
		fm = formatter.New(nil)
	}
	return New(ag, fm, backends)
}

func postJSON(t *testing.T, h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleChat(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patient_id": "P001", "heart_rate": 72}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: backend.URL}, nil)
	h := srv.Handler()

	t.Run("dispatches and responds", func(t *testing.T) {
		rec := postJSON(t, h, "/chat", `{"message": "vitals for P001"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp chatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Response, "**get_vitals** result:")
		assert.NotEmpty(t, resp.SessionID)
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		rec := postJSON(t, h, "/chat", `{"message": ""}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		rec := postJSON(t, h, "/chat", `{nope`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleChatFormatsForChannel(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"heart_rate": 72, "bp_systolic": 120, "bp_diastolic": 80}`))
	}))
	defer backend.Close()

	fm := formatter.New(map[string]formatter.Capabilities{
		"sms": {Tables: true, Images: true, MaxMsgLength: 40},
	})
	srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: backend.URL}, fm)

	rec := postJSON(t, srv.Handler(), "/chat", `{"message": "vitals for P001", "channel": "sms"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Response, 40)
	assert.True(t, strings.HasSuffix(resp.Response, "..."))
}

var confirmationIDRe = regexp.MustCompile(`Confirmation ID: (\S+)`)

func TestHandleConfirm(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "code_blue_initiated"}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: backend.URL}, nil)
	h := srv.Handler()

	rec := postJSON(t, h, "/chat", `{"message": "code blue for P001"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	match := confirmationIDRe.FindStringSubmatch(resp.Response)
	require.NotNil(t, match, "chat response should carry a confirmation id: %s", resp.Response)
	confID := match[1]

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := postJSON(t, h, "/confirm/conf_nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong tenant is 404", func(t *testing.T) {
		rec := postJSON(t, h, "/confirm/"+confID, "", map[string]string{"X-Tenant-ID": "other-hospital"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("owner confirm executes", func(t *testing.T) {
		rec := postJSON(t, h, "/confirm/"+confID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp confirmResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "code_blue_initiated", resp.Result["status"])
	})

	t.Run("second confirm is 409", func(t *testing.T) {
		rec := postJSON(t, h, "/confirm/"+confID, "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandleConfirmExpired(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: backend.URL}, nil,
		func(o *confirm.Options) { o.TTL = time.Nanosecond })
	h := srv.Handler()

	rec := postJSON(t, h, "/chat", `{"message": "code blue for P001"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	match := confirmationIDRe.FindStringSubmatch(resp.Response)
	require.NotNil(t, match)

	time.Sleep(time.Millisecond)
	rec = postJSON(t, h, "/confirm/"+match[1], "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestHandleChatStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"heart_rate": 72}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: backend.URL}, nil)

	rec := postJSON(t, srv.Handler(), "/chat/stream", `{"message": "vitals for P001"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"tool_call"`)
	assert.Contains(t, body, `"type":"tool_result"`)
	assert.Contains(t, body, `"type":"text"`)
	assert.Contains(t, body, `"type":"done"`)
	for _, line := range strings.Split(strings.TrimSpace(body), "\n\n") {
		assert.True(t, strings.HasPrefix(line, "data: "), "unexpected frame: %q", line)
	}
}

func TestHandleHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer up.Close()

	t.Run("all backends up", func(t *testing.T) {
		srv := newTestServer(t, map[string]string{tool.ServiceMonitoring: up.URL}, nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "wardgate", resp.Service)
		assert.Equal(t, "ok", resp.Backends[tool.ServiceMonitoring])
	})

	t.Run("unreachable backend degrades", func(t *testing.T) {
		srv := newTestServer(t, map[string]string{
			tool.ServiceMonitoring: up.URL,
			tool.ServiceEHR:        "http://127.0.0.1:1",
		}, nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Backends[tool.ServiceEHR], "unreachable")
	})
}
