// Package audit maintains the append-only ledger of gateway actions. Every
// tool dispatch, confirmation gate/resolution, escalation, degraded-mode use
// and final response produces exactly one record, written synchronously
// before the corresponding response is released.
//
// A failed write never blocks the user-facing response: it is surfaced once
// through the operational alert hook and the record is dropped. Automatic
// retry is deliberately absent: retrying a write whose fate is unknown
// could duplicate ledger rows, and the ledger has no idempotency key to
// dedupe on.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/logging"
)

// Action kinds recorded in the ledger.
const (
	ActionToolCall          = "tool_call"
	ActionToolFailure       = "tool_failure"
	ActionDegradedMode      = "degraded_mode_used"
	ActionCriticalGated     = "critical_tool_gated"
	ActionCriticalConfirmed = "critical_tool_confirmed"
	ActionEscalate          = "escalate"
	ActionChatResponse      = "chat_response"
	ActionIterationLimit    = "iteration_limit_exceeded"
)

// Entry is the caller-supplied portion of an audit record. Params are
// content-hashed before storage regardless of provider trust; raw parameter
// values never reach the ledger.
type Entry struct {
	TenantID       string
	SessionID      string
	UserID         string
	Channel        string
	Action         string
	ToolName       string
	Params         map[string]any
	ResultSummary  string
	ConfirmationID string
	Provider       string
	Model          string
	LatencyMS      int64
}

// Record is a persisted ledger row.
type Record struct {
	ID             int64
	TenantID       string
	Timestamp      time.Time
	SessionID      string
	UserID         string
	Channel        string
	Action         string
	ToolName       string
	ParamsHash     string
	ResultSummary  string
	ConfirmationID string
	Provider       string
	Model          string
	LatencyMS      int64
}

// AlertFunc receives ledger write failures. It must not block.
type AlertFunc func(err error)

// Ledger is the SQLite-backed audit log. Writes are serialized behind one
// mutex (single-writer discipline preserves append ordering); reads run
// concurrently.
type Ledger struct {
	db     *sql.DB
	mu     sync.Mutex
	alert  AlertFunc
	logger logging.Logger
}

// Options configure a Ledger.
type Options struct {
	// Alert is invoked on write failure. Defaults to an error log line.
	Alert AlertFunc
	// Logger receives diagnostics.
	Logger logging.Logger
}

// NewLedger wraps an opened gateway database.
func NewLedger(db *sql.DB, optFns ...func(o *Options)) *Ledger {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	alert := opts.Alert
	if alert == nil {
		alert = func(err error) {
			logger.Error("audit.write.failed", "error", err.Error())
		}
	}
	return &Ledger{db: db, alert: alert, logger: logger}
}

// HashParams returns the SHA-256 hex digest of the canonical JSON encoding
// of params. Map keys are sorted by encoding/json, so the digest is stable
// for equal parameter sets.
func HashParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("unencodable")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Summarize truncates a tool result into a short audit summary.
func Summarize(result map[string]any) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Append writes one record synchronously and returns its row id. On failure
// the alert hook fires and 0 is returned; the caller's response path is
// never blocked by ledger errors.
func (l *Ledger) Append(ctx context.Context, e Entry) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log
		 (tenant_id, timestamp, session_id, user_id, channel, action,
		  tool_name, params_hash, result_summary, confirmation_id,
		  provider, model, latency_ms)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.TenantID, now, e.SessionID, e.UserID, e.Channel, e.Action,
		nullable(e.ToolName), nullable(HashParams(e.Params)), nullable(e.ResultSummary),
		nullable(e.ConfirmationID), nullable(e.Provider), nullable(e.Model), e.LatencyMS,
	)
	if err != nil {
		l.alert(errors.Wrap(err, "append audit record"))
		return 0
	}
	id, err := res.LastInsertId()
	if err != nil {
		l.alert(errors.Wrap(err, "audit record id"))
		return 0
	}
	return id
}

// Find filters ledger queries. Zero values are ignored except TenantID,
// which is mandatory: no read path crosses a tenant boundary.
type Find struct {
	TenantID  string
	SessionID string
	Action    string
	Limit     int
}

// List returns matching records newest-first.
func (l *Ledger) List(ctx context.Context, find Find) ([]Record, error) {
	if find.TenantID == "" {
		return nil, errors.New("tenant_id is required")
	}

	where, args := []string{"tenant_id = ?"}, []any{find.TenantID}
	if find.SessionID != "" {
		where, args = append(where, "session_id = ?"), append(args, find.SessionID)
	}
	if find.Action != "" {
		where, args = append(where, "action = ?"), append(args, find.Action)
	}

	query := `SELECT id, tenant_id, timestamp, session_id, user_id, channel, action,
		tool_name, params_hash, result_summary, confirmation_id, provider, model, latency_ms
		FROM audit_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list audit records")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		var toolName, paramsHash, summary, confirmationID, provider, model sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &ts, &r.SessionID, &r.UserID, &r.Channel, &r.Action,
			&toolName, &paramsHash, &summary, &confirmationID, &provider, &model, &r.LatencyMS); err != nil {
			return nil, errors.Wrap(err, "scan audit record")
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.ToolName = toolName.String
		r.ParamsHash = paramsHash.String
		r.ResultSummary = summary.String
		r.ConfirmationID = confirmationID.String
		r.Provider = provider.String
		r.Model = model.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
