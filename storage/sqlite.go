// Package storage opens the durable SQLite database backing the audit
// ledger, the escalation log and the clinical fact store. The schema is a
// single idempotent DDL script applied on open; the tables are append-only
// by contract (no UPDATE or DELETE in the public API except escalation
// resolution).
package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	action TEXT NOT NULL,
	tool_name TEXT,
	params_hash TEXT,
	result_summary TEXT,
	confirmation_id TEXT,
	provider TEXT,
	model TEXT,
	latency_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log (tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (tenant_id, session_id);

CREATE TABLE IF NOT EXISTS escalations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	audit_log_id INTEGER NOT NULL,
	escalated_to TEXT NOT NULL,
	reason TEXT,
	resolved_at TEXT,
	resolved_by TEXT,
	resolution TEXT
);
CREATE INDEX IF NOT EXISTS idx_escalations_tenant ON escalations (tenant_id);

CREATE TABLE IF NOT EXISTS clinical_facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	fact_type TEXT NOT NULL,
	fact_data TEXT NOT NULL,
	source_tool TEXT,
	recorded_at TEXT NOT NULL,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_facts_patient ON clinical_facts (tenant_id, patient_id, fact_type, recorded_at);
`

// Open opens (creating if necessary) the gateway database at path and
// applies the schema. Use ":memory:" or a temp file in tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}

	// Single writer at a time; readers proceed concurrently via WAL.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply pragmas")
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return db, nil
}
