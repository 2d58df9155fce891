// Package facts persists durable clinical facts extracted from tool
// results. Facts are write-once: a newer fact of the same type supersedes an
// older one only by recency ordering. Both rows are retained, and session
// consolidation never touches them. They are also the fallback data source
// when a live backend is unreachable (degraded mode).
package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/logging"
)

// Fact is one durable clinical record scoped to a tenant and patient.
type Fact struct {
	ID         int64          `json:"id"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	PatientID  string         `json:"patient_id"`
	FactType   string         `json:"fact_type"`
	Data       map[string]any `json:"fact_data"`
	SourceTool string         `json:"source_tool,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Age returns the staleness of the fact relative to now.
func (f Fact) Age(now time.Time) time.Duration { return now.Sub(f.RecordedAt) }

// Store is the SQLite-backed fact repository.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// NewStore wraps an opened gateway database.
func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logging.OrNoOp(logger)}
}

// Record inserts one fact. The write is synchronous so the fact is visible
// to the reasoning loop's next inference step.
func (s *Store) Record(ctx context.Context, f Fact) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return errors.Wrap(err, "encode fact data")
	}
	recordedAt := f.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	var expiresAt any
	if f.ExpiresAt != nil {
		expiresAt = f.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clinical_facts
		 (tenant_id, session_id, patient_id, fact_type, fact_data, source_tool, recorded_at, expires_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		f.TenantID, f.SessionID, f.PatientID, f.FactType, string(data),
		f.SourceTool, recordedAt.Format(time.RFC3339Nano), expiresAt,
	)
	return errors.Wrap(err, "record fact")
}

// Find filters fact queries. TenantID and PatientID are mandatory.
type Find struct {
	TenantID  string
	PatientID string
	SessionID string
	FactType  string
	Limit     int
}

// List returns matching facts ordered by recency (newest first).
func (s *Store) List(ctx context.Context, find Find) ([]Fact, error) {
	if find.TenantID == "" || find.PatientID == "" {
		return nil, errors.New("tenant_id and patient_id are required")
	}

	where := []string{"tenant_id = ?", "patient_id = ?"}
	args := []any{find.TenantID, find.PatientID}
	if find.SessionID != "" {
		where, args = append(where, "session_id = ?"), append(args, find.SessionID)
	}
	if find.FactType != "" {
		where, args = append(where, "fact_type = ?"), append(args, find.FactType)
	}

	query := `SELECT id, tenant_id, session_id, patient_id, fact_type, fact_data, source_tool, recorded_at, expires_at
		FROM clinical_facts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY recorded_at DESC, id DESC`
	limit := find.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list facts")
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var data, recordedAt string
		var sourceTool, expiresAt sql.NullString
		if err := rows.Scan(&f.ID, &f.TenantID, &f.SessionID, &f.PatientID, &f.FactType, &data, &sourceTool, &recordedAt, &expiresAt); err != nil {
			return nil, errors.Wrap(err, "scan fact")
		}
		if err := json.Unmarshal([]byte(data), &f.Data); err != nil {
			s.logger.Warn("facts.decode.failed", "fact_id", f.ID, "error", err.Error())
			f.Data = map[string]any{}
		}
		f.SourceTool = sourceTool.String
		f.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		if expiresAt.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, expiresAt.String); perr == nil {
				f.ExpiresAt = &t
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Latest returns the most recent fact of factType for the patient, or nil
// when none exists. It powers the degraded-mode fallback.
func (s *Store) Latest(ctx context.Context, tenantID, patientID, factType string) (*Fact, error) {
	list, err := s.List(ctx, Find{TenantID: tenantID, PatientID: patientID, FactType: factType, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// Count returns the number of fact rows for a patient, used to assert
// monotonic retention.
func (s *Store) Count(ctx context.Context, tenantID, patientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clinical_facts WHERE tenant_id = ? AND patient_id = ?`,
		tenantID, patientID).Scan(&n)
	return n, errors.Wrap(err, "count facts")
}
