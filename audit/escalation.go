package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Escalation references an audit record and the human responder it was
// routed to. Rows are created by the escalation tool and mutated exactly
// once, by the resolution event; they are never deleted.
type Escalation struct {
	ID          int64
	TenantID    string
	AuditLogID  int64
	EscalatedTo string
	Reason      string
	ResolvedAt  *time.Time
	ResolvedBy  string
	Resolution  string
}

// AppendEscalation records an escalation tied to an existing audit row and
// returns its id.
func (l *Ledger) AppendEscalation(ctx context.Context, tenantID string, auditLogID int64, escalatedTo, reason string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO escalations (tenant_id, audit_log_id, escalated_to, reason) VALUES (?,?,?,?)`,
		tenantID, auditLogID, escalatedTo, nullable(reason),
	)
	if err != nil {
		return 0, errors.Wrap(err, "append escalation")
	}
	return res.LastInsertId()
}

// ResolveEscalation marks an escalation resolved. A second resolution
// attempt is rejected.
func (l *Ledger) ResolveEscalation(ctx context.Context, tenantID string, id int64, resolvedBy, resolution string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`UPDATE escalations SET resolved_at=?, resolved_by=?, resolution=?
		 WHERE id=? AND tenant_id=? AND resolved_at IS NULL`,
		now, resolvedBy, resolution, id, tenantID,
	)
	if err != nil {
		return errors.Wrap(err, "resolve escalation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "resolve escalation result")
	}
	if n == 0 {
		return errors.Errorf("escalation %d not found or already resolved", id)
	}
	return nil
}

// ListEscalations returns a tenant's escalations newest-first.
func (l *Ledger) ListEscalations(ctx context.Context, tenantID string) ([]Escalation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tenant_id, audit_log_id, escalated_to, reason, resolved_at, resolved_by, resolution
		 FROM escalations WHERE tenant_id = ? ORDER BY id DESC`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list escalations")
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var e Escalation
		var reason, resolvedAt, resolvedBy, resolution sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AuditLogID, &e.EscalatedTo, &reason, &resolvedAt, &resolvedBy, &resolution); err != nil {
			return nil, errors.Wrap(err, "scan escalation")
		}
		e.Reason = reason.String
		e.ResolvedBy = resolvedBy.String
		e.Resolution = resolution.String
		if resolvedAt.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, resolvedAt.String); perr == nil {
				e.ResolvedAt = &t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
