package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdobrica/sekisho/internal/broker/audit"
)

// AuditEntry is one persisted audit record as read back from the log.
type AuditEntry struct {
	ID            int64
	Timestamp     time.Time
	CorrelationID string
	AgentID       string
	Kind          string
	Subject       sql.NullString
	Outcome       string
	ErrorMessage  sql.NullString
	DetailJSON    sql.NullString
}

// WriteAudit appends one audit event. Satisfies audit.Sink.
func (s *Store) WriteAudit(ctx context.Context, ev audit.Event) error {
	var detailJSON sql.NullString
	if len(ev.Detail) > 0 {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detailJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, correlation_id, agent_id, kind, subject, outcome, error_message, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Timestamp, ev.CorrelationID, ev.AgentID, string(ev.Kind),
		nullable(ev.Subject), ev.Outcome, nullable(ev.Error), detailJSON)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, correlation_id, agent_id, kind, subject, outcome, error_message, detail_json
		FROM audit_log ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// GetAuditByCorrelation retrieves all audit entries for one correlation ID in
// write order.
func (s *Store) GetAuditByCorrelation(ctx context.Context, correlationID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, correlation_id, agent_id, kind, subject, outcome, error_message, detail_json
		FROM audit_log WHERE correlation_id = ? ORDER BY id ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit log by correlation: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.CorrelationID, &entry.AgentID,
			&entry.Kind, &entry.Subject, &entry.Outcome,
			&entry.ErrorMessage, &entry.DetailJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
