package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bearmemori/bearmemori"
)

// AuditTrail lists audit entries matching the filter, newest first.
func (s *Store) AuditTrail(ctx context.Context, f bearmemori.AuditFilter) ([]bearmemori.AuditEntry, error) {
	query := `SELECT id, entity_type, entity_id, action, actor, detail, created_at
		FROM audit_log WHERE 1=1`
	var args []any
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Action != nil {
		query += ` AND action = ?`
		args = append(args, string(*f.Action))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.AuditEntry
	for rows.Next() {
		var (
			e         bearmemori.AuditEntry
			action    string
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &action, &e.Actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = bearmemori.AuditAction(action)
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		if e.CreatedAt, err = timeIn(createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
