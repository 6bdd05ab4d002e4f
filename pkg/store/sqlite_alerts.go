package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SaveAlert inserts or updates an alert record.
func (s *Store) SaveAlert(ctx context.Context, a AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, rule_name, vehicle_id, severity, message, value, ts, acknowledged, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			acknowledged = excluded.acknowledged,
			acknowledged_at = excluded.acknowledged_at,
			resolved_at = excluded.resolved_at
	`, a.ID, a.RuleID, a.RuleName, a.VehicleID, a.Severity, a.Message, a.Value,
		a.Timestamp.UTC(), a.Acknowledged, nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]AlertRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT id, rule_id, rule_name, vehicle_id, severity, message, value, ts, acknowledged, acknowledged_at, resolved_at FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY ts ASC"
	} else {
		query += " ORDER BY ts DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			a          AlertRecord
			ackAt, res sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.VehicleID, &a.Severity, &a.Message, &a.Value,
			&a.Timestamp, &a.Acknowledged, &ackAt, &res); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if ackAt.Valid {
			t := ackAt.Time
			a.AcknowledgedAt = &t
		}
		if res.Valid {
			t := res.Time
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAlerts removes the given alerts.
func (s *Store) DeleteAlerts(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
