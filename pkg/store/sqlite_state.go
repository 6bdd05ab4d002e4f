package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetEmergencyStop returns the persisted emergency stop. A missing row is
// the zero EmergencyState.
func (s *Store) GetEmergencyStop(ctx context.Context) (EmergencyState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, KeyEmergencyStop).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EmergencyState{}, nil
		}
		return EmergencyState{}, fmt.Errorf("failed to read emergency stop: %w", err)
	}

	var st EmergencyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return EmergencyState{}, fmt.Errorf("failed to decode emergency stop: %w", err)
	}
	return st, nil
}

// SetEmergencyStop persists st, replacing any earlier stop.
func (s *Store) SetEmergencyStop(ctx context.Context, st EmergencyState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode emergency stop: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, KeyEmergencyStop, raw)
	if err != nil {
		return fmt.Errorf("failed to persist emergency stop: %w", err)
	}
	return nil
}

// ClearEmergencyStop removes the persisted stop.
func (s *Store) ClearEmergencyStop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM system_state WHERE key = ?`, KeyEmergencyStop); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}
	return nil
}
