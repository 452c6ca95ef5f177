package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSetting persists a named setting as its string value.
func (s *Store) SaveSetting(name, value string) error {
	if name == "" {
		return errors.New("setting name is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO settings (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		  value = excluded.value,
		  updated_at = excluded.updated_at`,
		name, value, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save setting %q: %w", name, err)
	}
	return nil
}

// LoadSetting returns a named setting, or ErrNotFound.
func (s *Store) LoadSetting(name string) (string, error) {
	if name == "" {
		return "", errors.New("setting name is required")
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load setting %q: %w", name, err)
	}
	return value, nil
}
