package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Load returns the plaintext value stored under (key, namespace).
// A missing entry yields (nil, false, nil).
func (s *Store) Load(key, namespace string) ([]byte, bool, error) {
	if key == "" || namespace == "" {
		return nil, false, errors.New("key and namespace are required")
	}

	var sealed []byte
	err := s.db.QueryRow(
		`SELECT value FROM secrets WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load secret %s/%s: %w", namespace, key, err)
	}

	plaintext, err := s.sealer.OpenValue(namespace, key, sealed)
	if err != nil {
		return nil, false, fmt.Errorf("unseal secret %s/%s: %w", namespace, key, err)
	}
	return plaintext, true, nil
}

// Save stores value under (key, namespace), overwriting any previous entry.
func (s *Store) Save(key string, value []byte, namespace string, protection ProtectionLevel) error {
	if key == "" || namespace == "" {
		return errors.New("key and namespace are required")
	}
	if protection == "" {
		protection = ProtectionAfterFirstUnlock
	}

	sealed, err := s.sealer.SealValue(namespace, key, value)
	if err != nil {
		return fmt.Errorf("seal secret %s/%s: %w", namespace, key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO secrets (namespace, key, value, protection, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
		  value = excluded.value,
		  protection = excluded.protection,
		  updated_at = excluded.updated_at`,
		namespace, key, sealed, string(protection), nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save secret %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes the entry under (key, namespace). Deleting a missing
// entry is not an error.
func (s *Store) Delete(key, namespace string) error {
	if key == "" || namespace == "" {
		return errors.New("key and namespace are required")
	}

	if _, err := s.db.Exec(
		`DELETE FROM secrets WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete secret %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns every key stored under a namespace, sorted.
func (s *Store) List(namespace string) ([]string, error) {
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}

	rows, err := s.db.Query(
		`SELECT key FROM secrets WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list secrets in %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan secret key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate secret keys: %w", err)
	}

	return keys, nil
}
