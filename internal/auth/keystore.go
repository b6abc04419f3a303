// Package auth provides client admission control for the gateway: the
// API key store and the per-key rate limiter.
package auth

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Key is one API key record.
type Key struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyStore is the sqlite-backed API key table. It is safe for
// concurrent use: admin mutations and in-flight validity checks go
// through database/sql, which serializes access to the connection
// pool.
type KeyStore struct {
	db *sql.DB
}

// OpenKeyStore opens (and if necessary creates) the key database at
// path. The caller owns the store and must Close it.
func OpenKeyStore(path string) (*KeyStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open key database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS api_keys (
			key        TEXT PRIMARY KEY,
			label      TEXT NOT NULL DEFAULT '',
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &KeyStore{db: db}, nil
}

// Close releases the underlying database.
func (s *KeyStore) Close() error {
	return s.db.Close()
}

// Generate creates, stores, and returns a fresh enabled key.
func (s *KeyStore) Generate(label string) (Key, error) {
	k := Key{
		Key:       "rk_" + uuid.NewString(),
		Label:     label,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Add(k); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Add inserts a key record.
func (s *KeyStore) Add(k Key) error {
	_, err := s.db.Exec(`
		INSERT INTO api_keys (key, label, enabled, created_at)
		VALUES (?, ?, ?, ?)
	`, k.Key, k.Label, boolToInt(k.Enabled), k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// List returns all key records, newest first.
func (s *KeyStore) List() ([]Key, error) {
	rows, err := s.db.Query(`
		SELECT key, label, enabled, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		var enabled int
		if err := rows.Scan(&k.Key, &k.Label, &enabled, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.Enabled = enabled != 0
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revoke disables a key. It reports whether the key existed.
func (s *KeyStore) Revoke(key string) (bool, error) {
	res, err := s.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Valid reports whether key exists and is enabled.
func (s *KeyStore) Valid(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var enabled int
	err := s.db.QueryRow(`SELECT enabled FROM api_keys WHERE key = ?`, key).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup key: %w", err)
	}
	return enabled != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
