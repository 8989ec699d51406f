package echoroom

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCacheStore keeps snapshots in a single-file SQLite database.
// It honors the same contract as the other stores: misses and storage
// failures are absorbed, never surfaced.
type SQLiteCacheStore struct {
	db     *sql.DB
	userID string
	mu     sync.Mutex
}

// NewSQLiteCacheStore opens (creating if needed) the snapshot database
// at path for the given user.
func NewSQLiteCacheStore(path, userID string) (*SQLiteCacheStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		user_id  TEXT NOT NULL,
		scope    TEXT NOT NULL,
		entry    BLOB NOT NULL,
		PRIMARY KEY (user_id, scope)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache db: %w", err)
	}
	return &SQLiteCacheStore{db: db, userID: userID}, nil
}

func (s *SQLiteCacheStore) Read(scope string, v any) bool {
	s.mu.Lock()
	var blob []byte
	err := s.db.QueryRow(
		`SELECT entry FROM snapshots WHERE user_id = ? AND scope = ?`,
		s.userID, scope,
	).Scan(&blob)
	s.mu.Unlock()
	if err != nil {
		return false
	}
	return decodeEntry(blob, v)
}

func (s *SQLiteCacheStore) Write(scope string, v any) {
	blob, ok := encodeEntry(v)
	if !ok {
		return
	}
	s.mu.Lock()
	_, _ = s.db.Exec(
		`INSERT INTO snapshots (user_id, scope, entry) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, scope) DO UPDATE SET entry = excluded.entry`,
		s.userID, scope, blob,
	)
	s.mu.Unlock()
}

// Clear removes every snapshot of this store's user.
func (s *SQLiteCacheStore) Clear() {
	s.mu.Lock()
	_, _ = s.db.Exec(`DELETE FROM snapshots WHERE user_id = ?`, s.userID)
	s.mu.Unlock()
}

// Close releases the underlying database handle.
func (s *SQLiteCacheStore) Close() error {
	return s.db.Close()
}
