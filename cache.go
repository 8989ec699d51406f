package echoroom

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// CacheStore
// ============================================================================

// CacheStore persists the last known snapshot per scope so a cold
// start can paint without the network. Reads and writes never fail
// from the caller's point of view: a missing or corrupt entry is a
// miss, a failed write is dropped. Staleness is tolerated because
// every read is followed by a network refresh.
type CacheStore interface {
	// Read unmarshals the snapshot stored under scope into v and
	// reports whether one was found.
	Read(scope string, v any) bool
	// Write replaces the snapshot stored under scope.
	Write(scope string, v any)
}

// cacheEntry is the serialized snapshot format.
type cacheEntry struct {
	Data    json.RawMessage `json:"data"`
	SavedAt string          `json:"savedAt"`
}

func encodeEntry(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	blob, err := json.Marshal(cacheEntry{
		Data:    data,
		SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, false
	}
	return blob, true
}

func decodeEntry(blob []byte, v any) bool {
	var entry cacheEntry
	if json.Unmarshal(blob, &entry) != nil || entry.Data == nil {
		return false
	}
	return json.Unmarshal(entry.Data, v) == nil
}

// ============================================================================
// MemoryCacheStore
// ============================================================================

// MemoryCacheStore is a goroutine-safe in-memory cache backend.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCacheStore creates an empty in-memory cache.
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string][]byte)}
}

func (s *MemoryCacheStore) Read(scope string, v any) bool {
	s.mu.RLock()
	blob, ok := s.entries[scope]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return decodeEntry(blob, v)
}

func (s *MemoryCacheStore) Write(scope string, v any) {
	blob, ok := encodeEntry(v)
	if !ok {
		return
	}
	s.mu.Lock()
	s.entries[scope] = blob
	s.mu.Unlock()
}

// ============================================================================
// FileCacheStore
// ============================================================================

// FileCacheStore keeps one JSON file per (userID, scope) under dir.
// Writes go through a temp file and rename so a crash mid-write leaves
// the previous snapshot intact.
type FileCacheStore struct {
	dir    string
	userID string
	mu     sync.Mutex
}

// NewFileCacheStore creates a file-backed cache rooted at dir for the
// given user.
func NewFileCacheStore(dir, userID string) *FileCacheStore {
	return &FileCacheStore{dir: dir, userID: userID}
}

func (s *FileCacheStore) path(scope string) string {
	return filepath.Join(s.dir, sanitizeKey(s.userID), sanitizeKey(scope)+".json")
}

func (s *FileCacheStore) Read(scope string, v any) bool {
	s.mu.Lock()
	blob, err := os.ReadFile(s.path(scope))
	s.mu.Unlock()
	if err != nil {
		return false
	}
	return decodeEntry(blob, v)
}

func (s *FileCacheStore) Write(scope string, v any) {
	blob, ok := encodeEntry(v)
	if !ok {
		return
	}
	path := s.path(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// Clear removes every snapshot of this store's user.
func (s *FileCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.RemoveAll(filepath.Join(s.dir, sanitizeKey(s.userID)))
}

func sanitizeKey(key string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_")
	out := r.Replace(key)
	if out == "" {
		out = "_"
	}
	return out
}

// ============================================================================
// Scope keys
// ============================================================================

// Cache scope keys. One entry exists per (userID, scope-kind) pair.
const (
	CacheScopeConversations = "conversations"
	CacheScopeRooms         = "rooms"
	cacheScopeMessages      = "messages/"
)

// MessagesCacheScope returns the cache key for one scope's messages.
func MessagesCacheScope(scope Scope) string {
	return cacheScopeMessages + string(scope.Kind) + "/" + scope.ID
}
