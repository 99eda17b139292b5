package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a named-bucket cache storage.
// It stores and retrieves []byte values, which represent HTTP responses.
// Every operation is scoped to a bucket, so many versions of an
// application can be stored side by side.
// Entries never expire; they live until the bucket is dropped by something
// outside this package.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the named bucket if it does not exist yet.
	Open(bucket string) error
	// Buckets returns the names of all existing buckets, sorted.
	Buckets() ([]string, error)
	// Get returns the cache entry for the given key, if it exists.
	// It also returns a boolean indicating whether the entry was found.
	Get(bucket, key string) (CacheEntry, bool, error)
	// PutAll stores all the given entries in the bucket as a unit.
	// Either every entry is written or none are.
	// Existing entries with the same key are replaced.
	PutAll(bucket string, entries []CacheEntry) error
	// Keys calls the given callback for each key in the bucket.
	Keys(bucket string, cb func(string)) error
	// Has checks if the specified key exists in the bucket.
	Has(bucket, key string) bool
}

type CacheEntry struct {
	Key         string
	RequestedAt time.Time
	ReceivedAt  time.Time
	Bytes       []byte
}

// ErrNoBucket is returned when writing to a bucket that was never opened.
var ErrNoBucket = fmt.Errorf("Bucket does not exist")

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]CacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]CacheEntry),
	}
}

func (m MemCache) Open(bucket string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[bucket]; !ok {
		m.db[bucket] = make(map[string]CacheEntry)
	}
	return nil
}

func (m MemCache) Buckets() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Get(bucket, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[bucket][key]
	return entry, ok, nil
}

func (m MemCache) PutAll(bucket string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.db[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBucket, bucket)
	}
	for _, e := range entries {
		b[e.Key] = e
	}
	return nil
}

func (m MemCache) Keys(bucket string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[bucket]))
	for key := range m.db[bucket] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Has(bucket, key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[bucket][key]
	return ok
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	// in-memory databases are per connection
	if strings.Contains(filename, "memory") {
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Open(bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name) VALUES (?)", bucket)
	return err
}

func (s SQLiteCache) Buckets() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Get(bucket, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var req, rec int64
	err := s.db.QueryRow(
		"SELECT requested_at, received_at, bytes FROM entries WHERE bucket = ? AND key = ?",
		bucket, key,
	).Scan(&req, &rec, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.RequestedAt = time.Unix(req, 0)
	entry.ReceivedAt = time.Unix(rec, 0)
	return entry, true, nil
}

func (s SQLiteCache) PutAll(bucket string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	// no-op once committed
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM buckets WHERE name = ?", bucket).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNoBucket, bucket)
	}
	for _, ce := range entries {
		_, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(bucket, key, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?)`,
			bucket, ce.Key, ce.RequestedAt.Unix(), ce.ReceivedAt.Unix(), ce.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Keys(bucket string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Has(bucket, key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&one)
	return err == nil
}
