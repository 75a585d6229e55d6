// Package history keeps a bounded index of finished executions in a bbolt database.
// Task records stay authoritative; the index only serves status queries.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketExecutions = []byte("executions")

// Entry summarizes one finished execution.
type Entry struct {
	ID         string    `json:"id"`
	Agent      string    `json:"agent"`
	Status     string    `json:"status"`
	Event      string    `json:"event,omitempty"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Record     string    `json:"record,omitempty"`
	Log        string    `json:"log,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time between start and finish.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.IsZero() || e.StartedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

type Store struct {
	db     *bolt.DB
	retain int
}

// Open opens or creates the database at path. retain bounds the number of entries
// kept; older entries are pruned on insert.
func Open(path string, retain int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init history db: %w", err)
	}
	if retain <= 0 {
		retain = 500
	}
	return &Store{db: db, retain: retain}, nil
}

// OpenReadOnly opens an existing database without write access. It fails after a
// short wait while a daemon holds the database open.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 500 * time.Millisecond, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return &Store{db: db}, nil
}

// key orders entries by finish time, with the execution ID breaking ties.
func key(e Entry) []byte {
	k := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(k, uint64(e.FinishedAt.UnixNano()))
	return append(k, e.ID...)
}

// Put stores e and prunes the oldest entries beyond the retention limit.
func (s *Store) Put(e Entry) error {
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if err := b.Put(key(e), data); err != nil {
			return fmt.Errorf("put history entry: %w", err)
		}
		excess := countKeys(b) - s.retain
		if excess <= 0 {
			return nil
		}
		// Collect first; deleting while iterating skips keys.
		stale := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
		}
		return nil
	})
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// Recent returns up to n entries, newest first. agent filters by code when non-empty.
func (s *Store) Recent(n int, agent string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(out) < n); k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if agent != "" && e.Agent != agent {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(bucketExecutions))
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
