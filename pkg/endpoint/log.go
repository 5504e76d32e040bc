package endpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// LogEntry summarizes the traffic of one circuit. It is recorded when the circuit closes.
type LogEntry struct {
	Peer            string    `json:"peer"`
	Active          bool      `json:"active"`
	Opened          time.Time `json:"opened"`
	Closed          time.Time `json:"closed"`
	SentBuffers     uint64    `json:"sent_buffers"`
	SentBytes       uint64    `json:"sent"`
	ReceivedBuffers uint64    `json:"received_buffers"`
	ReceivedBytes   uint64    `json:"received"`
}

// LogStore stores circuit log entries.
type LogStore interface {
	Entry(id uuid.UUID) (*LogEntry, error)
	Record(id uuid.UUID, entry *LogEntry) error
}

type inMemoryLogStore struct {
	entries map[uuid.UUID]*LogEntry
	mu      sync.Mutex
}

// InMemoryLogStore implements an in-memory LogStore.
func InMemoryLogStore() LogStore {
	return &inMemoryLogStore{
		entries: map[uuid.UUID]*LogEntry{},
	}
}

func (ls *inMemoryLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	ls.mu.Lock()
	entry, ok := ls.entries[id]
	ls.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no log entry for circuit %s", id)
	}
	return entry, nil
}

func (ls *inMemoryLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	ls.mu.Lock()
	ls.entries[id] = entry
	ls.mu.Unlock()
	return nil
}

type fileLogStore struct {
	dir string
}

// FileLogStore implements a LogStore keeping one JSON file per circuit in dir.
func FileLogStore(dir string) (LogStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &fileLogStore{dir}, nil
}

func (ls *fileLogStore) path(id uuid.UUID) string {
	return filepath.Join(ls.dir, fmt.Sprintf("%s.log", id))
}

func (ls *fileLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	f, err := os.Open(ls.path(id))
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	defer f.Close()

	entry := &LogEntry{}
	if err := json.NewDecoder(f).Decode(entry); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return entry, nil
}

func (ls *fileLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	f, err := os.OpenFile(ls.path(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open: %s", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("json: %s", err)
	}
	return nil
}

var boltLogBucket = []byte("circuits")

type boltDBLogStore struct {
	db *bbolt.DB
}

// BoltDBLogStore implements a LogStore on top of BoltDB.
func BoltDBLogStore(path string) (LogStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltLogBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}
	return &boltDBLogStore{db}, nil
}

func (ls *boltDBLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	var entry *LogEntry
	err := ls.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltLogBucket).Get(id[:])
		if v == nil {
			return fmt.Errorf("no log entry for circuit %s", id)
		}
		entry = &LogEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

func (ls *boltDBLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return ls.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltLogBucket).Put(id[:], raw)
	})
}

// Close closes the database.
func (ls *boltDBLogStore) Close() error { return ls.db.Close() }
