// Package memory keeps a bounded log of observed flight prices.
//
// Records are stored in BadgerDB under monotonically increasing keys. When the
// log grows past its limit the oldest records are dropped.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const keyPrefix = "mem:"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("flight memory closed")

// Record is one observed flight.
type Record struct {
	Destination  string    `json:"destination"`
	Date         string    `json:"date"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Airline      string    `json:"airline"`
	FlightNumber string    `json:"flightNumber"`
	Departure    string    `json:"departure"`
	Price        float64   `json:"price"`
	Currency     string    `json:"currency"`
	Stops        int       `json:"stops"`
	Source       string    `json:"source"`
	SavedAt      time.Time `json:"saved_at"`
}

// Options configures the store.
type Options struct {
	Dir        string
	InMemory   bool
	MaxEntries int
}

// Store is the flight memory log.
type Store struct {
	db  *badger.DB
	max int

	mu     sync.Mutex
	next   uint64
	count  int
	closed bool
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	if opts.MaxEntries < 1 {
		return nil, fmt.Errorf("memory: max entries must be positive, got %d", opts.MaxEntries)
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open flight memory: %w", err)
	}

	s := &Store{db: db, max: opts.MaxEntries}
	if err := s.scan(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// scan restores the counters from the stored keys.
func (s *Store) scan() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			s.count++
			if seq := seqFromKey(it.Item().Key()); seq >= s.next {
				s.next = seq + 1
			}
		}
		return nil
	})
}

// Append adds records and trims the log to its limit. Records with a zero
// SavedAt are stamped with the current time.
func (s *Store) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	next := s.next
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			if r.SavedAt.IsZero() {
				r.SavedAt = now
			}
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := txn.Set(seqKey(next), data); err != nil {
				return fmt.Errorf("set record: %w", err)
			}
			next++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append flight memory: %w", err)
	}
	s.count += int(next - s.next)
	s.next = next

	return s.trim()
}

// trim deletes the oldest records beyond the limit. Caller holds s.mu.
func (s *Store) trim() error {
	excess := s.count - s.max
	if excess <= 0 {
		return nil
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < excess; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list old records: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete old record: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush trim: %w", err)
	}
	s.count -= len(keys)
	return nil
}

// Recent returns up to limit records, newest first. A non-positive limit returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(seqKey(math.MaxUint64)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], seq)
	return k
}

func seqFromKey(k []byte) uint64 {
	if len(k) != len(keyPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(keyPrefix):])
}
