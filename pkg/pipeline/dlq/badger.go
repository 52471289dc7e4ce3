package dlq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/insightengine/pipeline/pkg/pipeline/envelope"
)

// Key prefixes. Entries are stored by event id; a time-ordered index
// supports newest-first listing without scanning values.
const (
	entryPrefix = "dlq:"
	timePrefix  = "dlqt:"
)

// BadgerStore persists dead-letter entries to BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerStore opens a Badger-backed dead-letter store at path.
// An empty path opens an in-memory database for testing.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLoggerAdapter{logger: slog.Default()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func entryKey(eventID string) []byte {
	return []byte(entryPrefix + eventID)
}

// timeKey orders entries by moved-at descending: the timestamp is stored
// inverted so Badger's ascending iteration yields newest first.
func timeKey(entry *Entry) []byte {
	prefix := []byte(timePrefix)
	buf := make([]byte, len(prefix)+8+len(entry.Envelope.EventID))
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], ^uint64(entry.MovedAt.UnixNano()))
	offset += 8
	copy(buf[offset:], entry.Envelope.EventID)
	return buf
}

// Append implements Store. Re-appending an existing event id is a no-op.
func (s *BadgerStore) Append(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	return s.db.Update(func(tx *badger.Txn) error {
		key := entryKey(entry.Envelope.EventID)
		if _, err := tx.Get(key); err == nil {
			return nil // duplicate from crash-redelivery
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := tx.Set(key, data); err != nil {
			return err
		}
		return tx.Set(timeKey(entry), key)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, eventID string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(entryKey(eventID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List implements Store.
func (s *BadgerStore) List(_ context.Context, limit int) ([]*Entry, error) {
	return s.list(limit, func(*Entry) bool { return true })
}

// ListByStage implements Store.
func (s *BadgerStore) ListByStage(_ context.Context, stage envelope.Stage, limit int) ([]*Entry, error) {
	return s.list(limit, func(e *Entry) bool { return e.Envelope.Stage == stage })
}

func (s *BadgerStore) list(limit int, match func(*Entry) bool) ([]*Entry, error) {
	var result []*Entry
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(timePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}

			var key []byte
			if err := iter.Item().Value(func(val []byte) error {
				key = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}

			item, err := tx.Get(key)
			if err != nil {
				return err
			}
			var entry *Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if match(entry) {
				result = append(result, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Count implements Store.
func (s *BadgerStore) Count(_ context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Compile-time check that BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
