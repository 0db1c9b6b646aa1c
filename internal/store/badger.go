package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

const badgerPrefix = "records:"

// BadgerStore keeps each snapshot under one key, so a commit is a single
// transactional write.
type BadgerStore[T models.Dated] struct {
	db *badger.DB
}

func NewBadgerStore[T models.Dated](db *badger.DB) *BadgerStore[T] {
	return &BadgerStore[T]{db: db}
}

// OpenBadger opens a database at dir; an empty dir opens an in-memory one.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}

func badgerKey(key Key) []byte {
	return []byte(badgerPrefix + key.Campaign + ":" + key.Source)
}

func (s *BadgerStore[T]) Load(_ context.Context, key Key) (*Snapshot[T], error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var snap *Snapshot[T]
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap = &Snapshot[T]{}
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return snap, nil
}

func (s *BadgerStore[T]) Commit(_ context.Context, key Key, records []T) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(newSnapshot(records))
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), data)
	})
}
