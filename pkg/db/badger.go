package db

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

type badgerBackend struct {
	db *badger.DB
}

// NewBadgerStore wraps an already opened badger database.
func NewBadgerStore(db *badger.DB) *KeyedStore {
	return newKeyedStore(&badgerBackend{db: db})
}

// OpenBadger opens (or creates) a badger database under dataDir/staging.
func OpenBadger(logger *zap.Logger, dataDir string) (*KeyedStore, error) {
	dbPath := path.Join(dataDir, "staging")
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	logger.Info("opened staging database", zap.String("backend", "badger"), zap.String("path", dbPath))
	return NewBadgerStore(db), nil
}

func (b *badgerBackend) read(keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return &DBError{Op: OpRead, Key: []byte(k), Err: err}
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return &DBError{Op: OpRead, Key: []byte(k), Err: err}
			}
			out[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *badgerBackend) write(sets map[string][]byte, deletes []string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return &DBError{Op: OpUpdate, Key: []byte(k), Err: err}
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil {
				return &DBError{Op: OpDelete, Key: []byte(k), Err: err}
			}
		}
		return nil
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}
