package db

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

type pebbleBackend struct {
	db *pebble.DB
}

// NewPebbleStore wraps an already opened pebble database.
func NewPebbleStore(db *pebble.DB) *KeyedStore {
	return newKeyedStore(&pebbleBackend{db: db})
}

// OpenPebble opens (or creates) a pebble database under dataDir/staging.
func OpenPebble(logger *zap.Logger, dataDir string) (*KeyedStore, error) {
	dbPath := path.Join(dataDir, "staging")
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	logger.Info("opened staging database", zap.String("backend", "pebble"), zap.String("path", dbPath))
	return NewPebbleStore(db), nil
}

func (p *pebbleBackend) read(keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		val, closer, err := p.db.Get([]byte(k))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &DBError{Op: OpRead, Key: []byte(k), Err: err}
		}
		out[k] = append([]byte(nil), val...)
		if err := closer.Close(); err != nil {
			return nil, &DBError{Op: OpRead, Key: []byte(k), Err: err}
		}
	}
	return out, nil
}

func (p *pebbleBackend) write(sets map[string][]byte, deletes []string) error {
	wb := p.db.NewBatch()
	defer wb.Close()
	for k, v := range sets {
		if err := wb.Set([]byte(k), v, nil); err != nil {
			return &DBError{Op: OpUpdate, Key: []byte(k), Err: err}
		}
	}
	for _, k := range deletes {
		if err := wb.Delete([]byte(k), nil); err != nil {
			return &DBError{Op: OpDelete, Key: []byte(k), Err: err}
		}
	}
	return wb.Commit(pebble.Sync)
}

func (p *pebbleBackend) close() error {
	return p.db.Close()
}
