// Package db implements the relayer's staging area: a small key/value store whose
// callers hold exclusive locks on a set of keys for the duration of a callback.
//
// Locks are not reentrant. A callback may open a nested scope through the context
// it receives, but only on keys that sort after every key already held. Control
// keys (pending, resolved) are prefixed so that they sort before message entries,
// which gives every caller the same acquisition order.
package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrKeyNotLocked = errors.New("db: key not held by this scope")
	ErrLockOrder    = errors.New("db: nested scope must only lock keys greater than those already held")
)

var scopeCommits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayer_db_scope_commits_total",
		Help: "Total number of locked scopes committed, by outcome",
	}, []string{"outcome"})

// Operation represents a database operation type
type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type DBError struct {
	Op  Operation
	Key []byte
	Err error
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Error() string {
	return fmt.Sprintf("staging database: %s key: %s error: %v", e.Op, e.Key, e.Err)
}

// KV is the view of the locked keys handed to a WithKeys callback. Reads observe the
// snapshot taken at lock time plus any writes made earlier in the same scope.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Store is the interface consumed by the relayer.
type Store interface {
	// WithKeys locks keys, loads their current values and invokes fn. Writes made
	// through kv are committed atomically if and only if fn returns nil.
	WithKeys(ctx context.Context, keys []string, fn func(ctx context.Context, kv KV) error) error
	// GetKeys reads keys without taking locks.
	GetKeys(ctx context.Context, keys []string) (map[string][]byte, error)
	Close() error
}

// backend is the storage engine behind a KeyedStore.
type backend interface {
	read(keys []string) (map[string][]byte, error)
	write(sets map[string][]byte, deletes []string) error
	close() error
}

// KeyedStore combines a backend with an in-process per-key lock table.
type KeyedStore struct {
	backend backend
	locks   *keyLock
}

func newKeyedStore(b backend) *KeyedStore {
	return &KeyedStore{backend: b, locks: newKeyLock()}
}

type heldKeysCtxKey struct{}

func heldMax(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(heldKeysCtxKey{}).(string)
	return s, ok
}

func (s *KeyedStore) WithKeys(ctx context.Context, keys []string, fn func(ctx context.Context, kv KV) error) error {
	sorted := dedupeSorted(keys)
	if len(sorted) == 0 {
		return fn(ctx, &scope{locked: map[string]bool{}, snapshot: map[string][]byte{}})
	}

	if max, ok := heldMax(ctx); ok && sorted[0] <= max {
		return fmt.Errorf("%w: holding %q, requested %q", ErrLockOrder, max, sorted[0])
	}

	unlock, err := s.locks.lock(ctx, sorted)
	if err != nil {
		return err
	}
	defer unlock()

	snapshot, err := s.backend.read(sorted)
	if err != nil {
		return err
	}

	sc := &scope{
		locked:   make(map[string]bool, len(sorted)),
		snapshot: snapshot,
		sets:     map[string][]byte{},
		deletes:  map[string]bool{},
	}
	for _, k := range sorted {
		sc.locked[k] = true
	}

	nestedCtx := context.WithValue(ctx, heldKeysCtxKey{}, sorted[len(sorted)-1])
	if err := fn(nestedCtx, sc); err != nil {
		scopeCommits.WithLabelValues("rollback").Inc()
		return err
	}

	if len(sc.sets) == 0 && len(sc.deletes) == 0 {
		scopeCommits.WithLabelValues("noop").Inc()
		return nil
	}

	deletes := make([]string, 0, len(sc.deletes))
	for k := range sc.deletes {
		deletes = append(deletes, k)
	}
	sort.Strings(deletes)

	if err := s.backend.write(sc.sets, deletes); err != nil {
		scopeCommits.WithLabelValues("error").Inc()
		return err
	}
	scopeCommits.WithLabelValues("commit").Inc()
	return nil
}

func (s *KeyedStore) GetKeys(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.backend.read(dedupeSorted(keys))
}

func (s *KeyedStore) Close() error {
	return s.backend.close()
}

type scope struct {
	locked   map[string]bool
	snapshot map[string][]byte
	sets     map[string][]byte
	deletes  map[string]bool
}

func (sc *scope) Get(key string) ([]byte, bool) {
	if !sc.locked[key] {
		return nil, false
	}
	if sc.deletes[key] {
		return nil, false
	}
	if v, ok := sc.sets[key]; ok {
		return v, true
	}
	v, ok := sc.snapshot[key]
	return v, ok
}

func (sc *scope) Set(key string, value []byte) error {
	if !sc.locked[key] {
		return &DBError{Op: OpUpdate, Key: []byte(key), Err: ErrKeyNotLocked}
	}
	delete(sc.deletes, key)
	sc.sets[key] = append([]byte(nil), value...)
	return nil
}

func (sc *scope) Delete(key string) error {
	if !sc.locked[key] {
		return &DBError{Op: OpDelete, Key: []byte(key), Err: ErrKeyNotLocked}
	}
	delete(sc.sets, key)
	sc.deletes[key] = true
	return nil
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
