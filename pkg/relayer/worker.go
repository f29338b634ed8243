package relayer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/db"
)

// EventSource accepts VAA bytes to be consumed again by the host, as if freshly observed.
type EventSource interface {
	Inject(ctx context.Context, raw []byte) error
}

const requeueTimeout = 10 * time.Second

type WorkerConfig struct {
	Interval     time.Duration
	RoundTimeout time.Duration
	Retry        RetryPolicy
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:     3 * time.Second,
		RoundTimeout: time.Minute,
		Retry:        DefaultExponentialRetry(),
	}
}

// Worker periodically retries pending batches and signals the ones that become complete.
type Worker struct {
	logger   *zap.Logger
	store    db.Store
	resolver Resolver
	source   EventSource
	cfg      WorkerConfig
	clock    func() time.Time
}

func NewWorker(logger *zap.Logger, store db.Store, resolver Resolver, source EventSource, cfg WorkerConfig) *Worker {
	if cfg.Retry == nil {
		cfg.Retry = DefaultExponentialRetry()
	}
	return &Worker{
		logger:   logger.Named("reconciler"),
		store:    store,
		resolver: resolver,
		source:   source,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Run ticks until ctx is cancelled. A round in progress when ctx is cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			roundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RoundTimeout)
			if _, err := w.RunRound(roundCtx); err != nil {
				reconciliationRounds.WithLabelValues("error").Inc()
				w.logger.Error("reconciliation round failed", zap.Error(err))
			}
			cancel()
		}
	}
}

type readySignal struct {
	hash string
	raw  []byte
	rec  common.PendingRecord
}

type roundResult struct {
	hash  string
	entry *common.BatchEntry
	done  bool
}

// RunRound performs a single reconciliation round and returns the hashes that became ready.
func (w *Worker) RunRound(ctx context.Context) ([]string, error) {
	var ready []readySignal

	err := w.store.WithKeys(ctx, []string{db.PendingKey, db.ResolvedKey}, func(ctx context.Context, kv db.KV) error {
		pending, pendingExists, err := loadPending(kv)
		if err != nil {
			return err
		}
		resolved, resolvedExists, err := loadResolved(kv)
		if err != nil {
			return err
		}
		if !pendingExists {
			if err := storeJSON(kv, db.PendingKey, pending); err != nil {
				return err
			}
		}
		if !resolvedExists {
			if err := storeJSON(kv, db.ResolvedKey, resolved); err != nil {
				return err
			}
		}

		now := w.clock()
		var due []common.PendingRecord
		for _, p := range pending {
			if p.Due(now) {
				due = append(due, p)
			}
		}
		pendingBatches.Set(float64(len(pending)))
		if len(due) == 0 {
			return nil
		}

		results, err := w.reconcile(ctx, due)
		if err != nil {
			return err
		}

		byHash := make(map[string]roundResult, len(results))
		for _, r := range results {
			byHash[r.hash] = r
		}

		remaining := make([]common.PendingRecord, 0, len(pending))
		for _, p := range pending {
			r, wasDue := byHash[p.Hash]
			switch {
			case !wasDue:
				remaining = append(remaining, p)
			case r.entry == nil:
				w.logger.Warn("dropping pending record without a staged entry", zap.String("hash", p.Hash))
			case r.done:
				if !hasResolved(resolved, p.Hash) {
					resolved = append(resolved, common.ResolvedRecord{Hash: p.Hash})
				}
				sig, err := readySignalFor(p.Hash, r.entry)
				if err != nil {
					w.logger.Error("resolved entry has no usable trigger", zap.String("hash", p.Hash), zap.Error(err))
					continue
				}
				sig.rec = p
				ready = append(ready, sig)
			default:
				p.NumTimesRetried++
				p.NextRetryTime = w.cfg.Retry.Next(p, now)
				remaining = append(remaining, p)
			}
		}

		pendingBatches.Set(float64(len(remaining)))
		if err := storeJSON(kv, db.PendingKey, remaining); err != nil {
			return err
		}
		return storeJSON(kv, db.ResolvedKey, resolved)
	})
	if err != nil {
		return nil, err
	}
	reconciliationRounds.WithLabelValues("ok").Inc()

	hashes := make([]string, 0, len(ready))
	var unsignalled []common.PendingRecord
	for _, sig := range ready {
		w.logger.Info("batch resolved, signalling ready", zap.String("hash", sig.hash))
		if err := w.source.Inject(ctx, sig.raw); err != nil {
			w.logger.Error("failed to signal ready batch, requeueing", zap.String("hash", sig.hash), zap.Error(err))
			unsignalled = append(unsignalled, sig.rec)
			continue
		}
		batchesResolved.WithLabelValues("reconciled").Inc()
		hashes = append(hashes, sig.hash)
	}

	if len(unsignalled) > 0 {
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
		defer cancel()
		if err := w.requeue(requeueCtx, unsignalled); err != nil {
			return hashes, fmt.Errorf("failed to requeue %d unsignalled batches: %w", len(unsignalled), err)
		}
	}
	return hashes, nil
}

// requeue moves batches whose ready signal was not delivered back to pending, due on the next round.
// Their entries are complete, so that round signals them again without fetching.
func (w *Worker) requeue(ctx context.Context, records []common.PendingRecord) error {
	now := w.clock()
	return w.store.WithKeys(ctx, []string{db.PendingKey, db.ResolvedKey}, func(ctx context.Context, kv db.KV) error {
		pending, _, err := loadPending(kv)
		if err != nil {
			return err
		}
		resolved, _, err := loadResolved(kv)
		if err != nil {
			return err
		}
		for _, rec := range records {
			resolved = withoutResolved(resolved, rec.Hash)
			if hasPending(pending, rec.Hash) {
				continue
			}
			rec.NextRetryTime = now
			pending = append(pending, rec)
		}
		pendingBatches.Set(float64(len(pending)))
		if err := storeJSON(kv, db.PendingKey, pending); err != nil {
			return err
		}
		return storeJSON(kv, db.ResolvedKey, resolved)
	})
}

// reconcile locks the entries of the due records and makes one fetch attempt for each of them.
func (w *Worker) reconcile(ctx context.Context, due []common.PendingRecord) ([]roundResult, error) {
	keys := make([]string, len(due))
	for i, p := range due {
		keys[i] = db.EntryKey(p.Hash)
	}

	results := make([]roundResult, len(due))
	err := w.store.WithKeys(ctx, keys, func(ctx context.Context, kv db.KV) error {
		for i, p := range due {
			entry, err := loadEntry(kv, p.Hash)
			if errors.Is(err, common.ErrInvalidEntry) {
				w.logger.Error("discarding invalid staged entry", zap.String("hash", p.Hash), zap.Error(err))
				if err := kv.Delete(db.EntryKey(p.Hash)); err != nil {
					return err
				}
				entry, err = nil, nil
			}
			if err != nil {
				return err
			}
			results[i] = roundResult{hash: p.Hash, entry: entry}
		}

		var g errgroup.Group
		for i := range results {
			if results[i].entry == nil {
				continue
			}
			g.Go(func() error {
				resolvedEntry, done := w.resolver.Resolve(ctx, *results[i].entry)
				results[i].entry = &resolvedEntry
				results[i].done = done
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			if r.entry == nil {
				continue
			}
			if err := storeJSON(kv, db.EntryKey(r.hash), r.entry); err != nil {
				return err
			}
		}
		return nil
	})
	return results, err
}

func readySignalFor(hash string, entry *common.BatchEntry) (readySignal, error) {
	encoded := entry.RedeliveryBytes
	if encoded == "" {
		if entry.DeliveryIndex < 0 || entry.DeliveryIndex >= len(entry.Messages) {
			return readySignal{}, fmt.Errorf("delivery index %d out of range", entry.DeliveryIndex)
		}
		encoded = entry.Messages[entry.DeliveryIndex].Bytes
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return readySignal{}, err
	}
	return readySignal{hash: hash, raw: raw}, nil
}
