package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine fills in missing messages of batch entries.
type Engine struct {
	logger  *zap.Logger
	fetcher VAAFetcher
	// maxParallel bounds concurrent fetches per Resolve call. Zero means unbounded.
	maxParallel int
}

func NewEngine(logger *zap.Logger, fetcher VAAFetcher, maxParallel int) *Engine {
	return &Engine{logger: logger.Named("fetchengine"), fetcher: fetcher, maxParallel: maxParallel}
}

// Resolve makes one fetch attempt for every message of entry that has no bytes yet. Failed fetches are
// logged and leave the message empty. The returned entry is a copy; the boolean is its AllFetched flag.
func (e *Engine) Resolve(ctx context.Context, entry common.BatchEntry) (common.BatchEntry, bool) {
	out := entry.Clone()
	missing := out.Missing()
	if len(missing) == 0 {
		out.AllFetched = true
		return out, true
	}

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, i := range missing {
		g.Go(func() error {
			b, err := e.fetchOne(ctx, entry, out.Messages[i])
			if err != nil {
				fetchFailures.Inc()
				e.logger.Debug("failed to fetch batch message",
					zap.Stringer("chain", entry.ChainID),
					zap.Stringer("message", out.Messages[i]),
					zap.Error(err))
				return nil
			}
			// Each goroutine owns a distinct index.
			out.Messages[i].Bytes = base64.StdEncoding.EncodeToString(b)
			messagesFetched.Inc()
			e.logger.Info("fetched batch message",
				zap.Stringer("chain", entry.ChainID),
				zap.Stringer("message", out.Messages[i]),
				zap.Int("index", i))
			return nil
		})
	}
	_ = g.Wait()

	out.Refresh()
	return out, out.AllFetched
}

func (e *Engine) fetchOne(ctx context.Context, entry common.BatchEntry, ref common.MessageRef) ([]byte, error) {
	emitter, err := ref.EmitterAddress()
	if err != nil {
		return nil, fmt.Errorf("invalid emitter: %w", err)
	}
	seq, err := ref.SequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("invalid sequence: %w", err)
	}
	return e.fetcher.FetchSignedVAA(ctx, entry.ChainID, emitter, seq)
}
