// Package relayer reconciles synthetic batches: it discovers the sibling messages of a triggering
// core relayer VAA, stages partially fetched batches and signals when a batch is ready for delivery.
package relayer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/db"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/delivery"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/evm"
)

var ErrUnsupportedEmitter = errors.New("vaa not emitted by a configured core relayer")

// ReceiptFinder locates the source transaction receipt of a core relayer sequence.
type ReceiptFinder interface {
	FindReceipt(ctx context.Context, sequence uint64) (*types.Receipt, error)
}

// Resolver fills in missing messages of a batch entry.
type Resolver interface {
	Resolve(ctx context.Context, entry common.BatchEntry) (common.BatchEntry, bool)
}

// SourceChain is the per-chain context the consumer needs to reconstruct a batch.
type SourceChain struct {
	ChainID        vaa.ChainID
	CoreContract   eth_common.Address
	RelayerEmitter vaa.Address
	Receipts       ReceiptFinder
}

type Consumer struct {
	logger   *zap.Logger
	store    db.Store
	resolver Resolver
	chains   map[vaa.ChainID]SourceChain
	clock    func() time.Time
}

func NewConsumer(logger *zap.Logger, store db.Store, resolver Resolver, chains []SourceChain) *Consumer {
	m := make(map[vaa.ChainID]SourceChain, len(chains))
	for _, c := range chains {
		m[c.ChainID] = c
	}
	return &Consumer{
		logger:   logger.Named("consumer"),
		store:    store,
		resolver: resolver,
		chains:   m,
		clock:    time.Now,
	}
}

// OnVAA handles a core relayer VAA, either freshly observed or re-injected once its batch is ready.
// It returns a workflow when every message of the batch is available and nil otherwise.
func (c *Consumer) OnVAA(ctx context.Context, v *vaa.VAA, raw []byte) (*common.WorkflowPayload, error) {
	chain, ok := c.chains[v.EmitterChain]
	if !ok || chain.RelayerEmitter != v.EmitterAddress {
		eventsConsumed.WithLabelValues("unsupported_emitter").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEmitter, v.MessageID())
	}

	kind, err := common.ClassifyPayload(v.Payload)
	if err != nil {
		eventsConsumed.WithLabelValues("unknown_kind").Inc()
		return nil, err
	}

	switch kind {
	case common.PayloadDelivery:
		return c.consumeDelivery(ctx, chain, v, raw)
	case common.PayloadRedelivery:
		eventsConsumed.WithLabelValues("redelivery").Inc()
		c.logRedelivery(v)
		return nil, fmt.Errorf("%w: %s", common.ErrUnimplementedPayloadKind, kind)
	default:
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownPayloadKind, kind)
	}
}

func (c *Consumer) logRedelivery(v *vaa.VAA) {
	ix, err := delivery.ParseRedeliveryByTxHashInstruction(v.Payload)
	if err != nil {
		c.logger.Warn("malformed redelivery request", zap.String("msgID", v.MessageID()), zap.Error(err))
		return
	}
	c.logger.Warn("redelivery requests are not supported, ignoring",
		zap.String("msgID", v.MessageID()),
		zap.Stringer("sourceChain", ix.SourceChain),
		zap.String("sourceTx", hex.EncodeToString(ix.SourceTxHash[:])),
		zap.Stringer("targetChain", ix.TargetChain),
		zap.Uint8("deliveryIndex", ix.DeliveryIndex),
		zap.Uint8("multisendIndex", ix.MultisendIndex))
}

func (c *Consumer) consumeDelivery(ctx context.Context, chain SourceChain, v *vaa.VAA, raw []byte) (*common.WorkflowPayload, error) {
	hash, err := common.ContentHash(raw)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("hash", hash), zap.String("msgID", v.MessageID()))

	key := db.EntryKey(hash)
	vals, err := c.store.GetKeys(ctx, []string{key})
	if err != nil {
		return nil, err
	}

	var staged *common.BatchEntry
	if b, ok := vals[key]; ok {
		staged, err = decodeEntry(b)
		switch {
		case errors.Is(err, common.ErrInvalidEntry):
			logger.Error("ignoring invalid staged entry, rediscovering batch", zap.Error(err))
			staged = nil
		case err != nil:
			return nil, err
		}
		if staged != nil && staged.AllFetched {
			logger.Info("all messages fetched, queueing workflow")
			eventsConsumed.WithLabelValues("ready").Inc()
			return common.NewDeliveryWorkflow(staged), nil
		}
	}

	var entry common.BatchEntry
	if staged != nil {
		entry = staged.Clone()
	} else {
		logger.Info("not fetched, fetching receipt and filtering to synthetic batch")
		if entry, err = c.discover(ctx, chain, v, raw); err != nil {
			eventsConsumed.WithLabelValues("discovery_failed").Inc()
			return nil, err
		}
		batchesDiscovered.Inc()
		logger.Info("discovered synthetic batch",
			zap.Int("messages", len(entry.Messages)),
			zap.Int("deliveryIndex", entry.DeliveryIndex))
	}

	entry, _ = c.resolver.Resolve(ctx, entry)
	return c.stage(ctx, logger, hash, entry)
}

func (c *Consumer) discover(ctx context.Context, chain SourceChain, v *vaa.VAA, raw []byte) (common.BatchEntry, error) {
	rx, err := chain.Receipts.FindReceipt(ctx, v.Sequence)
	if err != nil {
		return common.BatchEntry{}, err
	}
	refs, idx, err := evm.ExtractBatch(rx, chain.CoreContract, v.Nonce, v.EmitterAddress, v.Sequence)
	if err != nil {
		return common.BatchEntry{}, err
	}
	refs[idx].Bytes = base64.StdEncoding.EncodeToString(raw)

	entry := common.BatchEntry{
		ChainID:       chain.ChainID,
		DeliveryIndex: idx,
		Messages:      refs,
	}
	entry.Refresh()
	return entry, nil
}

// stage persists entry, merged with whatever another event staged for the same hash meanwhile. An
// incomplete batch gets a single pending record; a complete one is recorded as resolved and returned
// as a workflow.
func (c *Consumer) stage(ctx context.Context, logger *zap.Logger, hash string, entry common.BatchEntry) (*common.WorkflowPayload, error) {
	var workflow *common.WorkflowPayload
	keys := []string{db.PendingKey, db.ResolvedKey, db.EntryKey(hash)}

	err := c.store.WithKeys(ctx, keys, func(_ context.Context, kv db.KV) error {
		existing, err := loadEntry(kv, hash)
		if errors.Is(err, common.ErrInvalidEntry) {
			existing, err = nil, nil
		}
		if err != nil {
			return err
		}
		entry.Merge(existing)

		pending, _, err := loadPending(kv)
		if err != nil {
			return err
		}
		resolved, _, err := loadResolved(kv)
		if err != nil {
			return err
		}

		if err := storeJSON(kv, db.EntryKey(hash), entry); err != nil {
			return err
		}

		if entry.AllFetched {
			if hasPending(pending, hash) {
				if err := storeJSON(kv, db.PendingKey, withoutPending(pending, hash)); err != nil {
					return err
				}
			}
			if !hasResolved(resolved, hash) {
				if err := storeJSON(kv, db.ResolvedKey, append(resolved, common.ResolvedRecord{Hash: hash})); err != nil {
					return err
				}
			}
			workflow = common.NewDeliveryWorkflow(&entry)
			return nil
		}

		if hasPending(pending, hash) {
			logger.Debug("batch already pending")
			return nil
		}
		now := c.clock()
		pending = append(pending, common.PendingRecord{
			Hash:          hash,
			StartTime:     now,
			NextRetryTime: now,
		})
		return storeJSON(kv, db.PendingKey, pending)
	})
	if err != nil {
		return nil, err
	}

	if workflow != nil {
		batchesResolved.WithLabelValues("immediate").Inc()
		eventsConsumed.WithLabelValues("ready").Inc()
		logger.Info("resolved entry immediately")
		return workflow, nil
	}
	eventsConsumed.WithLabelValues("pending").Inc()
	logger.Info("batch incomplete, staged as pending", zap.Ints("missing", entry.Missing()))
	return nil, nil
}
