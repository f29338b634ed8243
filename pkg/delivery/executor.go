// Package delivery turns completed batches into deliverSingle transactions on destination chains.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/evm"
)

var (
	ErrUnauthorized      = errors.New("signer is not an approved sender of the relay provider")
	ErrUnsupportedTarget = errors.New("target chain not configured")
	ErrBudgetOverflow    = errors.New("delivery budget overflows uint256")
)

// Provider is a relay provider binding on one destination chain. *evm.RelayProvider satisfies it.
type Provider interface {
	Address() eth_common.Address
	Signer() eth_common.Address
	ApprovedSender(ctx context.Context, sender eth_common.Address) (bool, error)
	DeliverSingle(ctx context.Context, params evm.TargetDeliveryParams, value *big.Int, gasLimit uint64) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

type Config struct {
	GasLimit uint64
	// Margin is added on top of the application budget and maximum refund of every instruction.
	Margin uint64
	// WaitForConfirmation makes Execute wait for each delivery to be mined before moving on.
	WaitForConfirmation bool
	ConfirmationTimeout time.Duration
	// SubmittedCacheSize is the number of submitted instructions remembered so a replayed trigger
	// only submits the instructions that failed before.
	SubmittedCacheSize int
}

func DefaultConfig() Config {
	return Config{
		GasLimit:            3_000_000,
		Margin:              100,
		ConfirmationTimeout: 5 * time.Minute,
		SubmittedCacheSize:  10000,
	}
}

type Executor struct {
	logger    *zap.Logger
	providers map[vaa.ChainID]Provider
	cfg       Config
	submitted *lru.Cache

	// pending tracks background confirmations.
	pending sync.WaitGroup
}

func NewExecutor(logger *zap.Logger, providers map[vaa.ChainID]Provider, cfg Config) *Executor {
	if cfg.SubmittedCacheSize <= 0 {
		cfg.SubmittedCacheSize = DefaultConfig().SubmittedCacheSize
	}
	submitted, err := lru.New(cfg.SubmittedCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Executor{
		logger:    logger.Named("delivery"),
		providers: providers,
		cfg:       cfg,
		submitted: submitted,
	}
}

// Budget returns applicationBudget + maximumRefund + margin.
func Budget(ix *DeliveryInstruction, margin uint64) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(ix.ApplicationBudgetTarget, ix.MaximumRefundTarget)
	if overflow {
		return nil, ErrBudgetOverflow
	}
	sum, overflow = sum.AddOverflow(sum, uint256.NewInt(margin))
	if overflow {
		return nil, ErrBudgetOverflow
	}
	return sum, nil
}

// Execute submits one deliverSingle per delivery instruction of the triggering message. Failures of
// one instruction do not stop the others and are returned joined.
func (e *Executor) Execute(ctx context.Context, payload *common.WorkflowPayload) error {
	switch payload.Kind {
	case common.PayloadDelivery:
		return e.executeDelivery(ctx, payload)
	case common.PayloadRedelivery:
		return fmt.Errorf("%w: %s", common.ErrUnimplementedPayloadKind, payload.Kind)
	default:
		return fmt.Errorf("%w: %s", common.ErrUnknownPayloadKind, payload.Kind)
	}
}

func (e *Executor) executeDelivery(ctx context.Context, payload *common.WorkflowPayload) error {
	msgs, err := payload.DecodedMessages()
	if err != nil {
		return fmt.Errorf("failed to decode workflow messages: %w", err)
	}
	if payload.TriggerIndex < 0 || payload.TriggerIndex >= len(msgs) || payload.TriggerIndex > 255 {
		return fmt.Errorf("trigger index %d out of range for %d messages", payload.TriggerIndex, len(msgs))
	}
	trigger, err := vaa.Unmarshal(msgs[payload.TriggerIndex])
	if err != nil {
		return fmt.Errorf("failed to parse triggering VAA: %w", err)
	}
	container, err := ParseDeliveryInstructionsContainer(trigger.Payload)
	if err != nil {
		return err
	}
	triggerHash, err := common.ContentHash(msgs[payload.TriggerIndex])
	if err != nil {
		return err
	}

	logger := e.logger.With(zap.String("trigger", trigger.MessageID()))

	var errs []error
	for i := range container.Instructions {
		ix := &container.Instructions[i]
		key := fmt.Sprintf("%s/%d", triggerHash, i)
		if e.submitted.Contains(key) {
			deliveriesSkipped.WithLabelValues(ix.TargetChain.String(), "already_submitted").Inc()
			logger.Info("instruction already submitted, skipping", zap.Int("instruction", i), zap.Stringer("targetChain", ix.TargetChain))
			continue
		}
		if err := e.deliverInstruction(ctx, logger, key, msgs, uint8(payload.TriggerIndex), uint8(i), ix); err != nil {
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUnsupportedTarget) {
				continue
			}
			deliveriesFailed.WithLabelValues(ix.TargetChain.String()).Inc()
			logger.Error("delivery failed",
				zap.Int("instruction", i),
				zap.Stringer("targetChain", ix.TargetChain),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("instruction %d: %w", i, err))
			continue
		}
		logger.Info(fmt.Sprintf("relayed instruction %d of %d", i+1, len(container.Instructions)),
			zap.Stringer("targetChain", ix.TargetChain))
	}
	return errors.Join(errs...)
}

func (e *Executor) deliverInstruction(
	ctx context.Context,
	logger *zap.Logger,
	key string,
	msgs [][]byte,
	triggerIndex uint8,
	multisendIndex uint8,
	ix *DeliveryInstruction,
) error {
	provider, ok := e.providers[ix.TargetChain]
	if !ok {
		deliveriesSkipped.WithLabelValues(ix.TargetChain.String(), "unsupported_target").Inc()
		logger.Warn("skipping instruction for unconfigured target chain", zap.Stringer("targetChain", ix.TargetChain))
		return ErrUnsupportedTarget
	}

	budget, err := Budget(ix, e.cfg.Margin)
	if err != nil {
		return err
	}

	approved, err := provider.ApprovedSender(ctx, provider.Signer())
	if err != nil {
		return err
	}
	if !approved {
		deliveriesSkipped.WithLabelValues(ix.TargetChain.String(), "unauthorized").Inc()
		logger.Warn("approved sender not set correctly",
			zap.Stringer("targetChain", ix.TargetChain),
			zap.Stringer("expected", provider.Signer()))
		return ErrUnauthorized
	}

	params := evm.TargetDeliveryParams{
		EncodedVMs:           msgs,
		DeliveryIndex:        triggerIndex,
		MultisendIndex:       multisendIndex,
		RelayerRefundAddress: provider.Address(),
	}
	tx, err := provider.DeliverSingle(ctx, params, budget.ToBig(), e.cfg.GasLimit)
	if err != nil {
		return fmt.Errorf("deliverSingle failed: %w", err)
	}
	e.submitted.Add(key, struct{}{})
	deliveriesSubmitted.WithLabelValues(ix.TargetChain.String()).Inc()
	logger.Info("submitted delivery",
		zap.Stringer("targetChain", ix.TargetChain),
		zap.Stringer("tx", tx.Hash()),
		zap.Stringer("value", budget))

	if e.cfg.WaitForConfirmation {
		return e.confirm(ctx, logger, provider, ix.TargetChain, tx)
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmationTimeout)
		defer cancel()
		_ = e.confirm(bg, logger, provider, ix.TargetChain, tx)
	}()
	return nil
}

func (e *Executor) confirm(ctx context.Context, logger *zap.Logger, provider Provider, chain vaa.ChainID, tx *types.Transaction) error {
	if e.cfg.WaitForConfirmation && e.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
		defer cancel()
	}
	rx, err := provider.WaitMined(ctx, tx)
	if err != nil {
		logger.Error("failed to wait for delivery", zap.Stringer("targetChain", chain), zap.Stringer("tx", tx.Hash()), zap.Error(err))
		return fmt.Errorf("waiting for %s: %w", tx.Hash(), err)
	}
	if rx.Status != types.ReceiptStatusSuccessful {
		deliveriesReverted.WithLabelValues(chain.String()).Inc()
		logger.Error("delivery reverted", zap.Stringer("targetChain", chain), zap.Stringer("tx", tx.Hash()))
		return fmt.Errorf("delivery %s reverted", tx.Hash())
	}
	deliveriesConfirmed.WithLabelValues(chain.String()).Inc()
	logger.Info("delivery confirmed", zap.Stringer("targetChain", chain), zap.Stringer("tx", tx.Hash()), zap.Uint64("block", rx.BlockNumber.Uint64()))
	return nil
}

// Close waits for background confirmations to finish.
func (e *Executor) Close() {
	e.pending.Wait()
}
