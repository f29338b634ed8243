package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
)

var ErrReceiptNotFound = errors.New("could not find contract receipt")

type ReceiptNotFoundError struct {
	Sequence uint64
	ChainID  vaa.ChainID
}

func (e *ReceiptNotFoundError) Error() string {
	return fmt.Sprintf("%s: sequence %d on chain %s", ErrReceiptNotFound, e.Sequence, e.ChainID)
}

func (e *ReceiptNotFoundError) Unwrap() error {
	return ErrReceiptNotFound
}

// LogSource is the subset of an EVM RPC client used to locate receipts. *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash eth_common.Hash) (*types.Receipt, error)
}

type ScanConfig struct {
	// RecentBlocks is the depth of the first window, ending at the chain head.
	RecentBlocks uint64
	// WindowSize is the size of every older window.
	WindowSize uint64
	// Windows is the total number of windows including the recent one.
	Windows int
	// FallbackAttempts and FallbackDelay bound the poll of the recent window once all windows missed.
	FallbackAttempts uint64
	FallbackDelay    time.Duration
	QueryTimeout     time.Duration
}

func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		RecentBlocks:     20,
		WindowSize:       20,
		Windows:          20,
		FallbackAttempts: 10,
		FallbackDelay:    500 * time.Millisecond,
		QueryTimeout:     10 * time.Second,
	}
}

// ReceiptScanner finds the transaction receipt in which the core relayer contract published a given sequence.
type ReceiptScanner struct {
	logger       *zap.Logger
	chainID      vaa.ChainID
	source       LogSource
	coreContract eth_common.Address
	sender       eth_common.Address
	cfg          ScanConfig
}

func NewReceiptScanner(logger *zap.Logger, chainID vaa.ChainID, source LogSource, coreContract, sender eth_common.Address, cfg ScanConfig) *ReceiptScanner {
	return &ReceiptScanner{
		logger:       logger.With(zap.Stringer("chain", chainID)),
		chainID:      chainID,
		source:       source,
		coreContract: coreContract,
		sender:       sender,
		cfg:          cfg,
	}
}

var errNotInWindow = errors.New("sequence not in window")

// FindReceipt walks backwards from the chain head in fixed windows looking for the LogMessagePublished
// event carrying sequence, then falls back to polling the recent window for events not yet indexed.
func (s *ReceiptScanner) FindReceipt(ctx context.Context, sequence uint64) (*types.Receipt, error) {
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}

	for i := 0; i < s.cfg.Windows; i++ {
		from, to, ok := s.window(head, i)
		if !ok {
			break
		}
		rx, err := s.searchRange(ctx, from, to, sequence)
		if err == nil {
			return rx, nil
		}
		if !errors.Is(err, errNotInWindow) {
			return nil, err
		}
	}

	if s.cfg.FallbackAttempts == 0 {
		return nil, &ReceiptNotFoundError{Sequence: sequence, ChainID: s.chainID}
	}
	s.logger.Debug("sequence not found in scan windows, polling recent blocks", zap.Uint64("sequence", sequence))

	var rx *types.Receipt
	attempts := uint64(0)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.FallbackDelay), s.cfg.FallbackAttempts-1),
		ctx)
	err = backoff.Retry(func() error {
		attempts++
		head, err := s.source.BlockNumber(ctx)
		if err != nil {
			return err
		}
		from, to, _ := s.window(head, 0)
		rx, err = s.searchRange(ctx, from, to, sequence)
		return err
	}, policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("receipt not found",
			zap.Uint64("sequence", sequence),
			zap.Uint64("fallbackAttempts", attempts),
			zap.Error(err))
		return nil, &ReceiptNotFoundError{Sequence: sequence, ChainID: s.chainID}
	}
	return rx, nil
}

// window returns the inclusive block range of window i. Window 0 is the recent window, window 1 starts
// where it ends and every later window directly precedes the previous one.
func (s *ReceiptScanner) window(head uint64, i int) (uint64, uint64, bool) {
	if i == 0 {
		if head < s.cfg.RecentBlocks {
			return 0, head, true
		}
		return head - s.cfg.RecentBlocks, head, true
	}
	upper := s.cfg.RecentBlocks + uint64(i-1)*s.cfg.WindowSize
	if head < upper {
		return 0, 0, false
	}
	lower := upper + s.cfg.WindowSize
	if head < lower {
		return 0, head - upper, true
	}
	return head - lower, head - upper, true
}

func (s *ReceiptScanner) searchRange(ctx context.Context, from, to uint64, sequence uint64) (*types.Receipt, error) {
	timeout, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	logs, err := s.source.FilterLogs(timeout, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []eth_common.Address{s.coreContract},
		Topics:    [][]eth_common.Hash{{LogMessagePublishedTopic}, {eth_common.BytesToHash(s.sender.Bytes())}},
	})
	if err != nil {
		s.logger.Error("failed to filter logs", zap.Uint64("from", from), zap.Uint64("to", to), zap.Error(err))
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, l := range logs {
		ev, err := ParseLogMessagePublished(l)
		if err != nil {
			s.logger.Warn("skipping undecodable log", zap.Stringer("tx", l.TxHash), zap.Error(err))
			continue
		}
		if ev.Sequence != sequence {
			continue
		}
		rx, err := s.source.TransactionReceipt(timeout, l.TxHash)
		if err != nil {
			return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
		}
		return rx, nil
	}
	return nil, errNotInWindow
}
