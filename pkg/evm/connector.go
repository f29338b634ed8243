package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
)

// Dial connects to the RPC endpoint of one EVM chain and verifies it is reachable.
func Dial(ctx context.Context, logger *zap.Logger, chainID vaa.ChainID, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing eth client for %s failed: %w", chainID, err)
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("querying block number on %s failed: %w", chainID, err)
	}
	logger.Info("connected to chain", zap.Stringer("chain", chainID), zap.Uint64("head", head))
	return client, nil
}
