package evm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	testCore    = eth_common.HexToAddress("0x98f3c9e6E3fAce36bAAd05FE09d375Ef1464288B")
	testRelayer = eth_common.HexToAddress("0x0290FB167208Af455bB137780163b7B7a9a10C16")
	testOther   = eth_common.HexToAddress("0x3ee18B2214AFF97000D974cf647E7C347E8fa585")
)

func makeLog(t *testing.T, contract, sender eth_common.Address, sequence uint64, nonce uint32, block uint64, tx eth_common.Hash) types.Log {
	t.Helper()
	data, err := PackLogMessagePublishedData(sequence, nonce, []byte{1, 2, 3}, 1)
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      []eth_common.Hash{LogMessagePublishedTopic, eth_common.BytesToHash(sender.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
	}
}

// mockLogSource serves logs by block range. Every call to BlockNumber advances the head by headStep.
type mockLogSource struct {
	mu          sync.Mutex
	head        uint64
	headStep    uint64
	logs        []types.Log
	receipts    map[eth_common.Hash]*types.Receipt
	filterCalls int
	ranges      [][2]uint64
}

func (m *mockLogSource) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.head
	m.head += m.headStep
	return h, nil
}

func (m *mockLogSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterCalls++
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	m.ranges = append(m.ranges, [2]uint64{from, to})
	var out []types.Log
	for _, l := range m.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockLogSource) TransactionReceipt(ctx context.Context, txHash eth_common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rx, ok := m.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return rx, nil
}
