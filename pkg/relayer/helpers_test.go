package relayer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/db"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/evm"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/fetcher"
)

var (
	testCore       = eth_common.HexToAddress("0x98f3c9e6E3fAce36bAAd05FE09d375Ef1464288B")
	testRelayer    = eth_common.HexToAddress("0x0290FB167208Af455bB137780163b7B7a9a10C16")
	testApp        = eth_common.HexToAddress("0x3ee18B2214AFF97000D974cf647E7C347E8fa585")
	relayerEmitter = vaa.Address(eth_common.BytesToHash(testRelayer.Bytes()))
	appEmitter     = vaa.Address(eth_common.BytesToHash(testApp.Bytes()))
)

const testNonce = 77

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	s := db.NewBadgerStore(bdb)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedVAA(t *testing.T, emitter vaa.Address, seq uint64, payload []byte) (*vaa.VAA, []byte) {
	t.Helper()
	v := &vaa.VAA{
		Version:          vaa.SupportedVAAVersion,
		Timestamp:        time.Unix(1700000000, 0),
		Nonce:            testNonce,
		Sequence:         seq,
		ConsistencyLevel: 1,
		EmitterChain:     vaa.ChainIDEthereum,
		EmitterAddress:   emitter,
		Payload:          payload,
	}
	raw, err := v.Marshal()
	require.NoError(t, err)
	return v, raw
}

func coreLog(t *testing.T, sender eth_common.Address, seq uint64, nonce uint32) *types.Log {
	t.Helper()
	data, err := evm.PackLogMessagePublishedData(seq, nonce, []byte{0}, 1)
	require.NoError(t, err)
	return &types.Log{
		Address: testCore,
		Topics:  []eth_common.Hash{evm.LogMessagePublishedTopic, eth_common.BytesToHash(sender.Bytes())},
		Data:    data,
	}
}

// batchReceipt holds app messages 10 and 11 plus the relayer trigger 3, all with the test nonce,
// and one unrelated app message.
func batchReceipt(t *testing.T) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			coreLog(t, testApp, 10, testNonce),
			coreLog(t, testApp, 11, testNonce),
			coreLog(t, testApp, 12, testNonce+1),
			coreLog(t, testRelayer, 3, testNonce),
		},
	}
}

type mockReceipts struct {
	mu    sync.Mutex
	rx    *types.Receipt
	err   error
	calls int
}

func (m *mockReceipts) FindReceipt(ctx context.Context, sequence uint64) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.rx, m.err
}

type mockFetcher struct {
	mu    sync.Mutex
	vaas  map[string][]byte
	calls int
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{vaas: map[string][]byte{}}
}

func (m *mockFetcher) set(emitter vaa.Address, seq uint64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vaas[fmt.Sprintf("%s/%d", emitter, seq)] = b
}

func (m *mockFetcher) FetchSignedVAA(ctx context.Context, chain vaa.ChainID, emitter vaa.Address, seq uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if b, ok := m.vaas[fmt.Sprintf("%s/%d", emitter, seq)]; ok {
		return b, nil
	}
	return nil, errors.New("not yet signed")
}

// mockEventSource records injected events. The first failures calls are rejected.
type mockEventSource struct {
	mu       sync.Mutex
	injected [][]byte
	failures int
	attempts int
}

func (m *mockEventSource) Inject(ctx context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("event queue full")
	}
	m.injected = append(m.injected, raw)
	return nil
}

func (m *mockEventSource) all() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.injected...)
}

func newTestConsumer(t *testing.T, store db.Store, receipts *mockReceipts, f *mockFetcher) *Consumer {
	t.Helper()
	return NewConsumer(zap.NewNop(), store, fetcher.NewEngine(zap.NewNop(), f, 0), []SourceChain{{
		ChainID:        vaa.ChainIDEthereum,
		CoreContract:   testCore,
		RelayerEmitter: relayerEmitter,
		Receipts:       receipts,
	}})
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func readPending(t *testing.T, store db.Store) []common.PendingRecord {
	t.Helper()
	vals, err := store.GetKeys(context.Background(), []string{db.PendingKey})
	require.NoError(t, err)
	var out []common.PendingRecord
	if b, ok := vals[db.PendingKey]; ok {
		require.NoError(t, json.Unmarshal(b, &out))
	}
	return out
}

func readResolved(t *testing.T, store db.Store) []common.ResolvedRecord {
	t.Helper()
	vals, err := store.GetKeys(context.Background(), []string{db.ResolvedKey})
	require.NoError(t, err)
	var out []common.ResolvedRecord
	if b, ok := vals[db.ResolvedKey]; ok {
		require.NoError(t, json.Unmarshal(b, &out))
	}
	return out
}

func readEntry(t *testing.T, store db.Store, hash string) *common.BatchEntry {
	t.Helper()
	vals, err := store.GetKeys(context.Background(), []string{db.EntryKey(hash)})
	require.NoError(t, err)
	b, ok := vals[db.EntryKey(hash)]
	if !ok {
		return nil
	}
	e, err := decodeEntry(b)
	require.NoError(t, err)
	return e
}

func writeJSON(t *testing.T, store db.Store, key string, v interface{}) {
	t.Helper()
	err := store.WithKeys(context.Background(), []string{key}, func(_ context.Context, kv db.KV) error {
		return storeJSON(kv, key, v)
	})
	require.NoError(t, err)
}
