package delivery

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/evm"
)

type submission struct {
	params   evm.TargetDeliveryParams
	value    *big.Int
	gasLimit uint64
}

type mockProvider struct {
	mu          sync.Mutex
	address     eth_common.Address
	signer      eth_common.Address
	approved    bool
	submissions []submission
	waited      int
	status      uint64
	// failSubmits rejects that many DeliverSingle calls before accepting.
	failSubmits int
}

func (m *mockProvider) Address() eth_common.Address { return m.address }
func (m *mockProvider) Signer() eth_common.Address  { return m.signer }

func (m *mockProvider) ApprovedSender(ctx context.Context, sender eth_common.Address) (bool, error) {
	return m.approved && sender == m.signer, nil
}

func (m *mockProvider) DeliverSingle(ctx context.Context, params evm.TargetDeliveryParams, value *big.Int, gasLimit uint64) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSubmits > 0 {
		m.failSubmits--
		return nil, errors.New("nonce too low")
	}
	m.submissions = append(m.submissions, submission{params: params, value: value, gasLimit: gasLimit})
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(m.submissions)), Value: value, Gas: gasLimit}), nil
}

func (m *mockProvider) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waited++
	return &types.Receipt{Status: m.status, TxHash: tx.Hash(), BlockNumber: big.NewInt(10)}, nil
}

func (m *mockProvider) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions), m.waited
}

func instruction(target vaa.ChainID, budget, refund uint64) DeliveryInstruction {
	return DeliveryInstruction{
		TargetChain:             target,
		TargetAddress:           vaa.Address{0x11},
		RefundAddress:           vaa.Address{0x22},
		MaximumRefundTarget:     uint256.NewInt(refund),
		ApplicationBudgetTarget: uint256.NewInt(budget),
		ExecutionParameters:     ExecutionParameters{Version: 1, GasLimit: 500000, ProviderDeliveryAddress: vaa.Address{0x33}},
	}
}

func deliveryWorkflow(t *testing.T, ixs ...DeliveryInstruction) *common.WorkflowPayload {
	t.Helper()
	payload, err := (&DeliveryInstructionsContainer{Instructions: ixs}).Serialize()
	require.NoError(t, err)

	trigger := &vaa.VAA{
		Version:          vaa.SupportedVAAVersion,
		Timestamp:        time.Unix(1700000000, 0),
		Nonce:            77,
		Sequence:         3,
		EmitterChain:     vaa.ChainIDEthereum,
		EmitterAddress:   vaa.Address{0xee},
		Payload:          payload,
		ConsistencyLevel: 1,
	}
	raw, err := trigger.Marshal()
	require.NoError(t, err)

	entry := common.BatchEntry{
		ChainID:       vaa.ChainIDEthereum,
		DeliveryIndex: 1,
		Messages: []common.MessageRef{
			{Emitter: "aa", Sequence: "1", Bytes: "b3RoZXI="},
			{Emitter: "ee", Sequence: "3", Bytes: encode(raw)},
		},
	}
	entry.Refresh()
	return common.NewDeliveryWorkflow(&entry)
}

func TestExecuteSubmitsBudget(t *testing.T) {
	provider := &mockProvider{
		address:  eth_common.HexToAddress("0x5555"),
		signer:   eth_common.HexToAddress("0x6666"),
		approved: true,
		status:   types.ReceiptStatusSuccessful,
	}
	cfg := DefaultConfig()
	cfg.WaitForConfirmation = true
	e := NewExecutor(zap.NewNop(), map[vaa.ChainID]Provider{vaa.ChainIDPolygon: provider}, cfg)

	err := e.Execute(context.Background(), deliveryWorkflow(t, instruction(vaa.ChainIDPolygon, 1000, 200)))
	require.NoError(t, err)

	require.Len(t, provider.submissions, 1)
	sub := provider.submissions[0]
	assert.Equal(t, "1300", sub.value.String())
	assert.Equal(t, uint64(3_000_000), sub.gasLimit)
	assert.Equal(t, uint8(1), sub.params.DeliveryIndex)
	assert.Equal(t, uint8(0), sub.params.MultisendIndex)
	assert.Equal(t, provider.address, sub.params.RelayerRefundAddress)
	assert.Len(t, sub.params.EncodedVMs, 2)
	assert.Equal(t, 1, provider.waited)
}

func TestExecuteSkipsUnauthorized(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	provider := &mockProvider{signer: eth_common.HexToAddress("0x6666"), approved: false}
	e := NewExecutor(zap.New(core), map[vaa.ChainID]Provider{vaa.ChainIDPolygon: provider}, DefaultConfig())

	err := e.Execute(context.Background(), deliveryWorkflow(t, instruction(vaa.ChainIDPolygon, 1000, 200)))
	require.NoError(t, err)
	submitted, _ := provider.counts()
	assert.Zero(t, submitted)
	assert.Equal(t, 1, logs.FilterMessage("approved sender not set correctly").Len())
}

func TestExecuteRoutesInstructionsByTargetChain(t *testing.T) {
	polygon := &mockProvider{approved: true, status: types.ReceiptStatusSuccessful}
	bsc := &mockProvider{approved: true, status: types.ReceiptStatusSuccessful}
	e := NewExecutor(zap.NewNop(), map[vaa.ChainID]Provider{vaa.ChainIDPolygon: polygon, vaa.ChainIDBSC: bsc}, DefaultConfig())

	err := e.Execute(context.Background(), deliveryWorkflow(t,
		instruction(vaa.ChainIDPolygon, 1, 2),
		instruction(vaa.ChainIDSolana, 1, 2),
		instruction(vaa.ChainIDBSC, 10, 20),
	))
	require.NoError(t, err)
	e.Close()

	submitted, waited := polygon.counts()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, waited)
	assert.Equal(t, "103", polygon.submissions[0].value.String())

	submitted, _ = bsc.counts()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, uint8(2), bsc.submissions[0].params.MultisendIndex)
	assert.Equal(t, "130", bsc.submissions[0].value.String())
}

func TestExecuteReplayOnlyResubmitsFailedInstructions(t *testing.T) {
	polygon := &mockProvider{approved: true, status: types.ReceiptStatusSuccessful}
	bsc := &mockProvider{approved: true, status: types.ReceiptStatusSuccessful, failSubmits: 1}
	cfg := DefaultConfig()
	cfg.WaitForConfirmation = true
	e := NewExecutor(zap.NewNop(), map[vaa.ChainID]Provider{vaa.ChainIDPolygon: polygon, vaa.ChainIDBSC: bsc}, cfg)

	wf := deliveryWorkflow(t,
		instruction(vaa.ChainIDPolygon, 1, 2),
		instruction(vaa.ChainIDBSC, 10, 20),
	)
	err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction 1")

	require.NoError(t, e.Execute(context.Background(), wf))

	submitted, _ := polygon.counts()
	assert.Equal(t, 1, submitted, "a submitted instruction is not sent again")
	submitted, _ = bsc.counts()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, uint8(1), bsc.submissions[0].params.MultisendIndex)

	require.NoError(t, e.Execute(context.Background(), wf))
	submitted, _ = bsc.counts()
	assert.Equal(t, 1, submitted)
}

func TestExecuteReportsRevertWhenWaiting(t *testing.T) {
	provider := &mockProvider{approved: true, status: types.ReceiptStatusFailed}
	cfg := DefaultConfig()
	cfg.WaitForConfirmation = true
	e := NewExecutor(zap.NewNop(), map[vaa.ChainID]Provider{vaa.ChainIDPolygon: provider}, cfg)

	err := e.Execute(context.Background(), deliveryWorkflow(t, instruction(vaa.ChainIDPolygon, 1, 1)))
	require.Error(t, err)
}

func TestExecuteRedeliveryUnimplemented(t *testing.T) {
	e := NewExecutor(zap.NewNop(), nil, DefaultConfig())
	err := e.Execute(context.Background(), &common.WorkflowPayload{Kind: common.PayloadRedelivery})
	assert.ErrorIs(t, err, common.ErrUnimplementedPayloadKind)

	err = e.Execute(context.Background(), &common.WorkflowPayload{Kind: 9})
	assert.ErrorIs(t, err, common.ErrUnknownPayloadKind)
}

func TestBudgetOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	ix := DeliveryInstruction{MaximumRefundTarget: max, ApplicationBudgetTarget: uint256.NewInt(0)}
	_, err := Budget(&ix, 100)
	assert.True(t, errors.Is(err, ErrBudgetOverflow))

	ix = instruction(vaa.ChainIDPolygon, 1000, 200)
	b, err := Budget(&ix, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1300), b.Uint64())
}
