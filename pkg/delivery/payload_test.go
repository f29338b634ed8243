package delivery

import (
	"encoding/base64"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
)

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestParseDeliveryInstructionsContainer(t *testing.T) {
	in := &DeliveryInstructionsContainer{Instructions: []DeliveryInstruction{
		instruction(vaa.ChainIDPolygon, 1000, 200),
		instruction(vaa.ChainIDBSC, 1, 2),
	}}
	b, err := in.Serialize()
	require.NoError(t, err)
	// header + 2 * (2 + 32 + 32 + 32 + 32 + 1 + 4 + 32)
	assert.Len(t, b, 2+2*167)

	out, err := ParseDeliveryInstructionsContainer(b)
	require.NoError(t, err)
	assert.Equal(t, common.PayloadDelivery, out.PayloadID)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, vaa.ChainIDPolygon, out.Instructions[0].TargetChain)
	assert.Equal(t, uint256.NewInt(1000), out.Instructions[0].ApplicationBudgetTarget)
	assert.Equal(t, uint256.NewInt(200), out.Instructions[0].MaximumRefundTarget)
	assert.Equal(t, uint32(500000), out.Instructions[1].ExecutionParameters.GasLimit)
	assert.Equal(t, vaa.Address{0x33}, out.Instructions[1].ExecutionParameters.ProviderDeliveryAddress)

	_, err = ParseDeliveryInstructionsContainer(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = ParseDeliveryInstructionsContainer(append(b, 0))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	b[0] = byte(common.PayloadRedelivery)
	_, err = ParseDeliveryInstructionsContainer(b)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseRedeliveryByTxHashInstruction(t *testing.T) {
	in := &RedeliveryByTxHashInstruction{
		SourceChain:                vaa.ChainIDEthereum,
		SourceTxHash:               [32]byte{0xab},
		SourceNonce:                77,
		TargetChain:                vaa.ChainIDPolygon,
		DeliveryIndex:              1,
		MultisendIndex:             2,
		NewMaximumRefundTarget:     uint256.NewInt(5),
		NewApplicationBudgetTarget: uint256.NewInt(6),
		ExecutionParameters:        ExecutionParameters{Version: 1, GasLimit: 7},
	}
	out, err := ParseRedeliveryByTxHashInstruction(in.Serialize())
	require.NoError(t, err)
	in.PayloadID = common.PayloadRedelivery
	assert.Equal(t, in, out)

	_, err = ParseRedeliveryByTxHashInstruction([]byte{2, 0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
