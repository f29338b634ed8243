package delivery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
)

var ErrMalformedPayload = errors.New("malformed core relayer payload")

type ExecutionParameters struct {
	Version                 uint8
	GasLimit                uint32
	ProviderDeliveryAddress vaa.Address
}

type DeliveryInstruction struct {
	TargetChain             vaa.ChainID
	TargetAddress           vaa.Address
	RefundAddress           vaa.Address
	MaximumRefundTarget     *uint256.Int
	ApplicationBudgetTarget *uint256.Int
	ExecutionParameters     ExecutionParameters
}

// DeliveryInstructionsContainer is the payload of a Delivery VAA emitted by the core relayer.
//
//	payloadId       uint8 (1)
//	numInstructions uint8
//	instructions    numInstructions * DeliveryInstruction
//
// Each instruction is targetChain uint16, targetAddress [32]byte, refundAddress [32]byte,
// maximumRefundTarget uint256, applicationBudgetTarget uint256 and the execution parameters
// (version uint8, gasLimit uint32, providerDeliveryAddress [32]byte). Integers are big endian.
type DeliveryInstructionsContainer struct {
	PayloadID    common.PayloadKind
	Instructions []DeliveryInstruction
}

// RedeliveryByTxHashInstruction is the payload of a Redelivery VAA.
type RedeliveryByTxHashInstruction struct {
	PayloadID                  common.PayloadKind
	SourceChain                vaa.ChainID
	SourceTxHash               [32]byte
	SourceNonce                uint32
	TargetChain                vaa.ChainID
	DeliveryIndex              uint8
	MultisendIndex             uint8
	NewMaximumRefundTarget     *uint256.Int
	NewApplicationBudgetTarget *uint256.Int
	ExecutionParameters        ExecutionParameters
}

func ParseDeliveryInstructionsContainer(payload []byte) (*DeliveryInstructionsContainer, error) {
	r := bytes.NewReader(payload)
	c := &DeliveryInstructionsContainer{}

	id, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: payload id: %v", ErrMalformedPayload, err)
	}
	c.PayloadID = common.PayloadKind(id)
	if c.PayloadID != common.PayloadDelivery {
		return nil, fmt.Errorf("%w: expected delivery payload, got %s", ErrMalformedPayload, c.PayloadID)
	}

	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: instruction count: %v", ErrMalformedPayload, err)
	}

	c.Instructions = make([]DeliveryInstruction, n)
	for i := range c.Instructions {
		if err := readDeliveryInstruction(r, &c.Instructions[i]); err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %v", ErrMalformedPayload, i, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, r.Len())
	}
	return c, nil
}

func ParseRedeliveryByTxHashInstruction(payload []byte) (*RedeliveryByTxHashInstruction, error) {
	r := bytes.NewReader(payload)
	ix := &RedeliveryByTxHashInstruction{}

	id, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: payload id: %v", ErrMalformedPayload, err)
	}
	ix.PayloadID = common.PayloadKind(id)
	if ix.PayloadID != common.PayloadRedelivery {
		return nil, fmt.Errorf("%w: expected redelivery payload, got %s", ErrMalformedPayload, ix.PayloadID)
	}

	var sourceChain, targetChain uint16
	fields := []interface{}{&sourceChain, &ix.SourceTxHash, &ix.SourceNonce, &targetChain, &ix.DeliveryIndex, &ix.MultisendIndex}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	ix.SourceChain = vaa.ChainID(sourceChain)
	ix.TargetChain = vaa.ChainID(targetChain)

	if ix.NewMaximumRefundTarget, err = readUint256(r); err != nil {
		return nil, fmt.Errorf("%w: new maximum refund: %v", ErrMalformedPayload, err)
	}
	if ix.NewApplicationBudgetTarget, err = readUint256(r); err != nil {
		return nil, fmt.Errorf("%w: new application budget: %v", ErrMalformedPayload, err)
	}
	if err := readExecutionParameters(r, &ix.ExecutionParameters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, r.Len())
	}
	return ix, nil
}

func readDeliveryInstruction(r *bytes.Reader, ix *DeliveryInstruction) error {
	var targetChain uint16
	if err := binary.Read(r, binary.BigEndian, &targetChain); err != nil {
		return fmt.Errorf("target chain: %w", err)
	}
	ix.TargetChain = vaa.ChainID(targetChain)

	if _, err := io.ReadFull(r, ix.TargetAddress[:]); err != nil {
		return fmt.Errorf("target address: %w", err)
	}
	if _, err := io.ReadFull(r, ix.RefundAddress[:]); err != nil {
		return fmt.Errorf("refund address: %w", err)
	}

	var err error
	if ix.MaximumRefundTarget, err = readUint256(r); err != nil {
		return fmt.Errorf("maximum refund: %w", err)
	}
	if ix.ApplicationBudgetTarget, err = readUint256(r); err != nil {
		return fmt.Errorf("application budget: %w", err)
	}
	return readExecutionParameters(r, &ix.ExecutionParameters)
}

func readExecutionParameters(r *bytes.Reader, p *ExecutionParameters) error {
	if err := binary.Read(r, binary.BigEndian, &p.Version); err != nil {
		return fmt.Errorf("execution parameters version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.GasLimit); err != nil {
		return fmt.Errorf("gas limit: %w", err)
	}
	if _, err := io.ReadFull(r, p.ProviderDeliveryAddress[:]); err != nil {
		return fmt.Errorf("provider delivery address: %w", err)
	}
	return nil
}

func readUint256(r *bytes.Reader) (*uint256.Int, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(b[:]), nil
}

// Serialize encodes the container in its wire format.
func (c *DeliveryInstructionsContainer) Serialize() ([]byte, error) {
	if len(c.Instructions) > 255 {
		return nil, fmt.Errorf("too many instructions: %d", len(c.Instructions))
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(common.PayloadDelivery))
	buf.WriteByte(byte(len(c.Instructions)))
	for _, ix := range c.Instructions {
		vaa.MustWrite(buf, binary.BigEndian, uint16(ix.TargetChain))
		buf.Write(ix.TargetAddress[:])
		buf.Write(ix.RefundAddress[:])
		writeUint256(buf, ix.MaximumRefundTarget)
		writeUint256(buf, ix.ApplicationBudgetTarget)
		writeExecutionParameters(buf, ix.ExecutionParameters)
	}
	return buf.Bytes(), nil
}

// Serialize encodes the instruction in its wire format.
func (ix *RedeliveryByTxHashInstruction) Serialize() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(common.PayloadRedelivery))
	vaa.MustWrite(buf, binary.BigEndian, uint16(ix.SourceChain))
	buf.Write(ix.SourceTxHash[:])
	vaa.MustWrite(buf, binary.BigEndian, ix.SourceNonce)
	vaa.MustWrite(buf, binary.BigEndian, uint16(ix.TargetChain))
	buf.WriteByte(ix.DeliveryIndex)
	buf.WriteByte(ix.MultisendIndex)
	writeUint256(buf, ix.NewMaximumRefundTarget)
	writeUint256(buf, ix.NewApplicationBudgetTarget)
	writeExecutionParameters(buf, ix.ExecutionParameters)
	return buf.Bytes()
}

func writeUint256(buf *bytes.Buffer, v *uint256.Int) {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	buf.Write(b[:])
}

func writeExecutionParameters(buf *bytes.Buffer, p ExecutionParameters) {
	buf.WriteByte(p.Version)
	vaa.MustWrite(buf, binary.BigEndian, p.GasLimit)
	buf.Write(p.ProviderDeliveryAddress[:])
}
