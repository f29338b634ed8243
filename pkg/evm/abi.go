package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// SECURITY: Hardcoded ABI identifier for the LogMessagePublished topic. Logs from a receipt are not
	// pre-filtered, so the topic has to be checked before decoding.
	LogMessagePublishedTopic = eth_common.HexToHash("0x6eb224fb001ed210e379b335e35efe88672a8ce935d981a6896b27ffdf52a3b2")
)

const coreABIJSON = `[{"anonymous":false,"type":"event","name":"LogMessagePublished","inputs":[
{"indexed":true,"name":"sender","type":"address"},
{"indexed":false,"name":"sequence","type":"uint64"},
{"indexed":false,"name":"nonce","type":"uint32"},
{"indexed":false,"name":"payload","type":"bytes"},
{"indexed":false,"name":"consistencyLevel","type":"uint8"}]}]`

const relayProviderABIJSON = `[
{"type":"function","name":"deliverSingle","stateMutability":"payable","inputs":[
 {"name":"targetParams","type":"tuple","components":[
  {"name":"encodedVMs","type":"bytes[]"},
  {"name":"deliveryIndex","type":"uint8"},
  {"name":"multisendIndex","type":"uint8"},
  {"name":"relayerRefundAddress","type":"address"}]}],"outputs":[]},
{"type":"function","name":"approvedSender","stateMutability":"view","inputs":[
 {"name":"sender","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`

var (
	coreABI          = mustParseABI(coreABIJSON)
	relayProviderABI = mustParseABI(relayProviderABIJSON)
)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// MessagePublished is a decoded LogMessagePublished event.
type MessagePublished struct {
	Sender           eth_common.Address
	Sequence         uint64
	Nonce            uint32
	Payload          []byte
	ConsistencyLevel uint8
	Raw              types.Log
}

// ParseLogMessagePublished decodes a core contract log. The caller is responsible for checking
// the emitting contract.
func ParseLogMessagePublished(l types.Log) (*MessagePublished, error) {
	if len(l.Topics) != 2 {
		return nil, fmt.Errorf("unexpected number of topics: %d", len(l.Topics))
	}
	if l.Topics[0] != LogMessagePublishedTopic {
		return nil, fmt.Errorf("unexpected topic %s", l.Topics[0].Hex())
	}

	ev := &MessagePublished{
		Sender: eth_common.BytesToAddress(l.Topics[1].Bytes()),
		Raw:    l,
	}
	if err := coreABI.UnpackIntoInterface(ev, "LogMessagePublished", l.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack LogMessagePublished: %w", err)
	}
	return ev, nil
}

// PackLogMessagePublishedData encodes the non-indexed fields of a LogMessagePublished event.
func PackLogMessagePublishedData(sequence uint64, nonce uint32, payload []byte, consistencyLevel uint8) ([]byte, error) {
	return coreABI.Events["LogMessagePublished"].Inputs.NonIndexed().Pack(sequence, nonce, payload, consistencyLevel)
}
