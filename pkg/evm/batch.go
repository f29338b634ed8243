package evm

import (
	"errors"
	"fmt"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
)

var ErrTriggerNotInBatch = errors.New("triggering message not found in synthetic batch")

// ExtractBatch reduces a receipt to the synthetic batch identified by nonce: every LogMessagePublished
// event emitted by the core contract with a matching nonce, in log order. It returns the message refs
// (with empty bytes) and the position of the triggering message, which is the one published by
// triggerEmitter with triggerSequence, or the first one published by triggerEmitter if none matches both.
func ExtractBatch(
	rx *types.Receipt,
	coreContract eth_common.Address,
	nonce uint32,
	triggerEmitter vaa.Address,
	triggerSequence uint64,
) ([]common.MessageRef, int, error) {
	if rx == nil {
		return nil, 0, errors.New("nil receipt")
	}
	if rx.Status != types.ReceiptStatusSuccessful {
		return nil, 0, fmt.Errorf("non-success transaction status: %d", rx.Status)
	}

	refs := make([]common.MessageRef, 0, len(rx.Logs))
	deliveryIndex := -1
	emitterMatch := -1

	for _, l := range rx.Logs {
		if l == nil || len(l.Topics) == 0 {
			continue
		}

		// SECURITY: Skip logs not produced by the core contract.
		if l.Address != coreContract {
			continue
		}

		if l.Topics[0] != LogMessagePublishedTopic {
			continue
		}

		ev, err := ParseLogMessagePublished(*l)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse log: %w", err)
		}
		if ev.Nonce != nonce {
			continue
		}

		emitter := vaa.Address(eth_common.BytesToHash(ev.Sender.Bytes()))
		if emitter == triggerEmitter {
			if emitterMatch == -1 {
				emitterMatch = len(refs)
			}
			if ev.Sequence == triggerSequence && deliveryIndex == -1 {
				deliveryIndex = len(refs)
			}
		}
		refs = append(refs, common.NewMessageRef(emitter, ev.Sequence))
	}

	if deliveryIndex == -1 {
		deliveryIndex = emitterMatch
	}
	if deliveryIndex == -1 {
		return nil, 0, fmt.Errorf("%w: emitter %s, %d messages with nonce %d", ErrTriggerNotInBatch, triggerEmitter, len(refs), nonce)
	}
	return refs, deliveryIndex, nil
}
