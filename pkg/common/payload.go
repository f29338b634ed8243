package common

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// PayloadKind is the first byte of a core relayer VAA payload.
type PayloadKind uint8

const (
	PayloadDelivery   PayloadKind = 1
	PayloadRedelivery PayloadKind = 2
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadDelivery:
		return "delivery"
	case PayloadRedelivery:
		return "redelivery"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// WorkflowPayload is everything the delivery executor needs for one batch.
type WorkflowPayload struct {
	Kind            PayloadKind `json:"payloadKind"`
	TriggerIndex    int         `json:"triggerIndex"`
	Messages        []string    `json:"messages"`
	RedeliveryBytes string      `json:"redeliveryBytes,omitempty"`
}

// DecodedMessages returns the raw VAA bytes of every message.
func (w *WorkflowPayload) DecodedMessages() ([][]byte, error) {
	out := make([][]byte, len(w.Messages))
	for i, m := range w.Messages {
		b, err := base64.StdEncoding.DecodeString(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("message %d is empty", i)
		}
		out[i] = b
	}
	return out, nil
}

// NewDeliveryWorkflow builds the payload for a completed delivery batch.
func NewDeliveryWorkflow(entry *BatchEntry) *WorkflowPayload {
	return &WorkflowPayload{
		Kind:         PayloadDelivery,
		TriggerIndex: entry.DeliveryIndex,
		Messages:     entry.Encoded(),
	}
}

var (
	ErrUnknownPayloadKind       = errors.New("unknown relayer payload kind")
	ErrUnimplementedPayloadKind = errors.New("relayer payload kind not implemented")
)

// ClassifyPayload returns the kind encoded in the first byte of a core relayer payload.
func ClassifyPayload(payload []byte) (PayloadKind, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrUnknownPayloadKind)
	}
	k := PayloadKind(payload[0])
	switch k {
	case PayloadDelivery, PayloadRedelivery:
		return k, nil
	default:
		return k, fmt.Errorf("%w: %d", ErrUnknownPayloadKind, payload[0])
	}
}
