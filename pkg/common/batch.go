package common

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
)

// MessageRef identifies one message of a synthetic batch. Bytes holds the base64 encoded
// signed VAA and stays empty until the VAA has been fetched.
type MessageRef struct {
	Emitter  string `json:"emitter"`
	Sequence string `json:"sequence"`
	Bytes    string `json:"bytes"`
}

func NewMessageRef(emitter vaa.Address, sequence uint64) MessageRef {
	return MessageRef{Emitter: emitter.String(), Sequence: strconv.FormatUint(sequence, 10)}
}

func (r MessageRef) Fetched() bool {
	return r.Bytes != ""
}

func (r MessageRef) EmitterAddress() (vaa.Address, error) {
	return vaa.StringToAddress(r.Emitter)
}

func (r MessageRef) SequenceNumber() (uint64, error) {
	return strconv.ParseUint(r.Sequence, 10, 64)
}

func (r MessageRef) String() string {
	return r.Emitter + "/" + r.Sequence
}

// BatchEntry is the staged state of one synthetic batch, keyed by the content hash of its
// triggering VAA.
type BatchEntry struct {
	ChainID         vaa.ChainID  `json:"chainId"`
	DeliveryIndex   int          `json:"deliveryIndex"`
	Messages        []MessageRef `json:"messages"`
	AllFetched      bool         `json:"allFetched"`
	RedeliveryBytes string       `json:"redeliveryBytes,omitempty"`
}

var ErrInvalidEntry = errors.New("invalid batch entry")

// Validate checks the structural invariants of an entry.
func (e *BatchEntry) Validate() error {
	if len(e.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidEntry)
	}
	if e.DeliveryIndex < 0 || e.DeliveryIndex >= len(e.Messages) {
		return fmt.Errorf("%w: delivery index %d out of range [0, %d)", ErrInvalidEntry, e.DeliveryIndex, len(e.Messages))
	}
	if e.AllFetched != e.computeAllFetched() {
		return fmt.Errorf("%w: allFetched flag does not match messages", ErrInvalidEntry)
	}
	return nil
}

func (e *BatchEntry) computeAllFetched() bool {
	for _, m := range e.Messages {
		if !m.Fetched() {
			return false
		}
	}
	return true
}

// Refresh recomputes AllFetched from the messages.
func (e *BatchEntry) Refresh() {
	e.AllFetched = e.computeAllFetched()
}

// Missing returns the indexes of messages that have not been fetched yet.
func (e *BatchEntry) Missing() []int {
	var idx []int
	for i, m := range e.Messages {
		if !m.Fetched() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Clone returns a copy that does not share the messages slice.
func (e BatchEntry) Clone() BatchEntry {
	e.Messages = append([]MessageRef(nil), e.Messages...)
	return e
}

// Merge fills unfetched messages of e with bytes already present in other. Entries
// describing different batches are left untouched.
func (e *BatchEntry) Merge(other *BatchEntry) {
	if other == nil || len(other.Messages) != len(e.Messages) {
		return
	}
	for i := range e.Messages {
		if e.Messages[i].Fetched() || !other.Messages[i].Fetched() {
			continue
		}
		if e.Messages[i].Emitter == other.Messages[i].Emitter && e.Messages[i].Sequence == other.Messages[i].Sequence {
			e.Messages[i].Bytes = other.Messages[i].Bytes
		}
	}
	if e.RedeliveryBytes == "" {
		e.RedeliveryBytes = other.RedeliveryBytes
	}
	e.Refresh()
}

// Encoded returns the base64 bytes of every message in batch order.
func (e *BatchEntry) Encoded() []string {
	out := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		out[i] = m.Bytes
	}
	return out
}

// PendingRecord tracks a batch that is still waiting for some of its messages.
type PendingRecord struct {
	Hash            string    `json:"hash"`
	StartTime       time.Time `json:"startTime"`
	NextRetryTime   time.Time `json:"nextRetryTime"`
	NumTimesRetried uint32    `json:"numTimesRetried"`
}

// Due reports whether the record should be retried at now.
func (p PendingRecord) Due(now time.Time) bool {
	return !p.NextRetryTime.After(now)
}

// ResolvedRecord marks a batch whose messages have all been fetched.
type ResolvedRecord struct {
	Hash string `json:"hash"`
}

// ContentHash returns the base64 keccak256 digest of the VAA body, which identifies the
// triggering message independent of its signature set.
func ContentHash(raw []byte) (string, error) {
	if len(raw) < 6 {
		return "", fmt.Errorf("vaa too short: %d bytes", len(raw))
	}
	numSigs := int(raw[5])
	bodyStart := 6 + numSigs*66
	if len(raw) <= bodyStart {
		return "", fmt.Errorf("vaa too short for %d signatures: %d bytes", numSigs, len(raw))
	}
	return base64.StdEncoding.EncodeToString(crypto.Keccak256(raw[bodyStart:])), nil
}
