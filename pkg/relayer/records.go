package relayer

import (
	"encoding/json"
	"fmt"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/db"
)

func loadPending(kv db.KV) ([]common.PendingRecord, bool, error) {
	b, ok := kv.Get(db.PendingKey)
	if !ok {
		return []common.PendingRecord{}, false, nil
	}
	var out []common.PendingRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, true, fmt.Errorf("failed to decode pending records: %w", err)
	}
	return out, true, nil
}

func loadResolved(kv db.KV) ([]common.ResolvedRecord, bool, error) {
	b, ok := kv.Get(db.ResolvedKey)
	if !ok {
		return []common.ResolvedRecord{}, false, nil
	}
	var out []common.ResolvedRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, true, fmt.Errorf("failed to decode resolved records: %w", err)
	}
	return out, true, nil
}

func storeJSON(kv db.KV, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return kv.Set(key, b)
}

// decodeEntry fails with common.ErrInvalidEntry when the stored entry is unreadable or breaks its invariants.
func decodeEntry(b []byte) (*common.BatchEntry, error) {
	var e common.BatchEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidEntry, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// loadEntry returns nil when no entry is staged for hash.
func loadEntry(kv db.KV, hash string) (*common.BatchEntry, error) {
	b, ok := kv.Get(db.EntryKey(hash))
	if !ok {
		return nil, nil
	}
	return decodeEntry(b)
}

func hasPending(records []common.PendingRecord, hash string) bool {
	for _, r := range records {
		if r.Hash == hash {
			return true
		}
	}
	return false
}

func withoutPending(records []common.PendingRecord, hash string) []common.PendingRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.Hash != hash {
			out = append(out, r)
		}
	}
	return out
}

func hasResolved(records []common.ResolvedRecord, hash string) bool {
	for _, r := range records {
		if r.Hash == hash {
			return true
		}
	}
	return false
}

func withoutResolved(records []common.ResolvedRecord, hash string) []common.ResolvedRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.Hash != hash {
			out = append(out, r)
		}
	}
	return out
}
