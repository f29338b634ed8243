package db

// Prefixes used to isolate the relayer's records. CTL sorts before VAA, so the
// control records are always locked ahead of any batch entry.
const (
	controlPrefix = "RELAYER:CTL:V1:"
	entryPrefix   = "RELAYER:VAA:V1:"

	PendingKey  = controlPrefix + "pending"
	ResolvedKey = controlPrefix + "resolved"
)

// EntryKey returns the key of the batch entry for a triggering VAA content hash.
func EntryKey(hash string) string {
	return entryPrefix + hash
}
