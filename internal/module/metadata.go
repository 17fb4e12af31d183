package module

import "sync"

// Metadata is the per-input view of the last received header. The framework
// writes it immediately before Process; user code reads it during Process on
// the same thread. The lock below only serves external snapshots taken by
// introspection.
type Metadata struct {
	TimestampNS uint64 `json:"timestamp_ns"`
	Sequence    uint32 `json:"sequence"`
	MessageID   uint32 `json:"message_id"`
	// IsFresh marks data refreshed for the current invocation.
	IsFresh bool `json:"is_fresh"`
	// IsValid marks the slot as holding usable data at all; it stays
	// false until the first arrival and drops on a missed sync window.
	IsValid bool `json:"is_valid"`
}

// metadataTable holds one slot per declared input.
type metadataTable struct {
	mu    sync.Mutex
	slots []Metadata
}

func newMetadataTable(n int) *metadataTable {
	return &metadataTable{slots: make([]Metadata, n)}
}

// markFresh fills slot k from a received header.
func (t *metadataTable) markFresh(k int, timestampNS uint64, seq, msgID uint32) {
	t.mu.Lock()
	t.slots[k] = Metadata{
		TimestampNS: timestampNS,
		Sequence:    seq,
		MessageID:   msgID,
		IsFresh:     true,
		IsValid:     true,
	}
	t.mu.Unlock()
}

// markMissed invalidates slot k after a failed sync lookup.
func (t *metadataTable) markMissed(k int) {
	t.mu.Lock()
	t.slots[k].IsFresh = false
	t.slots[k].IsValid = false
	t.mu.Unlock()
}

// ageAll clears freshness before a new invocation is assembled.
func (t *metadataTable) ageAll() {
	t.mu.Lock()
	for i := range t.slots {
		t.slots[i].IsFresh = false
	}
	t.mu.Unlock()
}

func (t *metadataTable) get(k int) Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k < 0 || k >= len(t.slots) {
		return Metadata{}
	}
	return t.slots[k]
}

func (t *metadataTable) snapshot() []Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Metadata, len(t.slots))
	copy(out, t.slots)
	return out
}
