// Package presence coalesces high-frequency local collaborator state
// (cursor, selection, viewport, cell edit) into at most one outbound update
// per flush tick. Call sites record partial updates and return immediately;
// no network traffic happens inline.
package presence

import (
	"sync"

	"collabsync/wire"
)

// Batcher accumulates partial presence updates between flush ticks. Each
// local event contributes one wire.PresenceUpdate value; Flush reduces the
// queue into a single update, later writes winning per field.
type Batcher struct {
	mu      sync.Mutex
	pending []wire.PresenceUpdate
}

// NewBatcher returns an empty batcher.
func NewBatcher() *Batcher {
	return &Batcher{}
}

// Record queues one partial update. Empty updates are ignored.
func (b *Batcher) Record(u wire.PresenceUpdate) {
	if u.IsEmpty() {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, u)
	b.mu.Unlock()
}

// Flush reduces the queued partials into one update and clears the queue.
// It reports false when nothing was recorded since the last flush. The
// caller only flushes while connected, so a missed tick keeps coalescing
// rather than dropping state.
func (b *Batcher) Flush() (wire.PresenceUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return wire.PresenceUpdate{}, false
	}
	var out wire.PresenceUpdate
	for _, u := range b.pending {
		out.Merge(u)
	}
	b.pending = b.pending[:0]
	return out, true
}

// Snapshot reduces the queue without clearing it, for the presence fields
// carried on a room join.
func (b *Batcher) Snapshot() wire.PresenceUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out wire.PresenceUpdate
	for _, u := range b.pending {
		out.Merge(u)
	}
	return out
}
