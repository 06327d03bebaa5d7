// Package relayd is the reference relay server: rooms keyed by file id,
// a per-room monotonic sequence counter (the relay is the sole sequence
// authority), an in-memory sequenced log serving backfill, and roster
// fan-out. It exists so the engine can be exercised end-to-end in tests
// and local development.
package relayd

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/wire"
)

// Room is the set of sessions editing one document, plus the document's
// sequenced transaction log.
type Room struct {
	fileID uuid.UUID
	log    *zap.Logger

	mu       sync.Mutex
	clients  map[*client]bool
	seq      uint64
	firstSeq uint64 // sequence number of history[0]
	history  []wire.Transaction
	assigned map[uuid.UUID]uint64
}

func newRoom(fileID uuid.UUID, log *zap.Logger) *Room {
	return &Room{
		fileID:   fileID,
		log:      log.With(zap.String("file_id", fileID.String())),
		clients:  make(map[*client]bool),
		firstSeq: 1,
		assigned: make(map[uuid.UUID]uint64),
	}
}

// sequence assigns the next sequence number to a transaction and records
// it in the log. Whatever sequence number the client claimed is ignored;
// the relay is authoritative. A transaction id seen before (an outbox
// replay after a lost ack) keeps its original sequence number and reports
// dup so the caller re-acks without rebroadcasting.
func (r *Room) sequence(tx wire.Transaction) (_ wire.Transaction, dup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq, ok := r.assigned[tx.ID]; ok {
		tx.SequenceNum = seq
		return tx, true
	}
	r.seq++
	tx.SequenceNum = r.seq
	r.assigned[tx.ID] = r.seq
	r.history = append(r.history, tx)
	return tx, false
}

// observe records an externally sequenced transaction (from another relay
// instance via fan-out).
func (r *Room) observe(tx wire.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.SequenceNum <= r.seq {
		return
	}
	r.seq = tx.SequenceNum
	r.assigned[tx.ID] = tx.SequenceNum
	r.history = append(r.history, tx)
}

// current returns the latest assigned sequence number.
func (r *Room) current() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// backfill returns every logged transaction with sequence >= min. It
// reports false when the range is no longer available; that is a fatal
// protocol condition for the requester.
func (r *Room) backfill(min uint64) ([]wire.Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if min == 0 || min < r.firstSeq {
		return nil, false
	}
	if min > r.seq {
		return nil, true
	}
	out := make([]wire.Transaction, 0, r.seq-min+1)
	for _, tx := range r.history {
		if tx.SequenceNum >= min {
			out = append(out, tx)
		}
	}
	return out, true
}

func (r *Room) register(c *client) {
	r.mu.Lock()
	r.clients[c] = true
	n := len(r.clients)
	r.mu.Unlock()
	r.log.Info("client joined", zap.String("session_id", c.sessionID.String()), zap.Int("clients", n))
}

func (r *Room) unregister(c *client) bool {
	r.mu.Lock()
	if !r.clients[c] {
		r.mu.Unlock()
		return false
	}
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()
	c.close()
	r.log.Info("client left", zap.String("session_id", c.sessionID.String()), zap.Int("clients", n))
	return true
}

// roster snapshots the users in the room.
func (r *Room) roster() []wire.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]wire.User, 0, len(r.clients))
	for c := range r.clients {
		users = append(users, c.user())
	}
	return users
}

// broadcast queues a frame to every client but the sender. A client whose
// queue is full gets its socket closed, matching the hub discipline: a
// stuck reader must not stall the room. The client stays registered until
// its read loop runs the normal unregister path, which also refreshes the
// survivors' roster.
func (r *Room) broadcast(except *client, mt int, data []byte) {
	r.mu.Lock()
	var stuck []*client
	for c := range r.clients {
		if c == except {
			continue
		}
		if !c.trySend(mt, data) {
			stuck = append(stuck, c)
		}
	}
	r.mu.Unlock()
	for _, c := range stuck {
		c.close()
		r.log.Warn("dropped stuck client", zap.String("session_id", c.sessionID.String()))
	}
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// touch records client liveness for heartbeat-based eviction.
func (r *Room) touch(c *client) {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// stale returns the clients whose last heartbeat predates the cutoff.
func (r *Room) stale(cutoff int64) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*client
	for c := range r.clients {
		if c.lastHeartbeat.Load() < cutoff {
			out = append(out, c)
		}
	}
	return out
}
