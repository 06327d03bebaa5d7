// Package relay is the only path by which locally authored transactions
// leave the process and remotely authored ones arrive. Outbound sends are
// fire-and-forget: acknowledgment and ordering live in the sequence
// monitor, never in the caller.
package relay

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/wire"
)

// Sender is the session surface the relay writes through.
type Sender interface {
	SendBinary(data []byte) error
	Connected() bool
}

// Routes receive the decoded units of inbound frames. Transactions, acks,
// and sequence advertisements head to the consistency monitor; roster and
// presence head straight to the UI stream.
type Routes struct {
	Transactions    func(txs []wire.Transaction)
	CurrentSequence func(seq uint64)
	Roster          func(users []wire.User)
	Presence        func(sessionID uuid.UUID, u wire.PresenceUpdate)
	ProtocolError   func(e wire.ErrorMessage)
}

// Relay sends local transactions and classifies inbound frames.
type Relay struct {
	log    *zap.Logger
	sender Sender
	outbox *Outbox
	routes Routes
}

// New wires a relay over the given sender and outbox.
func New(sender Sender, outbox *Outbox, routes Routes, log *zap.Logger) *Relay {
	return &Relay{
		log:    log.Named("relay"),
		sender: sender,
		outbox: outbox,
		routes: routes,
	}
}

// Send encodes and transmits one locally authored transaction. While
// disconnected it only queues; the queue is replayed verbatim by Flush on
// the next successful socket open. Every transaction stays queued until
// its ack arrives, so a socket replaced mid-flight loses nothing.
func (r *Relay) Send(tx wire.Transaction) error {
	data := wire.EncodeTransaction(tx)
	if err := r.outbox.Append(tx.ID, data); err != nil {
		// The in-memory queue still holds the entry; only durability
		// degraded.
		r.log.Warn("outbox persist failed", zap.Error(err))
	}
	if !r.sender.Connected() {
		r.log.Debug("queued transaction while disconnected",
			zap.String("id", tx.ID.String()))
		return nil
	}
	if err := r.sender.SendBinary(data); err != nil {
		// Socket raced shut; the entry replays on reconnect.
		r.log.Debug("send deferred to reconnect", zap.Error(err))
	}
	return nil
}

// Flush replays every unacknowledged transaction in original submission
// order. Called once per successful socket open.
func (r *Relay) Flush() {
	pending := r.outbox.Pending()
	if len(pending) == 0 {
		return
	}
	r.log.Info("replaying outstanding transactions", zap.Int("count", len(pending)))
	for _, data := range pending {
		if err := r.sender.SendBinary(data); err != nil {
			return
		}
	}
}

// Outstanding reports the number of unacknowledged transactions.
func (r *Relay) Outstanding() int { return r.outbox.Len() }

// HandleFrame classifies one inbound frame and routes its decoded units.
func (r *Relay) HandleFrame(data []byte) {
	frame, err := wire.Classify(data)
	if err != nil {
		r.log.Warn("unclassifiable frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	if frame.Transactions != nil {
		r.route(frame.Transactions)
		return
	}
	switch m := frame.Control.(type) {
	case wire.TransactionMsg:
		if m.IsAck() {
			if err := r.outbox.Ack(m.ID); err != nil {
				r.log.Warn("outbox trim failed", zap.Error(err))
			}
		}
		if m.SequenceNum == 0 {
			return
		}
		// Acks carry the assigned sequence number and flow through the
		// same receive path as remote transactions, so local and remote
		// edits obey one ordering rule.
		r.route([]wire.Transaction{{
			ID:          m.ID,
			SequenceNum: m.SequenceNum,
			Operations:  []byte(m.Operations),
		}})
	case wire.TransactionsMsg:
		txs := make([]wire.Transaction, 0, len(m.Transactions))
		for _, t := range m.Transactions {
			txs = append(txs, wire.Transaction{
				ID:          t.ID,
				SequenceNum: t.SequenceNum,
				Operations:  []byte(t.Operations),
			})
		}
		r.route(txs)
	case wire.CurrentTransaction:
		if r.routes.CurrentSequence != nil {
			r.routes.CurrentSequence(m.SequenceNum)
		}
	case wire.UsersInRoom:
		if r.routes.Roster != nil {
			r.routes.Roster(m.Users)
		}
	case wire.UserUpdate:
		if r.routes.Presence != nil {
			r.routes.Presence(m.SessionID, m.Update)
		}
	case wire.ErrorMessage:
		if r.routes.ProtocolError != nil {
			r.routes.ProtocolError(m)
		}
	case wire.Heartbeat:
		// Heartbeats carry no sequence semantics.
	default:
		r.log.Debug("ignoring control message",
			zap.String("type", string(frame.Control.ControlType())))
	}
}

func (r *Relay) route(txs []wire.Transaction) {
	if r.routes.Transactions != nil {
		r.routes.Transactions(txs)
	}
}
