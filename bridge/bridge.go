// Package bridge is the typed message pump between the synchronization
// engine's execution context and the document engine's. The two sides share
// no mutable state; everything crosses as a message so a network stall
// never blocks document computation and a slow computation never blocks the
// socket.
package bridge

import (
	"sync"

	"github.com/pkg/errors"

	"collabsync/wire"
)

// ErrClosed is returned when a message is offered after Close.
var ErrClosed = errors.New("bridge: closed")

// Delivery is one FIFO unit headed to the document engine: either a
// transaction to apply (Tx set, Seq its sequence number) or a bare sequence
// advance (Tx nil). Applies and advances share one channel so their
// relative order survives.
type Delivery struct {
	Tx  *wire.Transaction
	Seq uint64
}

// Bridge carries submissions from the document engine to the sync engine
// and deliveries back. Channels are buffered generously; transaction volume
// is bounded by user input rate, so no backpressure policy is needed.
type Bridge struct {
	submits    chan wire.Transaction
	deliveries chan Delivery

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a bridge whose channels buffer up to size messages each.
func New(size int) *Bridge {
	if size <= 0 {
		size = 256
	}
	return &Bridge{
		submits:    make(chan wire.Transaction, size),
		deliveries: make(chan Delivery, size),
		done:       make(chan struct{}),
	}
}

// SubmitTransaction hands a locally authored transaction to the sync
// engine. Called from the document engine's context.
func (b *Bridge) SubmitTransaction(tx wire.Transaction) error {
	return offerInto(b, b.submits, tx)
}

// Submits is the sync engine's receive side.
func (b *Bridge) Submits() <-chan wire.Transaction { return b.submits }

// ApplyTransaction delivers a sequenced remote transaction to the document
// engine. Called from the sync engine's context, in cursor order.
func (b *Bridge) ApplyTransaction(tx wire.Transaction) error {
	return offerInto(b, b.deliveries, Delivery{Tx: &tx, Seq: tx.SequenceNum})
}

// AdvanceSequence tells the document engine the cursor moved without a
// local apply (room entry, ack of its own transaction).
func (b *Bridge) AdvanceSequence(seq uint64) error {
	return offerInto(b, b.deliveries, Delivery{Seq: seq})
}

func offerInto[T any](b *Bridge, ch chan T, msg T) error {
	// Checked up front so a closed bridge rejects deterministically even
	// when the channel has room.
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case <-b.done:
		return ErrClosed
	case ch <- msg:
		return nil
	}
}

// Deliveries is the document engine's receive side.
func (b *Bridge) Deliveries() <-chan Delivery { return b.deliveries }

// Done is closed when the bridge shuts down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Close tears the pump down. Idempotent; the channels are never closed so
// concurrent senders cannot panic, they observe Done instead.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
