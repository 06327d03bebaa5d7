// Package sequence guarantees the document engine observes transactions in
// exactly server-assigned order: no gaps, no duplicates, regardless of
// arrival order on the wire.
package sequence

import (
	"go.uber.org/zap"

	"collabsync/wire"
)

// Callbacks are the monitor's outputs. Apply and Advance feed the document
// engine (in order, on the caller's goroutine); RequestBackfill asks the
// relay for a missing range; CaughtUp fires when an outstanding backfill
// gap has closed; Fatal fires once when ordering can no longer be repaired
// locally.
type Callbacks struct {
	Apply           func(tx wire.Transaction)
	Advance         func(seq uint64)
	RequestBackfill func(from uint64)
	CaughtUp        func()
	Fatal           func(reason string)
}

// Monitor tracks the highest durably applied sequence number and buffers
// out-of-order arrivals until the gap before them closes.
type Monitor struct {
	log *zap.Logger
	cb  Callbacks

	// cursor and all state below are guarded by the engine's dispatch
	// goroutine; the monitor itself is not called concurrently.
	cursor       uint64
	seeded       bool
	buffer       map[uint64]wire.Transaction
	backfillFrom uint64 // 0 when no backfill is outstanding
	failed       bool
}

// NewMonitor returns a monitor with cursor unset; transactions arriving
// before SetCurrent are buffered.
func NewMonitor(log *zap.Logger, cb Callbacks) *Monitor {
	return &Monitor{
		log:    log.Named("sequence"),
		cb:     cb,
		buffer: make(map[uint64]wire.Transaction),
	}
}

// Cursor returns the highest applied sequence number.
func (m *Monitor) Cursor() uint64 { return m.cursor }

// SetCurrent handles the server's current-sequence announcement on room
// entry. The first announcement seats the cursor; on a reconnect the
// cursor never jumps forward — an announcement ahead of it means
// transactions were assigned while this client was away, and they are
// backfilled and applied one by one like any other gap.
func (m *Monitor) SetCurrent(seq uint64) {
	if m.failed {
		return
	}
	if !m.seeded {
		m.cursor = seq
		m.seeded = true
		m.cb.Advance(m.cursor)
		m.drain()
		return
	}
	switch {
	case seq < m.cursor:
		// A reconnect announcement can lag transactions already applied.
		m.log.Debug("stale current-sequence announcement",
			zap.Uint64("announced", seq), zap.Uint64("cursor", m.cursor))
	case seq > m.cursor:
		if m.backfillFrom == 0 {
			m.backfillFrom = m.cursor + 1
			m.log.Info("transactions assigned while away",
				zap.Uint64("cursor", m.cursor), zap.Uint64("announced", seq))
			m.cb.RequestBackfill(m.backfillFrom)
		}
	}
}

// Receive handles one inbound transaction in any arrival order.
func (m *Monitor) Receive(tx wire.Transaction) {
	if m.failed {
		return
	}
	if !m.seeded {
		m.buffer[tx.SequenceNum] = tx
		return
	}
	switch {
	case tx.SequenceNum <= m.cursor:
		// Duplicate or stale redelivery: discard silently.
		m.log.Debug("discarding stale transaction",
			zap.Uint64("seq", tx.SequenceNum), zap.Uint64("cursor", m.cursor))
	case tx.SequenceNum == m.cursor+1:
		m.apply(tx)
		m.drain()
	default:
		m.buffer[tx.SequenceNum] = tx
		if m.backfillFrom == 0 {
			m.backfillFrom = m.cursor + 1
			m.log.Info("sequence gap detected",
				zap.Uint64("cursor", m.cursor), zap.Uint64("received", tx.SequenceNum))
			m.cb.RequestBackfill(m.backfillFrom)
		}
	}
}

// ReceiveBatch handles a batch frame; entries may themselves be unordered.
func (m *Monitor) ReceiveBatch(txs []wire.Transaction) {
	for _, tx := range txs {
		m.Receive(tx)
	}
}

// Fail marks ordering as unrecoverable (the server reported a backfill
// range it cannot fill). No transaction is applied after this; the host is
// told to reload the document.
func (m *Monitor) Fail(reason string) {
	if m.failed {
		return
	}
	m.failed = true
	m.log.Error("unrecoverable sequence state", zap.String("reason", reason))
	if m.cb.Fatal != nil {
		m.cb.Fatal(reason)
	}
}

func (m *Monitor) apply(tx wire.Transaction) {
	m.cursor = tx.SequenceNum
	m.cb.Apply(tx)
	m.cb.Advance(m.cursor)
}

func (m *Monitor) drain() {
	for {
		tx, ok := m.buffer[m.cursor+1]
		if !ok {
			break
		}
		delete(m.buffer, m.cursor+1)
		m.apply(tx)
	}
	for seq := range m.buffer {
		if seq <= m.cursor {
			delete(m.buffer, seq)
		}
	}
	// The outstanding request is open-ended ([from, ...)), so it covers any
	// later arrivals too; it stays outstanding until every buffered
	// transaction has been applied.
	if m.backfillFrom != 0 && len(m.buffer) == 0 {
		m.backfillFrom = 0
		if m.cb.CaughtUp != nil {
			m.cb.CaughtUp()
		}
	}
}
