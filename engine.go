// Package collabsync is the client-side real-time collaboration transport
// for a multi-user document editor: it synchronizes locally authored
// transactions with other editors of the same document through a relay
// server, tolerating disconnects, out-of-order delivery, and partial
// failures, while never blocking document editing.
//
// One Engine is constructed per open document and wires the session state
// machine, the wire codec, the presence batcher, the transaction relay,
// the consistency monitor, and the cross-context bridge to the document
// engine.
package collabsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/bridge"
	"collabsync/config"
	"collabsync/presence"
	"collabsync/relay"
	"collabsync/sequence"
	"collabsync/session"
	"collabsync/viewport"
	"collabsync/wire"
)

// Host is the embedding environment: it supplies auth tokens and performs
// the full document reload demanded by an unrecoverable protocol error.
type Host interface {
	AuthToken(ctx context.Context) (string, error)
	Reload(reason string)
}

// Engine is the synchronization engine for one open document.
type Engine struct {
	log  *zap.Logger
	cfg  config.Config
	host Host
	br   *bridge.Bridge

	sess    *session.Session
	batcher *presence.Batcher
	monitor *sequence.Monitor
	rel     *relay.Relay
	outbox  *relay.Outbox
	vp      *viewport.Buffer

	sessionID uuid.UUID
	fileID    uuid.UUID

	// dispatchMu serializes inbound routing into the monitor across a
	// socket replacement, where the old read pump may still be finishing
	// a frame while the new one starts.
	dispatchMu sync.Mutex

	states chan session.State

	mu           sync.Mutex
	onRoster     func(users []wire.User)
	onPresence   func(sessionID uuid.UUID, u wire.PresenceUpdate)
	lastViewport viewport.State

	done      chan struct{}
	closeOnce sync.Once
}

// Open constructs the engine for one document and starts connecting. The
// bridge's other end belongs to the document engine; br may not be nil.
func Open(cfg config.Config, fileID uuid.UUID, ident session.Identity, host Host, br *bridge.Bridge, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		log:       log.Named("collabsync"),
		cfg:       cfg,
		host:      host,
		br:        br,
		batcher:   presence.NewBatcher(),
		vp:        viewport.NewBuffer(),
		sessionID: uuid.New(),
		fileID:    fileID,
		states:    make(chan session.State, 16),
		done:      make(chan struct{}),
	}

	if cfg.OutboxPath != "" {
		outbox, err := relay.OpenOutbox(cfg.OutboxPath)
		if err != nil {
			return nil, err
		}
		e.outbox = outbox
	} else {
		e.outbox = relay.NewOutbox()
	}

	e.monitor = sequence.NewMonitor(e.log, sequence.Callbacks{
		Apply: func(tx wire.Transaction) {
			if err := e.br.ApplyTransaction(tx); err != nil {
				e.log.Debug("apply dropped, bridge closed")
			}
		},
		Advance: func(seq uint64) {
			if err := e.br.AdvanceSequence(seq); err != nil {
				e.log.Debug("advance dropped, bridge closed")
			}
		},
		RequestBackfill: e.requestBackfill,
		CaughtUp:        func() { e.sess.EndSync() },
		Fatal: func(reason string) {
			e.log.Error("forcing document reload", zap.String("reason", reason))
			e.host.Reload(reason)
		},
	})

	e.sess = session.New(session.Config{
		URL:              roomURL(cfg.RelayURL, fileID),
		Token:            cfg.AuthToken,
		SessionID:        e.sessionID,
		FileID:           fileID,
		Identity:         ident,
		PresenceInterval: cfg.PresenceInterval,
		HeartbeatIdle:    cfg.HeartbeatIdle,
		ReconnectDelay:   cfg.ReconnectDelay,
	}, host, session.Hooks{
		OnFrame:          func(data []byte) { e.rel.HandleFrame(data) },
		OnConnected:      func() { e.rel.Flush() },
		OnState:          e.publishState,
		OnPresenceTick:   e.flushPresence,
		PresenceSnapshot: e.batcher.Snapshot,
	}, e.log)

	e.rel = relay.New(e.sess, e.outbox, relay.Routes{
		Transactions:    e.receiveTransactions,
		CurrentSequence: e.receiveCurrent,
		Roster:          e.fireRoster,
		Presence:        e.firePresence,
		ProtocolError:   e.protocolError,
	}, e.log)

	go e.pumpSubmits()

	if err := e.sess.Open(); err != nil {
		close(e.done)
		e.outbox.Close()
		return nil, err
	}
	return e, nil
}

func roomURL(base string, fileID uuid.UUID) string {
	return strings.TrimRight(base, "/") + "/room/" + fileID.String()
}

// pumpSubmits forwards locally authored transactions from the document
// engine to the relay.
func (e *Engine) pumpSubmits() {
	for {
		select {
		case <-e.done:
			return
		case <-e.br.Done():
			return
		case tx := <-e.br.Submits():
			if err := e.rel.Send(tx); err != nil {
				e.log.Warn("transaction send failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) receiveTransactions(txs []wire.Transaction) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	e.monitor.ReceiveBatch(txs)
}

func (e *Engine) receiveCurrent(seq uint64) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	e.monitor.SetCurrent(seq)
}

// requestBackfill asks the relay for [from, ...) and marks the session as
// syncing until the gap closes.
func (e *Engine) requestBackfill(from uint64) {
	e.sess.BeginSync()
	req := wire.GetTransactions{
		SessionID:      e.sessionID,
		FileID:         e.fileID,
		MinSequenceNum: from,
	}
	if err := e.sess.SendControl(req); err != nil {
		// Disconnected mid-gap: the reconnect path re-seats the cursor
		// from the server's announcement.
		e.log.Debug("backfill request deferred", zap.Error(err))
	}
}

func (e *Engine) protocolError(em wire.ErrorMessage) {
	if em.Level == wire.ErrorLevelFatal {
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		e.monitor.Fail(em.Detail)
		return
	}
	e.log.Warn("server protocol warning", zap.String("detail", em.Detail))
}

// flushPresence runs on each presence tick: at most one message per tick,
// and only while connected so the accumulator keeps coalescing across an
// outage.
func (e *Engine) flushPresence() {
	if !e.sess.Connected() {
		return
	}
	e.foldViewport()
	u, ok := e.batcher.Flush()
	if !ok {
		return
	}
	msg := wire.UserUpdate{SessionID: e.sessionID, FileID: e.fileID, Update: u}
	if err := e.sess.SendControl(msg); err != nil {
		e.log.Debug("presence flush failed", zap.Error(err))
	}
}

func (e *Engine) publishState(s session.State) {
	select {
	case e.states <- s:
	default:
		// A slow UI reader sees the latest states only.
		select {
		case <-e.states:
		default:
		}
		select {
		case e.states <- s:
		default:
		}
	}
}

func (e *Engine) fireRoster(users []wire.User) {
	e.mu.Lock()
	fn := e.onRoster
	e.mu.Unlock()
	if fn != nil {
		fn(users)
	}
}

func (e *Engine) firePresence(sessionID uuid.UUID, u wire.PresenceUpdate) {
	e.mu.Lock()
	fn := e.onPresence
	e.mu.Unlock()
	if fn != nil {
		fn(sessionID, u)
	}
}

// foldViewport records the render context's latest camera state as a
// presence mutation when it changed since the last tick. The buffer itself
// is written at frame rate; only the tick-to-tick delta goes on the wire.
func (e *Engine) foldViewport() {
	s, ok := e.vp.Load()
	if !ok {
		return
	}
	e.mu.Lock()
	changed := s != e.lastViewport
	e.lastViewport = s
	e.mu.Unlock()
	if !changed {
		return
	}
	vp := fmt.Sprintf("%g,%g,%g,%gx%g", s.X, s.Y, s.Scale, s.Width, s.Height)
	u := wire.PresenceUpdate{Viewport: &vp}
	if s.SheetID != "" {
		sheet := s.SheetID
		u.SheetID = &sheet
	}
	e.batcher.Record(u)
}

// UpdatePresence records local presence mutations; they coalesce until the
// next flush tick. Always synchronous and local.
func (e *Engine) UpdatePresence(u wire.PresenceUpdate) {
	e.batcher.Record(u)
}

// Viewport is the shared camera-state buffer the render context writes to
// at frame rate. Snapshots are folded into outbound presence on the flush
// tick.
func (e *Engine) Viewport() *viewport.Buffer { return e.vp }

// OnRoster registers the UI callback for roster changes.
func (e *Engine) OnRoster(fn func(users []wire.User)) {
	e.mu.Lock()
	e.onRoster = fn
	e.mu.Unlock()
}

// OnPresence registers the UI callback for peer presence updates.
func (e *Engine) OnPresence(fn func(sessionID uuid.UUID, u wire.PresenceUpdate)) {
	e.mu.Lock()
	e.onPresence = fn
	e.mu.Unlock()
}

// States streams session state changes to the UI layer.
func (e *Engine) States() <-chan session.State { return e.states }

// State returns the current session state.
func (e *Engine) State() session.State { return e.sess.State() }

// SessionID identifies this engine instance in the room.
func (e *Engine) SessionID() uuid.UUID { return e.sessionID }

// SequenceCursor returns the highest applied sequence number.
func (e *Engine) SequenceCursor() uint64 {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	return e.monitor.Cursor()
}

// Outstanding reports transactions sent but not yet acknowledged.
func (e *Engine) Outstanding() int { return e.rel.Outstanding() }

// GoOffline reacts to the host's connectivity-lost signal.
func (e *Engine) GoOffline() { e.sess.GoOffline() }

// GoOnline reacts to connectivity restore: reconnect immediately.
func (e *Engine) GoOnline() { e.sess.GoOnline() }

// Close tears the engine down: document closed. All timers and pumps stop;
// the bridge is closed so the document engine unblocks.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sess.Close()
		e.br.Close()
		if err := e.outbox.Close(); err != nil {
			e.log.Warn("outbox close failed", zap.Error(err))
		}
	})
}
