// Package session owns the websocket connection for one open document: its
// lifecycle (connect, join, heartbeat, reconnect, teardown) and the
// send/receive primitives the layers above build on. Every transport
// failure is recoverable here; the session never surfaces one to the user,
// it schedules another attempt.
package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"collabsync/wire"
)

var (
	// ErrNotOpen is returned on send before Open: caller misuse,
	// rejected synchronously.
	ErrNotOpen = errors.New("session: not open")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
	// ErrNotConnected is returned when no live socket exists; transaction
	// callers queue instead of failing.
	ErrNotConnected = errors.New("session: not connected")
)

const tokenFetchTimeout = 10 * time.Second

// TokenSource fetches auth tokens from the host environment.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

// Identity is the authenticated user presented to the room.
type Identity struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
	Image     string
}

// Config configures one session.
type Config struct {
	// URL is the full websocket endpoint including the room path.
	URL string
	// Token, when non-empty, is used as-is; otherwise the TokenSource is
	// asked before the first socket attempt.
	Token string

	SessionID uuid.UUID
	FileID    uuid.UUID
	Identity  Identity

	PresenceInterval time.Duration
	HeartbeatIdle    time.Duration
	ReconnectDelay   time.Duration
}

// Hooks are the session's upward-facing callbacks. All are invoked without
// the session lock held, so they may call back into the session.
type Hooks struct {
	// OnFrame receives every raw inbound frame.
	OnFrame func(data []byte)
	// OnConnected fires after the join message is enqueued on a fresh
	// socket; the relay flushes its outstanding queue here.
	OnConnected func()
	// OnState observes every state transition.
	OnState func(State)
	// OnPresenceTick fires at the presence flush cadence while connected.
	OnPresenceTick func()
	// PresenceSnapshot supplies the presence fields carried on the join
	// message.
	PresenceSnapshot func() wire.PresenceUpdate
}

// Session is the state machine for one document's connection. Constructed
// once per open document and passed by reference; there are no globals.
type Session struct {
	cfg    Config
	log    *zap.Logger
	tokens TokenSource
	hooks  Hooks
	back   backoff.BackOff

	lastSend atomic.Int64 // unix nanos of the last outbound frame

	mu      sync.Mutex
	state   State
	conn    *conn
	token   string
	opened  bool
	closed  bool
	offline bool
	retry   *time.Timer
}

// New returns a session in the startup state.
func New(cfg Config, tokens TokenSource, hooks Hooks, log *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		log:    log.Named("session"),
		tokens: tokens,
		hooks:  hooks,
		// Reconnects use a single flat delay between attempts, not an
		// exponential schedule.
		back:  backoff.NewConstantBackOff(cfg.ReconnectDelay),
		state: Startup,
	}
}

// Open starts the connection lifecycle. It returns immediately; the dial
// runs in the background.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return errors.New("session: already open")
	}
	s.opened = true
	if s.offline {
		notify := s.setStateLocked(NoInternet)
		s.mu.Unlock()
		notify()
		return nil
	}
	notify := s.setStateLocked(Connecting)
	s.mu.Unlock()
	notify()
	go s.connect()
	return nil
}

// connect performs one dial attempt. Any failure schedules a retry; none is
// surfaced to the caller.
func (s *Session) connect() {
	s.mu.Lock()
	if s.closed || s.offline || s.conn != nil {
		s.mu.Unlock()
		return
	}
	token := s.cfg.Token
	if token == "" {
		token = s.token
	}
	s.mu.Unlock()

	if token == "" && s.tokens != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tokenFetchTimeout)
		fetched, err := s.tokens.AuthToken(ctx)
		cancel()
		if err != nil {
			s.log.Warn("token fetch failed", zap.Error(err))
			s.scheduleReconnect()
			return
		}
		token = fetched
		s.mu.Lock()
		s.token = fetched
		s.mu.Unlock()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, header)
	if err != nil {
		s.log.Warn("dial failed", zap.String("url", s.cfg.URL), zap.Error(err))
		s.scheduleReconnect()
		return
	}

	c := newConn(ws)
	s.mu.Lock()
	if s.closed || s.offline {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conn = c
	notify := s.setStateLocked(Connected)
	s.mu.Unlock()
	notify()

	s.log.Info("connected", zap.String("url", s.cfg.URL))
	if err := s.sendJoin(c); err != nil {
		s.log.Warn("join send failed", zap.Error(err))
	}
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	go c.readPump(s.dispatchFrame, func() { s.connLost(c) })
	go s.runTickers(c)
}

// sendJoin emits exactly one EnterRoom per successful socket-open, carrying
// the current presence snapshot.
func (s *Session) sendJoin(c *conn) error {
	var snap wire.PresenceUpdate
	if s.hooks.PresenceSnapshot != nil {
		snap = s.hooks.PresenceSnapshot()
	}
	join := wire.EnterRoom{
		SessionID: s.cfg.SessionID,
		UserID:    s.cfg.Identity.UserID,
		FileID:    s.cfg.FileID,
		FirstName: s.cfg.Identity.FirstName,
		LastName:  s.cfg.Identity.LastName,
		Email:     s.cfg.Identity.Email,
		Image:     s.cfg.Identity.Image,
	}
	if snap.SheetID != nil {
		join.SheetID = *snap.SheetID
	}
	if snap.Selection != nil {
		join.Selection = *snap.Selection
	}
	if snap.CellEdit != nil {
		join.CellEdit = *snap.CellEdit
	}
	if snap.Viewport != nil {
		join.Viewport = *snap.Viewport
	}
	data, err := wire.EncodeControl(join)
	if err != nil {
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())
	return c.enqueue(outFrame{websocket.TextMessage, data})
}

func (s *Session) dispatchFrame(data []byte) {
	if s.hooks.OnFrame != nil {
		s.hooks.OnFrame(data)
	}
}

// connLost handles a socket error or close. Queued transactions are kept;
// a reconnect is scheduled after the flat delay.
func (s *Session) connLost(c *conn) {
	c.close()
	s.mu.Lock()
	if s.conn != c || s.closed || s.offline {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	s.log.Info("connection lost")
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || s.offline {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(WaitingToReconnect)
	delay := s.back.NextBackOff()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.offline {
			s.mu.Unlock()
			return
		}
		n := s.setStateLocked(Connecting)
		s.mu.Unlock()
		n()
		s.connect()
	})
	s.mu.Unlock()
	notify()
	s.log.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// runTickers drives the presence flush tick and the heartbeat while the
// given conn is live. Both are scheduled callbacks; nothing here blocks
// other contexts.
func (s *Session) runTickers(c *conn) {
	presence := time.NewTicker(s.cfg.PresenceInterval)
	defer presence.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatIdle / 2)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-presence.C:
			if s.hooks.OnPresenceTick != nil {
				s.hooks.OnPresenceTick()
			}
		case <-heartbeat.C:
			idle := time.Since(time.Unix(0, s.lastSend.Load()))
			if idle < s.cfg.HeartbeatIdle {
				continue
			}
			hb := wire.Heartbeat{SessionID: s.cfg.SessionID, FileID: s.cfg.FileID}
			if err := s.SendControl(hb); err != nil {
				s.log.Debug("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

// SendControl encodes and sends one JSON control message.
func (s *Session) SendControl(c wire.Control) error {
	data, err := wire.EncodeControl(c)
	if err != nil {
		return err
	}
	return s.send(websocket.TextMessage, data)
}

// SendBinary sends one pre-encoded binary frame.
func (s *Session) SendBinary(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

func (s *Session) send(messageType int, data []byte) error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	c := s.conn
	live := s.state.live()
	s.mu.Unlock()
	if c == nil || !live {
		return ErrNotConnected
	}
	if err := c.enqueue(outFrame{messageType, data}); err != nil {
		return ErrNotConnected
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

// Connected reports whether traffic can currently be sent.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.state.live()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginSync marks the session as backfilling a sequence gap.
func (s *Session) BeginSync() {
	s.transition(Connected, Syncing)
}

// EndSync marks the gap closed.
func (s *Session) EndSync() {
	s.transition(Syncing, Connected)
}

func (s *Session) transition(from, to State) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(to)
	s.mu.Unlock()
	notify()
}

// GoOffline forces the socket closed from any state; driven by the host
// connectivity signal.
func (s *Session) GoOffline() {
	s.mu.Lock()
	if s.closed || s.offline {
		s.mu.Unlock()
		return
	}
	s.offline = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	c := s.conn
	s.conn = nil
	notify := s.setStateLocked(NoInternet)
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
	notify()
}

// GoOnline re-attempts the connection immediately, bypassing the backoff
// delay.
func (s *Session) GoOnline() {
	s.mu.Lock()
	if s.closed || !s.offline {
		s.mu.Unlock()
		return
	}
	s.offline = false
	if !s.opened {
		notify := s.setStateLocked(NotConnected)
		s.mu.Unlock()
		notify()
		return
	}
	s.back.Reset()
	notify := s.setStateLocked(Connecting)
	s.mu.Unlock()
	notify()
	go s.connect()
}

// Close tears the session down: timers cancelled, socket closed, a
// best-effort LeaveRoom on the way out. The session cannot be reopened.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	c := s.conn
	s.conn = nil
	notify := s.setStateLocked(NotConnected)
	s.mu.Unlock()
	if c != nil {
		leave := wire.LeaveRoom{SessionID: s.cfg.SessionID, FileID: s.cfg.FileID}
		if data, err := wire.EncodeControl(leave); err == nil {
			c.enqueue(outFrame{websocket.TextMessage, data})
		}
		c.close()
	}
	notify()
}

// setStateLocked updates the state and returns the notification to run
// after the lock is released.
func (s *Session) setStateLocked(next State) func() {
	if s.state == next {
		return func() {}
	}
	prev := s.state
	s.state = next
	hook := s.hooks.OnState
	return func() {
		s.log.Debug("state change",
			zap.Stringer("from", prev), zap.Stringer("to", next))
		if hook != nil {
			hook(next)
		}
	}
}
