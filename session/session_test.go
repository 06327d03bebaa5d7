package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabsync/wire"
)

// testRelay accepts websocket connections and exposes the control messages
// it reads, so tests can observe joins, heartbeats, and leaves.
type testRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	msgs  chan wire.Control
}

func newTestRelay(t *testing.T) *testRelay {
	r := &testRelay{t: t, msgs: make(chan wire.Control, 64)}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.server.Close)
	return r
}

func (r *testRelay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if c, err := wire.DecodeControl(data); err == nil {
			r.msgs <- c
		}
	}
}

func (r *testRelay) url() string {
	return "ws://" + strings.TrimPrefix(r.server.URL, "http://")
}

func (r *testRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.conns {
		ws.Close()
	}
	r.conns = nil
}

func (r *testRelay) next(timeout time.Duration) (wire.Control, bool) {
	select {
	case m := <-r.msgs:
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		SessionID:        uuid.New(),
		FileID:           uuid.New(),
		Identity:         Identity{UserID: "u1", FirstName: "Ada"},
		PresenceInterval: 10 * time.Millisecond,
		HeartbeatIdle:    time.Minute,
		ReconnectDelay:   20 * time.Millisecond,
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) has(want State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.states {
		if s == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOpenJoinsRoomOnce(t *testing.T) {
	relay := newTestRelay(t)
	cfg := testConfig(relay.url())

	sel := "A1:B2"
	s := New(cfg, nil, Hooks{
		PresenceSnapshot: func() wire.PresenceUpdate {
			return wire.PresenceUpdate{Selection: &sel}
		},
	}, zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.Open())
	waitFor(t, s.Connected, "never connected")

	msg, ok := relay.next(time.Second)
	require.True(t, ok)
	join, ok := msg.(wire.EnterRoom)
	require.True(t, ok, "first message must be EnterRoom, got %T", msg)
	assert.Equal(t, cfg.SessionID, join.SessionID)
	assert.Equal(t, "u1", join.UserID)
	assert.Equal(t, "A1:B2", join.Selection, "join carries the presence snapshot")

	// No second join while the socket stays up.
	if m, ok := relay.next(50 * time.Millisecond); ok {
		t.Fatalf("unexpected extra message %T", m)
	}
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	relay := newTestRelay(t)
	s := New(testConfig(relay.url()), nil, Hooks{}, zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.Open())
	waitFor(t, s.Connected, "never connected")
	_, ok := relay.next(time.Second)
	require.True(t, ok, "first join")

	relay.dropAll()
	waitFor(t, func() bool { return !s.Connected() }, "loss not observed")
	waitFor(t, s.Connected, "never reconnected")

	msg, ok := relay.next(time.Second)
	require.True(t, ok, "second join after reconnect")
	_, isJoin := msg.(wire.EnterRoom)
	assert.True(t, isJoin, "reconnect re-joins the room exactly once, got %T", msg)
}

func TestOfflineOnlineBypassesBackoff(t *testing.T) {
	relay := newTestRelay(t)
	cfg := testConfig(relay.url())
	cfg.ReconnectDelay = 10 * time.Second // would dominate the test if not bypassed

	var log stateLog
	s := New(cfg, nil, Hooks{OnState: log.record}, zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.Open())
	waitFor(t, s.Connected, "never connected")

	s.GoOffline()
	assert.Equal(t, NoInternet, s.State())

	s.GoOnline()
	waitFor(t, s.Connected, "online signal did not reconnect immediately")
	assert.True(t, log.has(Connecting))
	assert.False(t, log.has(WaitingToReconnect), "offline path must not enter backoff")
}

func TestSendBeforeOpenIsRejected(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:0"), nil, Hooks{}, zaptest.NewLogger(t))
	err := s.SendControl(wire.Heartbeat{})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHeartbeatOnIdle(t *testing.T) {
	relay := newTestRelay(t)
	cfg := testConfig(relay.url())
	cfg.HeartbeatIdle = 30 * time.Millisecond

	s := New(cfg, nil, Hooks{}, zaptest.NewLogger(t))
	defer s.Close()
	require.NoError(t, s.Open())

	msg, ok := relay.next(time.Second)
	require.True(t, ok)
	require.IsType(t, wire.EnterRoom{}, msg)

	msg, ok = relay.next(time.Second)
	require.True(t, ok, "no heartbeat while idle")
	hb, isHB := msg.(wire.Heartbeat)
	require.True(t, isHB, "expected Heartbeat, got %T", msg)
	assert.Equal(t, cfg.SessionID, hb.SessionID)
}

func TestSyncTransitions(t *testing.T) {
	relay := newTestRelay(t)
	s := New(testConfig(relay.url()), nil, Hooks{}, zaptest.NewLogger(t))
	defer s.Close()
	require.NoError(t, s.Open())
	waitFor(t, s.Connected, "never connected")

	s.BeginSync()
	assert.Equal(t, Syncing, s.State())
	assert.True(t, s.Connected(), "syncing still counts as live")

	s.EndSync()
	assert.Equal(t, Connected, s.State())
}

func TestCloseSendsLeaveRoom(t *testing.T) {
	relay := newTestRelay(t)
	cfg := testConfig(relay.url())
	s := New(cfg, nil, Hooks{}, zaptest.NewLogger(t))
	require.NoError(t, s.Open())
	waitFor(t, s.Connected, "never connected")
	_, ok := relay.next(time.Second)
	require.True(t, ok)

	s.Close()
	msg, ok := relay.next(time.Second)
	require.True(t, ok, "no LeaveRoom before close")
	leave, isLeave := msg.(wire.LeaveRoom)
	require.True(t, isLeave, "expected LeaveRoom, got %T", msg)
	assert.Equal(t, cfg.SessionID, leave.SessionID)
	assert.Equal(t, NotConnected, s.State())
	assert.ErrorIs(t, s.SendControl(wire.Heartbeat{}), ErrClosed)
}
