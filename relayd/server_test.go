package relayd

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabsync/wire"
)

// wsClient is a bare websocket test peer speaking the wire protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRoom(t *testing.T, server *httptest.Server, fileID, sessionID uuid.UUID, userID string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/room/%s",
		strings.TrimPrefix(server.URL, "http://"), fileID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	join, err := wire.EncodeControl(wire.EnterRoom{
		SessionID: sessionID,
		UserID:    userID,
		FileID:    fileID,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) read() wire.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	frame, err := wire.Classify(data)
	require.NoError(c.t, err)
	return frame
}

// readControl skips interleaved roster broadcasts until a message of the
// wanted type arrives.
func (c *wsClient) readControl(want wire.MessageType) wire.Control {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.read()
		if frame.Control != nil && frame.Control.ControlType() == want {
			return frame.Control
		}
	}
	c.t.Fatalf("no %s message", want)
	return nil
}

func (c *wsClient) readTransactions() []wire.Transaction {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.read()
		if frame.Transactions != nil {
			return frame.Transactions
		}
	}
	c.t.Fatal("no transaction frame")
	return nil
}

func (c *wsClient) sendTx(tx wire.Transaction) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeTransaction(tx)))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	s := NewServer(zaptest.NewLogger(t), nil)
	t.Cleanup(s.Close)
	server := httptest.NewServer(s.Router())
	t.Cleanup(server.Close)
	return s, server
}

func TestJoinSeatsCursorAndBroadcastsRoster(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	cur := a.readControl(wire.TypeCurrentTransaction).(wire.CurrentTransaction)
	assert.Equal(t, uint64(0), cur.SequenceNum)

	roster := a.readControl(wire.TypeUsersInRoom).(wire.UsersInRoom)
	require.Len(t, roster.Users, 1)

	b := dialRoom(t, server, fileID, uuid.New(), "bob")
	b.readControl(wire.TypeCurrentTransaction)

	// Both see the two-user roster after the second join.
	roster = a.readControl(wire.TypeUsersInRoom).(wire.UsersInRoom)
	assert.Len(t, roster.Users, 2)
}

func TestTransactionSequencedAckedAndRelayed(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	b := dialRoom(t, server, fileID, uuid.New(), "bob")
	a.readControl(wire.TypeCurrentTransaction)
	b.readControl(wire.TypeCurrentTransaction)

	tx := wire.Transaction{ID: uuid.New(), Operations: []byte(`[{"op":"SetCellValues"}]`)}
	a.sendTx(tx)

	ack := a.readControl(wire.TypeTransaction).(wire.TransactionMsg)
	assert.Equal(t, tx.ID, ack.ID)
	assert.Equal(t, uint64(1), ack.SequenceNum)
	assert.True(t, ack.IsAck())

	got := b.readTransactions()
	require.Len(t, got, 1)
	assert.Equal(t, tx.ID, got[0].ID)
	assert.Equal(t, uint64(1), got[0].SequenceNum)
	assert.Equal(t, tx.Operations, got[0].Operations)
}

func TestBackfillReturnsRequestedRange(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	a.readControl(wire.TypeCurrentTransaction)
	for i := 0; i < 5; i++ {
		a.sendTx(wire.Transaction{ID: uuid.New(), Operations: []byte("ops")})
		a.readControl(wire.TypeTransaction)
	}

	req, err := wire.EncodeControl(wire.GetTransactions{FileID: fileID, MinSequenceNum: 3})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, req))

	got := a.readTransactions()
	require.Len(t, got, 3)
	for i, tx := range got {
		assert.Equal(t, uint64(3+i), tx.SequenceNum)
	}
}

func TestUnfillableBackfillIsFatal(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	a.readControl(wire.TypeCurrentTransaction)

	req, err := wire.EncodeControl(wire.GetTransactions{FileID: fileID, MinSequenceNum: 0})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, req))

	em := a.readControl(wire.TypeError).(wire.ErrorMessage)
	assert.Equal(t, wire.ErrorLevelFatal, em.Level)
}

func TestPresenceRelayedToPeersOnly(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()
	sessA := uuid.New()

	a := dialRoom(t, server, fileID, sessA, "alice")
	b := dialRoom(t, server, fileID, uuid.New(), "bob")
	a.readControl(wire.TypeCurrentTransaction)
	b.readControl(wire.TypeCurrentTransaction)

	sel := "C3"
	upd, err := wire.EncodeControl(wire.UserUpdate{
		SessionID: sessA, FileID: fileID,
		Update: wire.PresenceUpdate{Selection: &sel},
	})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, upd))

	got := b.readControl(wire.TypeUserUpdate).(wire.UserUpdate)
	assert.Equal(t, sessA, got.SessionID)
	require.NotNil(t, got.Update.Selection)
	assert.Equal(t, "C3", *got.Update.Selection)
}

func TestSilentClientEvicted(t *testing.T) {
	s, server := newTestServer(t)
	fileID := uuid.New()
	sessB := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	b := dialRoom(t, server, fileID, sessB, "bob")
	a.readControl(wire.TypeCurrentTransaction)
	b.readControl(wire.TypeCurrentTransaction)

	s.mu.Lock()
	rm := s.rooms[fileID]
	s.mu.Unlock()
	require.NotNil(t, rm)
	rm.mu.Lock()
	var silent *client
	for c := range rm.clients {
		if c.sessionID == sessB {
			silent = c
		}
	}
	rm.mu.Unlock()
	require.NotNil(t, silent)

	silent.lastHeartbeat.Store(time.Now().Add(-time.Minute).UnixNano())
	s.evictStale()

	// The evicted connection closes, and the survivor gets a one-user
	// roster.
	for i := 0; i < 10; i++ {
		roster, ok := a.readControl(wire.TypeUsersInRoom).(wire.UsersInRoom)
		require.True(t, ok)
		if len(roster.Users) == 1 {
			return
		}
	}
	t.Fatal("roster never shrank after eviction")
}

func TestReplayedTransactionKeepsItsSequenceNumber(t *testing.T) {
	_, server := newTestServer(t)
	fileID := uuid.New()

	a := dialRoom(t, server, fileID, uuid.New(), "alice")
	b := dialRoom(t, server, fileID, uuid.New(), "bob")
	a.readControl(wire.TypeCurrentTransaction)
	b.readControl(wire.TypeCurrentTransaction)

	tx := wire.Transaction{ID: uuid.New(), Operations: []byte("ops")}
	a.sendTx(tx)
	ack := a.readControl(wire.TypeTransaction).(wire.TransactionMsg)
	require.Equal(t, uint64(1), ack.SequenceNum)

	// Replay after a lost ack: same id, same sequence number back, and no
	// second broadcast.
	a.sendTx(tx)
	ack = a.readControl(wire.TypeTransaction).(wire.TransactionMsg)
	assert.Equal(t, tx.ID, ack.ID)
	assert.Equal(t, uint64(1), ack.SequenceNum, "replay must not be re-sequenced")

	got := b.readTransactions()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].SequenceNum)

	// A later distinct transaction is the very next frame the peer sees,
	// proving the replay was never rebroadcast.
	tx2 := wire.Transaction{ID: uuid.New(), Operations: []byte("more")}
	a.sendTx(tx2)
	got = b.readTransactions()
	require.Len(t, got, 1)
	assert.Equal(t, tx2.ID, got[0].ID)
	assert.Equal(t, uint64(2), got[0].SequenceNum)
}

// wsPair returns the server side of a live websocket, for building clients
// by hand.
func wsPair(t *testing.T) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := up.Upgrade(w, r, nil); err == nil {
			ch <- c
		}
	}))
	t.Cleanup(srv.Close)
	cc, _, err := websocket.DefaultDialer.Dial("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return <-ch
}

func TestStuckClientClosedButLeftForUnregister(t *testing.T) {
	rm := newRoom(uuid.New(), zaptest.NewLogger(t))

	// A client with no write pump, so its queue fills up.
	c := &client{
		conn:      wsPair(t),
		send:      make(chan outFrame, clientQueueSize),
		sessionID: uuid.New(),
		done:      make(chan struct{}),
	}
	rm.register(c)
	for i := 0; i < clientQueueSize; i++ {
		require.True(t, c.trySend(websocket.TextMessage, []byte("x")))
	}

	rm.broadcast(nil, websocket.TextMessage, []byte("y"))

	select {
	case <-c.done:
	default:
		t.Fatal("stuck client was not closed")
	}
	// Still registered: its read loop runs the unregister path, which is
	// what rebroadcasts the roster to the survivors.
	assert.True(t, rm.unregister(c))
}
