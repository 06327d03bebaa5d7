package relayd

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/wire"
)

const clientQueueSize = 256

type outFrame struct {
	messageType int
	data        []byte
}

// client is one connected session in a room.
type client struct {
	conn      *websocket.Conn
	send      chan outFrame
	sessionID uuid.UUID

	mu   sync.Mutex
	info wire.User

	lastHeartbeat atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, join wire.EnterRoom) *client {
	c := &client{
		conn:      conn,
		send:      make(chan outFrame, clientQueueSize),
		sessionID: join.SessionID,
		done:      make(chan struct{}),
		info: wire.User{
			SessionID: join.SessionID,
			UserID:    join.UserID,
			FirstName: join.FirstName,
			LastName:  join.LastName,
			Email:     join.Email,
			Image:     join.Image,
			SheetID:   join.SheetID,
			Selection: join.Selection,
		},
	}
	go c.writePump()
	return c
}

func (c *client) user() wire.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// applyUpdate folds a presence update into the roster entry.
func (c *client) applyUpdate(u wire.PresenceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.SheetID != nil {
		c.info.SheetID = *u.SheetID
	}
	if u.Selection != nil {
		c.info.Selection = *u.Selection
	}
	if u.X != nil {
		c.info.X = *u.X
	}
	if u.Y != nil {
		c.info.Y = *u.Y
	}
	if u.Visible != nil {
		c.info.Visible = *u.Visible
	}
}

// trySend queues a frame without blocking; false means the queue is full.
func (c *client) trySend(messageType int, data []byte) bool {
	select {
	case <-c.done:
		return true // already closing, not "stuck"
	case c.send <- outFrame{messageType, data}:
		return true
	default:
		return false
	}
}

func (c *client) sendControl(m wire.Control) error {
	data, err := wire.EncodeControl(m)
	if err != nil {
		return err
	}
	c.trySend(websocket.TextMessage, data)
	return nil
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case f := <-c.send:
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
