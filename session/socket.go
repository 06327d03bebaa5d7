package session

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const sendQueueSize = 256

type outFrame struct {
	messageType int
	data        []byte
}

// conn wraps one live websocket. A Session replaces its conn on every
// reconnect; a conn is never reused.
type conn struct {
	ws   *websocket.Conn
	send chan outFrame

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:   ws,
		send: make(chan outFrame, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// enqueue hands a frame to the write pump. Send order equals wire order.
func (c *conn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return errors.New("session: connection closed")
	case c.send <- f:
		return nil
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			// Drain frames enqueued before the close (the LeaveRoom on
			// teardown), then say goodbye.
			for {
				select {
				case f := <-c.send:
					if c.ws.WriteMessage(f.messageType, f.data) != nil {
						return
					}
				default:
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case f := <-c.send:
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump delivers inbound frames until the socket fails, then reports
// the loss once.
func (c *conn) readPump(onFrame func(data []byte), onLost func()) {
	defer onLost()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onFrame(data)
	}
}

// close is idempotent; it stops both pumps and closes the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
