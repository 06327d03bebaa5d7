package relayd

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/wire"
)

const (
	// heartbeatTimeout is how long a client may stay silent before it is
	// evicted from its room.
	heartbeatTimeout = 30 * time.Second
	evictInterval    = 10 * time.Second
)

// Server hosts rooms over websockets.
type Server struct {
	log      *zap.Logger
	fanout   *Fanout
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[uuid.UUID]*Room

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer returns a relay server; fanout may be nil for a single
// instance.
func NewServer(log *zap.Logger, fanout *Fanout) *Server {
	s := &Server{
		log:    log.Named("relayd"),
		fanout: fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[uuid.UUID]*Room),
		stop:  make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Close stops the eviction loop. Open connections drain on their own.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) evictLoop() {
	t := time.NewTicker(evictInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.evictStale()
		}
	}
}

// evictStale drops every client whose last heartbeat is older than the
// timeout.
func (s *Server) evictStale() {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-heartbeatTimeout).UnixNano()
	for _, rm := range rooms {
		evicted := false
		for _, c := range rm.stale(cutoff) {
			s.log.Info("evicting silent client", zap.String("session_id", c.sessionID.String()))
			if rm.unregister(c) {
				evicted = true
			}
		}
		if evicted {
			s.broadcastRoster(rm)
		}
		s.dropIfEmpty(rm)
	}
}

// Router exposes the websocket endpoint and a health probe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/room/{fileID}", s.serveWS)
	return r
}

func (s *Server) room(fileID uuid.UUID) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[fileID]
	if !ok {
		rm = newRoom(fileID, s.log)
		s.rooms[fileID] = rm
		if s.fanout != nil {
			s.fanout.Subscribe(rm)
		}
	}
	return rm
}

func (s *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	fileID, err := uuid.Parse(mux.Vars(req)["fileID"])
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	// The first message must be the room join.
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	msg, err := wire.DecodeControl(data)
	if err != nil {
		conn.Close()
		return
	}
	join, ok := msg.(wire.EnterRoom)
	if !ok {
		s.log.Warn("first message was not EnterRoom", zap.String("type", string(msg.ControlType())))
		conn.Close()
		return
	}

	rm := s.room(fileID)
	c := newClient(conn, join)
	rm.register(c)
	rm.touch(c)

	// Seat the joiner's cursor, then tell everyone who is here.
	c.sendControl(wire.CurrentTransaction{SequenceNum: rm.current()})
	s.broadcastRoster(rm)

	s.readLoop(rm, c)
}

// dropIfEmpty releases a room once its last client is gone; its sequence
// log goes with it, so a rejoin starts a fresh document epoch.
func (s *Server) dropIfEmpty(rm *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.empty() {
		delete(s.rooms, rm.fileID)
	}
}

func (s *Server) broadcastRoster(rm *Room) {
	data, err := wire.EncodeControl(wire.UsersInRoom{Users: rm.roster()})
	if err != nil {
		return
	}
	rm.broadcast(nil, websocket.TextMessage, data)
}

func (s *Server) readLoop(rm *Room, c *client) {
	defer func() {
		if rm.unregister(c) {
			s.broadcastRoster(rm)
		}
		s.dropIfEmpty(rm)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Classify(data)
		if err != nil {
			s.log.Warn("unclassifiable frame from client", zap.Error(err))
			c.sendControl(wire.ErrorMessage{Detail: "unrecognized frame", Level: wire.ErrorLevelWarning})
			continue
		}
		if frame.Transactions != nil {
			rm.touch(c)
			for _, tx := range frame.Transactions {
				s.handleTransaction(rm, c, tx)
			}
			continue
		}
		s.handleControl(rm, c, frame.Control)
	}
}

// handleTransaction assigns the authoritative sequence number, acks the
// author, and fans the sequenced frame out to everyone else. A replayed
// id is re-acked with its original sequence number and not rebroadcast,
// so peers never apply the same logical transaction twice.
func (s *Server) handleTransaction(rm *Room, c *client, tx wire.Transaction) {
	seqd, dup := rm.sequence(tx)
	c.sendControl(wire.TransactionMsg{
		ID:          seqd.ID,
		SessionID:   c.sessionID,
		FileID:      rm.fileID,
		SequenceNum: seqd.SequenceNum,
	})
	if dup {
		return
	}
	data := wire.EncodeTransaction(seqd)
	rm.broadcast(c, websocket.BinaryMessage, data)
	if s.fanout != nil {
		s.fanout.Publish(rm.fileID, data)
	}
}

func (s *Server) handleControl(rm *Room, c *client, msg wire.Control) {
	switch m := msg.(type) {
	case wire.Heartbeat:
		rm.touch(c)
	case wire.UserUpdate:
		rm.touch(c)
		c.applyUpdate(m.Update)
		out := wire.UserUpdate{SessionID: c.sessionID, FileID: rm.fileID, Update: m.Update}
		if data, err := wire.EncodeControl(out); err == nil {
			rm.broadcast(c, websocket.TextMessage, data)
			if s.fanout != nil {
				s.fanout.Publish(rm.fileID, data)
			}
		}
	case wire.GetTransactions:
		txs, ok := rm.backfill(m.MinSequenceNum)
		if !ok {
			c.sendControl(wire.ErrorMessage{
				Detail: fmt.Sprintf("cannot backfill from sequence %d", m.MinSequenceNum),
				Level:  wire.ErrorLevelFatal,
			})
			return
		}
		c.trySend(websocket.BinaryMessage, wire.EncodeTransactionBatch(txs))
	case wire.LeaveRoom:
		if rm.unregister(c) {
			s.broadcastRoster(rm)
		}
	default:
		s.log.Debug("ignoring control message", zap.String("type", string(msg.ControlType())))
	}
}
