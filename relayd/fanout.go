package relayd

import (
	"context"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabsync/wire"
)

const fanoutPrefix = "collabsync:room:"

// Fanout relays sequenced frames between relay instances through Redis
// pub/sub, the same per-document channel scheme as a single shared relay.
// Sequencing stays single-authority: route a given file id to one instance
// (sticky by file id); other instances observe its output and serve their
// local readers.
type Fanout struct {
	rdb        *redis.Client
	log        *zap.Logger
	instanceID uuid.UUID
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewFanout connects to Redis and verifies the connection.
func NewFanout(addr string, log *zap.Logger) (*Fanout, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "fanout: redis ping")
	}
	return &Fanout{
		rdb:        rdb,
		log:        log.Named("fanout"),
		instanceID: uuid.New(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Publish sends one frame to the document's channel. Frames are prefixed
// with the publishing instance id so subscribers skip their own output.
func (f *Fanout) Publish(fileID uuid.UUID, data []byte) {
	payload := make([]byte, 0, 16+len(data))
	payload = append(payload, f.instanceID[:]...)
	payload = append(payload, data...)
	if err := f.rdb.Publish(f.ctx, fanoutPrefix+fileID.String(), payload).Err(); err != nil {
		f.log.Warn("publish failed", zap.Error(err))
	}
}

// Subscribe feeds another instance's frames for this room to the local
// clients.
func (f *Fanout) Subscribe(rm *Room) {
	pubsub := f.rdb.Subscribe(f.ctx, fanoutPrefix+rm.fileID.String())
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-f.ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				f.deliver(rm, []byte(msg.Payload))
			}
		}
	}()
}

func (f *Fanout) deliver(rm *Room, payload []byte) {
	if len(payload) < 16 {
		return
	}
	var origin uuid.UUID
	copy(origin[:], payload[:16])
	if origin == f.instanceID {
		return
	}
	data := payload[16:]
	frame, err := wire.Classify(data)
	if err != nil {
		f.log.Warn("unclassifiable fanout frame", zap.Error(err))
		return
	}
	if frame.Transactions != nil {
		for _, tx := range frame.Transactions {
			rm.observe(tx)
		}
		rm.broadcast(nil, websocket.BinaryMessage, data)
		return
	}
	rm.broadcast(nil, websocket.TextMessage, data)
}

// Close stops all subscriptions and releases the client.
func (f *Fanout) Close() error {
	f.cancel()
	return f.rdb.Close()
}
