package relay

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var outboxBucket = []byte("outbox")

type outboxEntry struct {
	key  uint64
	id   uuid.UUID
	data []byte
}

// Outbox is the OutstandingSend queue: transactions handed to Send but not
// yet acknowledged, in submission order, stored as their encoded wire bytes
// so replay never re-encodes. Optionally backed by a bolt database so
// unacknowledged transactions survive a document reload.
type Outbox struct {
	mu      sync.Mutex
	next    uint64
	entries []outboxEntry
	db      *bolt.DB
}

// NewOutbox returns a memory-only outbox.
func NewOutbox() *Outbox {
	return &Outbox{next: 1}
}

// OpenOutbox returns an outbox persisted at path, loading any entries a
// previous process left unacknowledged.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "outbox: open")
	}
	o := &Outbox{next: 1, db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(outboxBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) < 16 {
				return errors.Errorf("outbox: corrupt entry (key %d bytes, value %d bytes)", len(k), len(v))
			}
			e := outboxEntry{key: binary.BigEndian.Uint64(k)}
			copy(e.id[:], v[:16])
			e.data = append([]byte(nil), v[16:]...)
			o.entries = append(o.entries, e)
			if e.key >= o.next {
				o.next = e.key + 1
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "outbox: load")
	}
	return o, nil
}

// Append records one sent-but-unacknowledged transaction.
func (o *Outbox) Append(id uuid.UUID, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := outboxEntry{key: o.next, id: id, data: data}
	o.next++
	o.entries = append(o.entries, e)
	if o.db == nil {
		return nil
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], e.key)
		v := make([]byte, 0, 16+len(data))
		v = append(v, id[:]...)
		v = append(v, data...)
		return tx.Bucket(outboxBucket).Put(k[:], v)
	})
}

// Ack drops the entry for an acknowledged transaction. Unknown ids are a
// no-op (the ack may follow a reload that already trimmed the entry).
func (o *Outbox) Ack(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := -1
	for i, e := range o.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	key := o.entries[idx].key
	o.entries = append(o.entries[:idx], o.entries[idx+1:]...)
	if o.db == nil {
		return nil
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], key)
		return tx.Bucket(outboxBucket).Delete(k[:])
	})
}

// Pending returns the queued frames in submission order.
func (o *Outbox) Pending() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.entries))
	for i, e := range o.entries {
		out[i] = e.data
	}
	return out
}

// Len reports the number of unacknowledged transactions.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close releases the backing database, if any.
func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}
