package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/wire"
)

func strptr(s string) *string   { return &s }
func f64ptr(f float64) *float64 { return &f }

func TestFlushEmitsOneReducedUpdate(t *testing.T) {
	b := NewBatcher()

	// Many mutations within one tick interval.
	b.Record(wire.PresenceUpdate{X: f64ptr(1), Y: f64ptr(1)})
	b.Record(wire.PresenceUpdate{Selection: strptr("A1")})
	b.Record(wire.PresenceUpdate{X: f64ptr(2), Y: f64ptr(3)})
	b.Record(wire.PresenceUpdate{Selection: strptr("A1:C3")})

	u, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, 2.0, *u.X)
	assert.Equal(t, 3.0, *u.Y)
	assert.Equal(t, "A1:C3", *u.Selection)

	// Nothing new: next tick emits nothing.
	_, ok = b.Flush()
	assert.False(t, ok)
}

func TestRecordIgnoresEmptyUpdate(t *testing.T) {
	b := NewBatcher()
	b.Record(wire.PresenceUpdate{})

	_, ok := b.Flush()
	assert.False(t, ok)
}

func TestCoalescingSurvivesSkippedFlushes(t *testing.T) {
	b := NewBatcher()

	// Disconnected: the engine skips Flush, state keeps accumulating.
	b.Record(wire.PresenceUpdate{Selection: strptr("A1")})
	b.Record(wire.PresenceUpdate{Selection: strptr("B2")})

	u, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, "B2", *u.Selection)
}

func TestSnapshotDoesNotClear(t *testing.T) {
	b := NewBatcher()
	b.Record(wire.PresenceUpdate{Selection: strptr("A1")})

	snap := b.Snapshot()
	require.NotNil(t, snap.Selection)
	assert.Equal(t, "A1", *snap.Selection)

	_, ok := b.Flush()
	assert.True(t, ok)
}
