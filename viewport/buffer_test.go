package viewport

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBeforeFirstStore(t *testing.T) {
	_, ok := NewBuffer().Load()
	assert.False(t, ok)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	b := NewBuffer()
	want := State{
		X: 120.5, Y: -33.25, Scale: 1.5, Dpr: 2,
		Width: 1920, Height: 1080, Dirty: true,
		SheetID: uuid.NewString(),
	}
	b.Store(want)

	got, ok := b.Load()
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestStoreAlternatesSlices(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < 5; i++ {
		b.Store(State{X: float32(i), SheetID: "s"})
		got, ok := b.Load()
		require.True(t, ok)
		assert.Equal(t, float32(i), got.X)
	}
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	b := NewBuffer()
	id := uuid.NewString()

	var wg, readers sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float32(i % 1000)
			b.Store(State{X: v, Y: v, Scale: v, SheetID: id})
		}
	}()

	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 10000; i++ {
				s, ok := b.Load()
				if !ok {
					continue
				}
				// All fields written together must be observed together.
				assert.Equal(t, s.X, s.Y)
				assert.Equal(t, s.X, s.Scale)
				assert.Equal(t, id, s.SheetID)
			}
		}()
	}

	readers.Wait()
	close(stop)
	wg.Wait()
}
