// Package viewport is the one sanctioned piece of shared memory between
// the sync engine and the document engine: a fixed-size, double-buffered
// region carrying camera/viewport state. The UI context writes at frame
// rate; readers always see a complete, consistent snapshot. Transactions
// and control traffic never travel this way.
package viewport

import (
	"math"
	"sync/atomic"
)

// SheetIDSize is the byte size of the sheet id field (a UUID string).
const SheetIDSize = 36

// Word indexes within a slice. Two slices ping-pong: the writer fills the
// inactive slice, marks it ready, then flips the active index. Every field
// is a 32-bit word accessed atomically and guarded by a per-slice seqlock
// counter, so readers never observe a torn snapshot.
const (
	wordX = iota
	wordY
	wordScale
	wordDpr
	wordWidth
	wordHeight
	wordDirty
	wordReserved
	wordSheetID
	sliceWords = wordSheetID + SheetIDSize/4
)

// State is one consistent viewport snapshot.
type State struct {
	X       float32
	Y       float32
	Scale   float32
	Dpr     float32
	Width   float32
	Height  float32
	Dirty   bool
	SheetID string
}

// Each slice carries a seqlock counter: odd while the writer is inside,
// even once the slice is complete, zero before first use. A reader whose
// before/after counter reads match has seen a whole snapshot; the counter
// also defeats the ABA case where the writer cycles back to this slice
// during one read pass.
type slice struct {
	seq   atomic.Uint32
	words [sliceWords]atomic.Uint32
}

// Buffer is the shared region. One writer (the UI context) and any number
// of readers; no locks, only the per-slice counter and the active index.
type Buffer struct {
	slices [2]slice
	active atomic.Int32
}

// NewBuffer returns an empty buffer; Load reports false until the first
// Store completes.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.active.Store(-1)
	return b
}

// Store publishes a snapshot. Writer-side only.
func (b *Buffer) Store(s State) {
	idx := int32(0)
	if b.active.Load() == 0 {
		idx = 1
	}
	sl := &b.slices[idx]
	sl.seq.Add(1) // odd: locked
	sl.words[wordX].Store(math.Float32bits(s.X))
	sl.words[wordY].Store(math.Float32bits(s.Y))
	sl.words[wordScale].Store(math.Float32bits(s.Scale))
	sl.words[wordDpr].Store(math.Float32bits(s.Dpr))
	sl.words[wordWidth].Store(math.Float32bits(s.Width))
	sl.words[wordHeight].Store(math.Float32bits(s.Height))
	dirty := uint32(0)
	if s.Dirty {
		dirty = 1
	}
	sl.words[wordDirty].Store(dirty)
	sl.words[wordReserved].Store(0)
	var id [SheetIDSize]byte
	copy(id[:], s.SheetID)
	for i := 0; i < SheetIDSize/4; i++ {
		w := uint32(id[i*4]) | uint32(id[i*4+1])<<8 | uint32(id[i*4+2])<<16 | uint32(id[i*4+3])<<24
		sl.words[wordSheetID+i].Store(w)
	}
	sl.seq.Add(1) // even: ready
	b.active.Store(idx)
}

// Load reads the latest complete snapshot. It reports false when nothing
// has been published yet or the slice was caught mid-write; the caller
// simply reads again next frame.
func (b *Buffer) Load() (State, bool) {
	idx := b.active.Load()
	if idx < 0 {
		return State{}, false
	}
	sl := &b.slices[idx]
	before := sl.seq.Load()
	if before == 0 || before%2 != 0 {
		return State{}, false
	}
	s := State{
		X:      math.Float32frombits(sl.words[wordX].Load()),
		Y:      math.Float32frombits(sl.words[wordY].Load()),
		Scale:  math.Float32frombits(sl.words[wordScale].Load()),
		Dpr:    math.Float32frombits(sl.words[wordDpr].Load()),
		Width:  math.Float32frombits(sl.words[wordWidth].Load()),
		Height: math.Float32frombits(sl.words[wordHeight].Load()),
		Dirty:  sl.words[wordDirty].Load() != 0,
	}
	var id [SheetIDSize]byte
	for i := 0; i < SheetIDSize/4; i++ {
		w := sl.words[wordSheetID+i].Load()
		id[i*4] = byte(w)
		id[i*4+1] = byte(w >> 8)
		id[i*4+2] = byte(w >> 16)
		id[i*4+3] = byte(w >> 24)
	}
	n := 0
	for n < SheetIDSize && id[n] != 0 {
		n++
	}
	s.SheetID = string(id[:n])
	if sl.seq.Load() != before {
		return State{}, false
	}
	return s, true
}
