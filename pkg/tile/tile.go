package tile

import (
	"sync"
	"sync/atomic"
	"time"
)

// State of one tile in its lifecycle.
type State uint8

const (
	// StateEmpty: buffer allocated and zero-filled, never drawn on.
	StateEmpty State = iota
	// StateClean: pixels resident, nothing pending.
	StateClean
	// StateDirty: pixels resident with a pending dirty region.
	StateDirty
	// StateCompressed: only the compressed blob is resident.
	StateCompressed
	// StateLoading: pixels being repopulated from the compressed blob.
	StateLoading
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateCompressed:
		return "compressed"
	case StateLoading:
		return "loading"
	}
	return "unknown"
}

// Tile is one grid cell of the canvas. The pixel buffer belongs to the
// store's BufferPool. Exactly one of pixels/compressed is populated, except
// transiently inside a state transition under mu.
type Tile struct {
	coord Coord

	mu         sync.Mutex
	state      State
	pixels     []byte
	compressed []byte
	dirty      *Rect
	refs       int32
	gone       bool // destroyed by reclamation; any cached pointer is stale

	atime atomic.Int64 // unix nanoseconds of the last access
}

func (t *Tile) Coord() Coord { return t.coord }

func (t *Tile) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pixels returns the resident pixel buffer, or nil while the tile is
// compressed. The caller must hold a reference obtained from Store.Get.
func (t *Tile) Pixels() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pixels
}

func (t *Tile) Refs() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

// DirtyRegion returns the pending dirty rectangle in tile-local pixels.
func (t *Tile) DirtyRegion() (Rect, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty == nil {
		return Rect{}, false
	}
	return *t.dirty, true
}

// ClearDirty acknowledges that the dirty region has been flushed by the
// renderer; the store never clears dirtiness on its own.
func (t *Tile) ClearDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = nil
	if t.state == StateDirty {
		t.state = StateClean
	}
}

func (t *Tile) LastAccessed() time.Time {
	return time.Unix(0, t.atime.Load())
}

func (t *Tile) touch() {
	t.atime.Store(time.Now().UnixNano())
}

// markDirty unions r into the dirty region. Caller holds t.mu.
func (t *Tile) markDirty(r Rect) {
	if t.dirty == nil {
		d := r
		t.dirty = &d
	} else {
		d := t.dirty.Union(r)
		t.dirty = &d
	}
	switch t.state {
	case StateEmpty, StateClean, StateLoading:
		t.state = StateDirty
	}
}

// residentBytes is the size of whichever representation is populated.
// Caller holds t.mu.
func (t *Tile) residentBytes() int {
	if t.pixels != nil {
		return len(t.pixels)
	}
	return len(t.compressed)
}
