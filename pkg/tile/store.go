package tile

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/ratelimit"
	"github.com/pkg/errors"

	"AveCanvas/pkg/compress"
	"AveCanvas/pkg/utils"
)

var logger = utils.GetLogger("avecanvas")

var (
	// ErrInvalidCoordinate is returned for tile accesses outside the grid.
	ErrInvalidCoordinate = errors.New("coordinate outside the tile grid")
	// ErrCorruptedData means a compressed blob did not round-trip. The tile
	// is reset to empty; upstream canvas data is authoritative.
	ErrCorruptedData = errors.New("compressed tile data is corrupted")

	errTileGone = errors.New("tile destroyed while being acquired")
)

// Compressed blob layout: 8-byte xxhash64 of the raw pixels, 4-byte raw
// length, then the codec output.
const blobHeaderSize = 12

type Config struct {
	TileSize int32 // pixels per side
	TilesX   int32
	TilesY   int32

	// CacheCapacity is the number of resident tiles tracked in recency
	// order.
	CacheCapacity int
	// CompressTrigger is the pixel-resident byte level at or above which
	// cold tiles get compressed. Zero compresses every eligible tile.
	CompressTrigger int64
	// EvictionAge is how long an unreferenced tile may stay untouched
	// before reclamation destroys it. Zero disables age eviction.
	EvictionAge time.Duration
	// CompressBandwidth caps background compression throughput in raw
	// bytes per second. Zero means unlimited.
	CompressBandwidth int64

	Compressor compress.Compressor
	Pool       *BufferPool

	// OnCompress is called after a tile is compressed with the raw and
	// compressed sizes. Optional.
	OnCompress func(c Coord, rawSize, compressedSize int)
	// OnPressure is called when pixel-resident bytes reach
	// CompressTrigger. Optional.
	OnPressure func()
}

// Store owns the tile grid of one canvas and drives the state transitions
// between resident and compressed tiles.
type Store struct {
	conf Config
	bw   *ratelimit.Bucket

	mu    sync.Mutex
	tiles map[Coord]*Tile
	cache *RecencyCache[Coord, *Tile]

	resident    atomic.Int64 // bytes in pixel buffers
	blobBytes   atomic.Int64 // bytes in compressed blobs
	nCompressed atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
}

type MemoryStats struct {
	TotalResidentBytes int64   `json:"total_resident_bytes"`
	TilesTotal         int     `json:"tiles_total"`
	TilesCached        int     `json:"tiles_cached"`
	TilesCompressed    int     `json:"tiles_compressed"`
	CacheHitRatio      float64 `json:"cache_hit_ratio"`
}

type ReclaimSummary struct {
	BytesFreed      int64         `json:"bytes_freed"`
	TilesCompressed int           `json:"tiles_compressed"`
	TilesEvicted    int           `json:"tiles_evicted"`
	TilesRemaining  int           `json:"tiles_remaining"`
	Elapsed         time.Duration `json:"elapsed"`
}

func NewStore(conf Config) (*Store, error) {
	if conf.TileSize <= 0 || conf.TilesX <= 0 || conf.TilesY <= 0 {
		return nil, errors.New("tile grid is not configured")
	}
	if conf.Compressor == nil {
		return nil, errors.New("compressor is required")
	}
	if conf.Pool == nil {
		return nil, errors.New("buffer pool is required")
	}
	cache, err := NewRecencyCache[Coord, *Tile](conf.CacheCapacity)
	if err != nil {
		return nil, err
	}
	s := &Store{
		conf:  conf,
		tiles: make(map[Coord]*Tile),
		cache: cache,
	}
	if conf.CompressBandwidth > 0 {
		s.bw = ratelimit.NewBucketWithRate(float64(conf.CompressBandwidth), conf.CompressBandwidth)
	}
	return s, nil
}

func (s *Store) tileBytes() int {
	return int(s.conf.TileSize) * int(s.conf.TileSize) * BytesPerPixel
}

// Get returns the tile at (x,y) with its reference count incremented. A
// compressed tile is decompressed first; an unknown coordinate gets a fresh
// zero-filled tile. Callers pair every Get with a Release.
func (s *Store) Get(x, y int32) (*Tile, error) {
	if x < 0 || y < 0 || x >= s.conf.TilesX || y >= s.conf.TilesY {
		return nil, errors.Wrapf(ErrInvalidCoordinate, "tile (%d,%d)", x, y)
	}
	c := Coord{x, y}
	for {
		s.mu.Lock()
		t, ok := s.tiles[c]
		if ok {
			if s.cache.Contains(c) {
				s.hits.Add(1)
			} else {
				s.misses.Add(1)
			}
			s.mu.Unlock()
			if err := s.acquire(t); err != nil {
				// destroyed between lookup and acquire; start over
				continue
			}
			return t, nil
		}
		s.misses.Add(1)
		s.mu.Unlock()

		t = s.createTile(c)
		s.mu.Lock()
		if cur, ok := s.tiles[c]; ok {
			// lost a create race, keep the winner's tile
			s.mu.Unlock()
			s.conf.Pool.Deallocate(t.pixels)
			if err := s.acquire(cur); err != nil {
				continue
			}
			return cur, nil
		}
		s.tiles[c] = t
		_, evicted, hadEvict := s.cache.Set(c, t)
		s.mu.Unlock()

		s.resident.Add(int64(len(t.pixels)))
		s.checkPressure()
		if hadEvict {
			s.demote(evicted)
		}
		return t, nil
	}
}

func (s *Store) createTile(c Coord) *Tile {
	buf, err := s.conf.Pool.Allocate(s.tileBytes())
	if err != nil {
		logger.Warnf("allocate tile (%d,%d): %s", c.X, c.Y, err)
	}
	clear(buf) // recycled buffers carry old pixels
	t := &Tile{coord: c, state: StateEmpty, pixels: buf, refs: 1}
	t.touch()
	return t
}

// acquire bumps the reference count, decompressing first if needed, and
// (re)admits the tile to the recency cache.
func (s *Store) acquire(t *Tile) error {
	t.mu.Lock()
	if t.gone {
		t.mu.Unlock()
		return errTileGone
	}
	t.refs++
	t.touch()
	if t.state == StateCompressed {
		s.inflateLocked(t)
	}
	t.mu.Unlock()

	s.mu.Lock()
	_, evicted, hadEvict := s.cache.Set(t.coord, t)
	s.mu.Unlock()
	if hadEvict {
		s.demote(evicted)
	}
	return nil
}

// Release drops one reference. The count never goes below zero. When the
// last holder lets go under memory pressure the tile is compressed eagerly
// instead of waiting for the next reclamation cycle.
func (s *Store) Release(x, y int32) {
	s.mu.Lock()
	t := s.tiles[Coord{x, y}]
	s.mu.Unlock()
	if t == nil {
		logger.Debugf("release of unknown tile (%d,%d)", x, y)
		return
	}
	var compressed bool
	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	if t.refs == 0 && s.resident.Load() >= s.conf.CompressTrigger {
		compressed = s.compressLocked(t)
	}
	t.mu.Unlock()
	if compressed {
		s.mu.Lock()
		s.cache.Delete(t.coord)
		s.mu.Unlock()
	}
}

// MarkDirty records r (tile-local pixels) as touched since the last flush;
// a nil region marks the whole tile. Unknown coordinates are a collaborator
// error and only logged.
func (s *Store) MarkDirty(x, y int32, region *Rect) {
	s.mu.Lock()
	t := s.tiles[Coord{x, y}]
	s.mu.Unlock()
	if t == nil {
		logger.Debugf("mark dirty on missing tile (%d,%d)", x, y)
		return
	}
	full := Rect{0, 0, s.conf.TileSize, s.conf.TileSize}
	r := full
	if region != nil {
		r = region.Intersect(full)
		if r.Empty() {
			return
		}
	}
	t.mu.Lock()
	t.markDirty(r)
	t.mu.Unlock()
}

// TilesInRegion maps a canvas-space rectangle to the grid coordinates it
// overlaps, clipped to the grid. Pure coordinate math; no tiles are created.
func (s *Store) TilesInRegion(r Rect) []Coord {
	if r.Empty() {
		return nil
	}
	// int64 so huge rectangles cannot wrap around the int32 edge arithmetic
	ts := int64(s.conf.TileSize)
	rx, ry := int64(r.X), int64(r.Y)
	if rx+int64(r.W) <= 0 || ry+int64(r.H) <= 0 ||
		rx >= int64(s.conf.TilesX)*ts || ry >= int64(s.conf.TilesY)*ts {
		return nil
	}
	x0 := int32(max(rx, 0) / ts)
	y0 := int32(max(ry, 0) / ts)
	x1 := int32(min((rx+int64(r.W)-1)/ts, int64(s.conf.TilesX-1)))
	y1 := int32(min((ry+int64(r.H)-1)/ts, int64(s.conf.TilesY-1)))
	if x1 < x0 || y1 < y0 {
		return nil
	}
	out := make([]Coord, 0, int(x1-x0+1)*int(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, Coord{x, y})
		}
	}
	return out
}

// Reclaim sweeps tiles in cold-first order: tiles untouched longer than the
// eviction age are destroyed, and while pixel-resident bytes stay at or
// above the compression trigger, unreferenced resident tiles are
// compressed. Referenced tiles are always skipped.
func (s *Store) Reclaim() ReclaimSummary {
	start := time.Now()
	s.mu.Lock()
	candidates := make([]*Tile, 0, len(s.tiles))
	for _, t := range s.tiles {
		candidates = append(candidates, t)
	}
	s.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].atime.Load() < candidates[j].atime.Load()
	})

	var sum ReclaimSummary
	for _, t := range candidates {
		age := start.Sub(time.Unix(0, t.atime.Load()))
		if s.conf.EvictionAge > 0 && age > s.conf.EvictionAge {
			freed, ok := s.evict(t)
			sum.BytesFreed += freed
			if ok {
				sum.TilesEvicted++
			}
			continue
		}
		if s.resident.Load() < s.conf.CompressTrigger {
			continue
		}
		t.mu.Lock()
		eligible := t.refs == 0 && !t.gone && t.pixels != nil
		t.mu.Unlock()
		if !eligible {
			continue
		}
		if s.bw != nil {
			// throttle outside the tile lock so a foreground Get is
			// never stalled behind the limiter
			s.bw.Wait(int64(s.tileBytes()))
		}
		var freed int64
		t.mu.Lock()
		if t.refs == 0 && !t.gone { // may have been re-referenced; skip
			raw := len(t.pixels)
			if s.compressLocked(t) {
				sum.TilesCompressed++
				freed = int64(raw - len(t.compressed))
			}
		}
		t.mu.Unlock()
		if freed > 0 {
			sum.BytesFreed += freed
			s.mu.Lock()
			s.cache.Delete(t.coord)
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	sum.TilesRemaining = len(s.tiles)
	s.mu.Unlock()
	sum.Elapsed = time.Since(start)
	logger.Debugf("reclaim: freed %d bytes, compressed %d, evicted %d, %d tiles remain in %s",
		sum.BytesFreed, sum.TilesCompressed, sum.TilesEvicted, sum.TilesRemaining, sum.Elapsed)
	return sum
}

// evict destroys an unreferenced tile, returning its buffer to the pool.
// Reports the bytes freed and whether the tile was actually destroyed; a
// tile re-referenced in the meantime is skipped (reclaim lost the race, not
// an error).
func (s *Store) evict(t *Tile) (int64, bool) {
	t.mu.Lock()
	if t.refs > 0 || t.gone {
		t.mu.Unlock()
		return 0, false
	}
	var freed int64
	if t.pixels != nil {
		freed = int64(len(t.pixels))
		s.conf.Pool.Deallocate(t.pixels)
		t.pixels = nil
		s.resident.Add(-freed)
	}
	if t.compressed != nil {
		freed = int64(len(t.compressed))
		t.compressed = nil
		s.blobBytes.Add(-freed)
		s.nCompressed.Add(-1)
	}
	t.gone = true
	t.mu.Unlock()

	s.mu.Lock()
	delete(s.tiles, t.coord)
	s.cache.Delete(t.coord)
	s.mu.Unlock()
	return freed, true
}

// demote handles a tile that fell off the recency cache: unreferenced tiles
// are compressed, live ones are re-admitted so a held tile is never lost.
// The seen set stops the readmission chain once every cached tile turned out
// to be referenced; a tile left uncached that way is still in the grid and
// re-enters the cache on its next access.
func (s *Store) demote(t *Tile) {
	seen := make(map[Coord]bool)
	for t != nil && !seen[t.coord] {
		seen[t.coord] = true

		t.mu.Lock()
		if t.gone {
			t.mu.Unlock()
			return
		}
		if t.refs == 0 {
			s.compressLocked(t)
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		s.mu.Lock()
		_, evicted, hadEvict := s.cache.Set(t.coord, t)
		s.mu.Unlock()
		if !hadEvict {
			return
		}
		t = evicted
	}
}

// compressLocked swaps the pixel buffer for a compressed blob. Caller holds
// t.mu with t.refs == 0. Returns false when the tile is already compressed
// or compression would not save space (the tile stays resident and is
// retried on a later cycle). The dirty region, if any, survives.
func (s *Store) compressLocked(t *Tile) bool {
	if t.state == StateCompressed || t.pixels == nil {
		return false
	}
	blob, err := s.deflate(t.pixels)
	if err != nil {
		logger.Warnf("compress tile (%d,%d): %s", t.coord.X, t.coord.Y, err)
		return false
	}
	if blob == nil { // no saving
		return false
	}
	raw := len(t.pixels)
	s.conf.Pool.Deallocate(t.pixels)
	t.pixels = nil
	t.compressed = blob
	t.state = StateCompressed
	s.resident.Add(-int64(raw))
	s.blobBytes.Add(int64(len(blob)))
	s.nCompressed.Add(1)
	if f := s.conf.OnCompress; f != nil {
		f(t.coord, raw, len(blob))
	}
	return true
}

// deflate produces a checksummed blob, or nil when compression saves
// nothing.
func (s *Store) deflate(raw []byte) ([]byte, error) {
	scratch := make([]byte, blobHeaderSize+s.conf.Compressor.CompressBound(len(raw)))
	n, err := s.conf.Compressor.Compress(scratch[blobHeaderSize:], raw)
	if err != nil {
		return nil, err
	}
	if blobHeaderSize+n >= len(raw) {
		return nil, nil
	}
	binary.LittleEndian.PutUint64(scratch, xxhash.Sum64(raw))
	binary.LittleEndian.PutUint32(scratch[8:], uint32(len(raw)))
	blob := make([]byte, blobHeaderSize+n)
	copy(blob, scratch)
	return blob, nil
}

// inflateLocked repopulates the pixel buffer from the compressed blob.
// Caller holds t.mu. A corrupted blob resets the tile to empty: the data is
// lost, equivalent to the tile having been evicted and never drawn.
func (s *Store) inflateLocked(t *Tile) {
	blob := t.compressed
	t.state = StateLoading
	buf, err := s.conf.Pool.Allocate(s.tileBytes())
	if err != nil {
		logger.Warnf("inflate tile (%d,%d): %s", t.coord.X, t.coord.Y, err)
	}
	rerr := s.readBlob(blob, buf)
	t.compressed = nil
	s.blobBytes.Add(-int64(len(blob)))
	s.nCompressed.Add(-1)
	t.pixels = buf
	s.resident.Add(int64(len(buf)))
	if rerr != nil {
		logger.Errorf("tile (%d,%d): %s; resetting to empty", t.coord.X, t.coord.Y, rerr)
		clear(buf)
		t.dirty = nil
		t.state = StateEmpty
	} else if t.dirty != nil {
		t.state = StateDirty
	} else {
		t.state = StateClean
	}
	s.checkPressure()
}

// readBlob validates and decompresses a blob into buf.
func (s *Store) readBlob(blob, buf []byte) error {
	if len(blob) < blobHeaderSize {
		return errors.Wrap(ErrCorruptedData, "truncated header")
	}
	want := binary.LittleEndian.Uint64(blob)
	rawLen := int(binary.LittleEndian.Uint32(blob[8:]))
	if rawLen != len(buf) {
		return errors.Wrapf(ErrCorruptedData, "raw length %d, tile is %d", rawLen, len(buf))
	}
	n, err := s.conf.Compressor.Decompress(buf, blob[blobHeaderSize:])
	if err != nil {
		return errors.Wrap(ErrCorruptedData, err.Error())
	}
	if n != rawLen {
		return errors.Wrapf(ErrCorruptedData, "decompressed to %d of %d bytes", n, rawLen)
	}
	if xxhash.Sum64(buf) != want {
		return errors.Wrap(ErrCorruptedData, "checksum mismatch")
	}
	return nil
}

func (s *Store) checkPressure() {
	if f := s.conf.OnPressure; f != nil && s.resident.Load() >= s.conf.CompressTrigger {
		f()
	}
}

// Stats is a pure read of the aggregate accounting.
func (s *Store) Stats() MemoryStats {
	s.mu.Lock()
	cached := s.cache.Len()
	total := len(s.tiles)
	s.mu.Unlock()
	hits := s.hits.Load()
	misses := s.misses.Load()
	var ratio float64
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return MemoryStats{
		TotalResidentBytes: s.resident.Load() + s.blobBytes.Load(),
		TilesTotal:         total,
		TilesCached:        cached,
		TilesCompressed:    int(s.nCompressed.Load()),
		CacheHitRatio:      ratio,
	}
}

// Clear returns every buffer to the pool and resets the store to its
// initial state, counters included.
func (s *Store) Clear() {
	s.mu.Lock()
	tiles := s.tiles
	s.tiles = make(map[Coord]*Tile)
	s.cache.Clear()
	s.mu.Unlock()

	for _, t := range tiles {
		t.mu.Lock()
		if t.pixels != nil {
			s.conf.Pool.Deallocate(t.pixels)
			t.pixels = nil
		}
		t.compressed = nil
		t.gone = true
		t.mu.Unlock()
	}
	s.resident.Store(0)
	s.blobBytes.Store(0)
	s.nCompressed.Store(0)
	s.hits.Store(0)
	s.misses.Store(0)
}
