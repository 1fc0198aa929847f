package tile

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AveCanvas/pkg/compress"
)

const noPressure = int64(1) << 40

func newTestStore(t *testing.T, conf Config) *Store {
	t.Helper()
	if conf.TileSize == 0 {
		conf.TileSize = 256
	}
	if conf.TilesX == 0 {
		conf.TilesX = 3
	}
	if conf.TilesY == 0 {
		conf.TilesY = 3
	}
	if conf.CacheCapacity == 0 {
		conf.CacheCapacity = 16
	}
	if conf.Compressor == nil {
		conf.Compressor = compress.NewCompressor("zlib")
	}
	if conf.Pool == nil {
		conf.Pool = NewBufferPool(PoolConfig{InitialFree: 4, GrowthFactor: 2})
	}
	s, err := NewStore(conf)
	require.NoError(t, err)
	return s
}

func TestGetCreatesEmptyTile(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})
	tl, err := s.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, tl.State())
	assert.EqualValues(t, 1, tl.Refs())
	px := tl.Pixels()
	require.Len(t, px, 256*256*BytesPerPixel)
	for i, b := range px {
		if b != 0 {
			t.Fatalf("pixel %d not zeroed: %d", i, b)
		}
	}
	st := s.Stats()
	assert.Equal(t, 1, st.TilesTotal)
	assert.Equal(t, 1, st.TilesCached)
}

func TestInvalidCoordinate(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})
	for _, c := range []Coord{{-1, 0}, {0, -1}, {3, 0}, {0, 3}} {
		_, err := s.Get(c.X, c.Y)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "(%d,%d)", c.X, c.Y)
	}
}

func TestWrappedSentinels(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})

	// both sentinels must be reachable through the wrap chain
	_, err := s.Get(9, 9)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
	err = s.readBlob([]byte{0xde, 0xad}, make([]byte, s.tileBytes()))
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestTilesInRegion(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})

	assert.Equal(t, []Coord{{1, 1}}, s.TilesInRegion(Rect{300, 300, 10, 10}))
	assert.Equal(t, []Coord{{0, 0}, {1, 0}}, s.TilesInRegion(Rect{250, 0, 20, 1}))

	// clipped to the grid
	assert.Equal(t, []Coord{{0, 0}}, s.TilesInRegion(Rect{-100, -100, 150, 150}))
	assert.Equal(t, []Coord{{2, 2}}, s.TilesInRegion(Rect{700, 700, 5000, 5000}))
	assert.Nil(t, s.TilesInRegion(Rect{-50, 0, 10, 10}))
	assert.Nil(t, s.TilesInRegion(Rect{0, 0, 0, 10}))

	// extreme extents must not wrap the edge arithmetic
	huge := int32(math.MaxInt32)
	assert.Equal(t, []Coord{{0, 0}, {1, 0}, {2, 0}},
		s.TilesInRegion(Rect{0, 0, huge, 1}))
	assert.Equal(t, 9, len(s.TilesInRegion(Rect{-100, -100, huge, huge})))
	assert.Nil(t, s.TilesInRegion(Rect{huge, huge, huge, huge}))

	// no tiles were created by the coordinate math
	assert.Equal(t, 0, s.Stats().TilesTotal)
}

func TestDirtyRegionUnion(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})
	tl, err := s.Get(0, 0)
	require.NoError(t, err)

	s.MarkDirty(0, 0, &Rect{0, 0, 10, 10})
	s.MarkDirty(0, 0, &Rect{5, 5, 10, 10})
	r, ok := tl.DirtyRegion()
	require.True(t, ok)
	assert.Equal(t, Rect{0, 0, 15, 15}, r)
	assert.Equal(t, StateDirty, tl.State())

	// omitted region marks the whole tile
	s.MarkDirty(0, 0, nil)
	r, _ = tl.DirtyRegion()
	assert.Equal(t, Rect{0, 0, 256, 256}, r)

	// unknown tile is a logged no-op
	s.MarkDirty(2, 2, nil)
	assert.Equal(t, 1, s.Stats().TilesTotal)
}

func TestIdempotentRelease(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})
	tl, err := s.Get(1, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Release(1, 1)
	}
	assert.EqualValues(t, 0, tl.Refs())

	_, err = s.Get(1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tl.Refs())
}

func TestReclaimScenario(t *testing.T) {
	// canvas 600x600 with 256px tiles gives a 3x3 grid
	s := newTestStore(t, Config{CompressTrigger: 0})
	tl, err := s.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, tl.State())

	s.MarkDirty(0, 0, nil)
	s.Release(0, 0)
	s.Reclaim()

	assert.Equal(t, StateCompressed, tl.State())
	assert.Nil(t, tl.Pixels())
	assert.Equal(t, 1, s.Stats().TilesCompressed)

	// the dirty marker survives the compression round trip
	back, err := s.Get(0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateDirty, back.State())
	r, ok := back.DirtyRegion()
	require.True(t, ok)
	assert.Equal(t, Rect{0, 0, 256, 256}, r)
	require.Len(t, back.Pixels(), 256*256*BytesPerPixel)
}

func TestReclaimSkipsReferenced(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: 0, EvictionAge: time.Nanosecond})
	tl, err := s.Get(0, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	sum := s.Reclaim()
	assert.Equal(t, 0, sum.TilesCompressed)
	assert.Equal(t, 0, sum.TilesEvicted)
	assert.NotEqual(t, StateCompressed, tl.State())
	assert.Equal(t, 1, s.Stats().TilesTotal)

	// once released and cold, the tile ages out entirely
	s.Release(0, 0)
	time.Sleep(5 * time.Millisecond)
	sum = s.Reclaim()
	assert.Equal(t, 1, sum.TilesEvicted)
	assert.Equal(t, 0, s.Stats().TilesTotal)
}

func TestCacheOverflowCompressesCold(t *testing.T) {
	s := newTestStore(t, Config{CacheCapacity: 2, CompressTrigger: noPressure})

	held, err := s.Get(0, 0)
	require.NoError(t, err)
	_, err = s.Get(1, 0)
	require.NoError(t, err)
	s.Release(1, 0)

	// third tile displaces (0,0); it is still referenced so it gets
	// re-admitted and (1,0) is compressed instead
	_, err = s.Get(2, 0)
	require.NoError(t, err)

	assert.NotEqual(t, StateCompressed, held.State())
	assert.NotNil(t, held.Pixels())

	s.mu.Lock()
	cold := s.tiles[Coord{1, 0}]
	readmitted := s.cache.Contains(Coord{0, 0})
	s.mu.Unlock()
	assert.True(t, readmitted, "a live tile must never fall out of the cache")
	assert.Equal(t, StateCompressed, cold.State())
}

func TestAccountingInvariant(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: 0})
	for y := int32(0); y < 3; y++ {
		for x := int32(0); x < 3; x++ {
			_, err := s.Get(x, y)
			require.NoError(t, err)
			if (x+y)%2 == 0 {
				s.Release(x, y)
			}
		}
	}
	s.Reclaim()

	var want int64
	s.mu.Lock()
	for _, tl := range s.tiles {
		tl.mu.Lock()
		want += int64(tl.residentBytes())
		tl.mu.Unlock()
	}
	s.mu.Unlock()
	assert.Equal(t, want, s.Stats().TotalResidentBytes)
}

func TestCorruptedBlobResetsTile(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: 0})
	tl, err := s.Get(0, 0)
	require.NoError(t, err)
	px := tl.Pixels()
	for i := range px {
		px[i] = byte(i)
	}
	s.MarkDirty(0, 0, nil)
	s.Release(0, 0)
	s.Reclaim()
	require.Equal(t, StateCompressed, tl.State())

	tl.mu.Lock()
	for i := range tl.compressed {
		tl.compressed[i] ^= 0xa5
	}
	tl.mu.Unlock()

	back, err := s.Get(0, 0)
	require.NoError(t, err, "corruption is data loss, not a hard failure")
	assert.Equal(t, StateEmpty, back.State())
	_, dirty := back.DirtyRegion()
	assert.False(t, dirty)
	for i, b := range back.Pixels() {
		if b != 0 {
			t.Fatalf("pixel %d not zeroed after reset: %d", i, b)
		}
	}
	assert.Equal(t, 0, s.Stats().TilesCompressed)
}

func TestHitRatio(t *testing.T) {
	s := newTestStore(t, Config{CompressTrigger: noPressure})
	_, err := s.Get(0, 0) // miss
	require.NoError(t, err)
	_, err = s.Get(0, 0) // hit
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.Stats().CacheHitRatio, 1e-9)

	s.Clear()
	assert.Zero(t, s.Stats().CacheHitRatio)
	assert.Equal(t, 0, s.Stats().TilesTotal)
	assert.EqualValues(t, 0, s.Stats().TotalResidentBytes)
}

func TestCompressionEvents(t *testing.T) {
	var events []Coord
	var pressured bool
	s := newTestStore(t, Config{
		CompressTrigger: 0,
		OnCompress:      func(c Coord, raw, comp int) { events = append(events, c) },
		OnPressure:      func() { pressured = true },
	})
	_, err := s.Get(0, 0)
	require.NoError(t, err)
	s.Release(0, 0)
	s.Reclaim()
	assert.True(t, pressured)
	assert.NotEmpty(t, events)
	assert.Equal(t, Coord{0, 0}, events[0])
}
