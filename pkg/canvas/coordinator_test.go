package canvas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AveCanvas/pkg/tile"
)

func testConfig() Config {
	return Config{
		Width:           600,
		Height:          600,
		TileSize:        256,
		CacheBudget:     16 << 20,
		CompressTrigger: 1, // everything is pressure
		Compression:     "zlib",
		ReclaimInterval: time.Hour, // driven manually in tests
		EvictionAge:     time.Hour,
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Width: 800, Height: 600}
	require.NoError(t, c.Check())
	assert.EqualValues(t, DefaultTileSize, c.TileSize)
	assert.Equal(t, DefaultCompression, c.Compression)
	assert.Equal(t, c.CacheBudget/2, c.CompressTrigger)

	x, y := c.Grid()
	assert.EqualValues(t, 4, x)
	assert.EqualValues(t, 3, y)

	bad := Config{Width: 100, Height: 100, TileSize: 300}
	assert.Error(t, bad.Check())
	assert.Error(t, (&Config{}).Check())
}

func TestCoordinatorGrid(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	defer c.Shutdown()

	// 600x600 at 256px tiles is a 3x3 grid
	_, err = c.GetTile(2, 2)
	require.NoError(t, err)
	_, err = c.GetTile(3, 0)
	assert.ErrorIs(t, err, tile.ErrInvalidCoordinate)
	c.ReleaseTile(2, 2)

	coords := c.TilesInRegion(tile.Rect{X: 300, Y: 300, W: 10, H: 10})
	assert.Equal(t, []tile.Coord{{X: 1, Y: 1}}, coords)
}

func TestCoordinatorUnknownCompression(t *testing.T) {
	conf := testConfig()
	conf.Compression = "brotli"
	_, err := New(conf)
	assert.Error(t, err)
}

func TestCoordinatorEvents(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	defer c.Shutdown()

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	_, err = c.GetTile(0, 0)
	require.NoError(t, err)
	c.MarkTileDirty(0, 0, nil)
	c.ReleaseTile(0, 0) // trigger is 1 byte: released tile compresses eagerly
	sum := c.Reclaim()
	assert.Equal(t, 1, sum.TilesRemaining)

	var gotCompress, gotReclaim bool
	for !gotCompress || !gotReclaim {
		select {
		case e := <-ch:
			switch e.Type {
			case EvCompress:
				gotCompress = true
				assert.Equal(t, tile.Coord{X: 0, Y: 0}, e.Tile)
				assert.Greater(t, e.RawSize, e.CompressedSize)
				assert.Equal(t, c.ID(), e.Session)
			case EvReclaim:
				gotReclaim = true
				require.NotNil(t, e.Reclaim)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("missing events")
		}
	}
}

func TestCoordinatorPressureWakesReclaim(t *testing.T) {
	conf := testConfig()
	conf.ReclaimInterval = time.Hour
	c, err := New(conf)
	require.NoError(t, err)
	defer c.Shutdown()

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	// every release under a 1-byte trigger signals pressure; the background
	// loop should run a cycle well before the hour tick
	for i := int32(0); i < 3; i++ {
		_, err := c.GetTile(i, 0)
		require.NoError(t, err)
		c.ReleaseTile(i, 0)
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == EvReclaim {
				return
			}
		case <-deadline:
			t.Fatal("pressure did not wake the reclaim loop")
		}
	}
}

func TestCoordinatorShutdown(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	_, err = c.GetTile(1, 1)
	require.NoError(t, err)
	c.ReleaseTile(1, 1)

	_, ch := c.Subscribe()
	c.Shutdown()
	c.Shutdown() // idempotent

	// the release above may have woken a reclaim cycle whose event landed
	// before the channel closed; drain until it does
	closed := make(chan struct{})
	go func() {
		for range ch {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close on shutdown")
	}
	assert.Equal(t, 0, c.MemoryStats().TilesTotal)
	assert.EqualValues(t, 0, c.MemoryStats().TotalResidentBytes)
}
