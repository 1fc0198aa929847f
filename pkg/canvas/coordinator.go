package canvas

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"AveCanvas/pkg/compress"
	"AveCanvas/pkg/tile"
	"AveCanvas/pkg/utils"
)

var logger = utils.GetLogger("avecanvas")

// Coordinator is the process-facing facade over one canvas's tile store: it
// owns the buffer pool, runs the periodic reclamation cycle and fans out
// notification events.
type Coordinator struct {
	conf  Config
	id    string
	store *tile.Store
	pool  *tile.BufferPool
	bc    broadcaster

	mu      sync.Mutex
	cond    *utils.Cond
	stopped bool
	done    chan struct{}
}

// New validates conf, builds the store for the canvas and starts the
// background reclamation cycle.
func New(conf Config) (*Coordinator, error) {
	if err := conf.Check(); err != nil {
		return nil, err
	}
	compressor := compress.NewCompressor(conf.Compression)
	if compressor == nil {
		return nil, errors.Errorf("unsupported compress algorithm: %s", conf.Compression)
	}

	c := &Coordinator{
		conf: conf,
		id:   uuid.New().String(),
		pool: tile.NewBufferPool(tile.PoolConfig{
			InitialFree:  conf.PoolInitialFree,
			GrowthFactor: conf.PoolGrowthFactor,
			MaxBytes:     conf.PoolMaxBytes,
		}),
		done: make(chan struct{}),
	}
	c.cond = utils.NewCond(&c.mu)

	tilesX, tilesY := conf.Grid()
	capacity := int(conf.CacheBudget) / conf.TileBytes()
	if capacity < 1 {
		capacity = 1
	}
	store, err := tile.NewStore(tile.Config{
		TileSize:          conf.TileSize,
		TilesX:            tilesX,
		TilesY:            tilesY,
		CacheCapacity:     capacity,
		CompressTrigger:   conf.CompressTrigger,
		EvictionAge:       conf.EvictionAge,
		CompressBandwidth: conf.CompressBandwidth,
		Compressor:        compressor,
		Pool:              c.pool,
		OnCompress: func(co tile.Coord, raw, comp int) {
			c.bc.publish(Event{
				Type: EvCompress, Time: time.Now(), Session: c.id,
				Tile: co, RawSize: raw, CompressedSize: comp,
			})
		},
		OnPressure: func() { c.cond.Signal() },
	})
	if err != nil {
		return nil, err
	}
	c.store = store

	go c.reclaimLoop()
	logger.Infof("canvas %dx%d: %dx%d tiles of %dpx, cache %d tiles, %s compression",
		conf.Width, conf.Height, tilesX, tilesY, conf.TileSize, capacity, compressor.Name())
	c.bc.publish(Event{Type: EvInit, Time: time.Now(), Session: c.id})
	return c, nil
}

// ID returns the session id carried by all events of this coordinator.
func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) reclaimLoop() {
	defer close(c.done)
	var last time.Time
	c.mu.Lock()
	for !c.stopped {
		timedOut := c.cond.WaitWithTimeout(c.conf.ReclaimInterval)
		if c.stopped {
			break
		}
		if !timedOut && time.Since(last) < time.Second {
			continue // pressure wakes are rate limited
		}
		c.mu.Unlock()
		c.Reclaim()
		last = time.Now()
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// GetTile returns a referenced tile handle; pair with ReleaseTile.
func (c *Coordinator) GetTile(x, y int32) (*tile.Tile, error) {
	return c.store.Get(x, y)
}

// MarkTileDirty records a touched region of a tile; nil means the whole
// tile.
func (c *Coordinator) MarkTileDirty(x, y int32, region *tile.Rect) {
	c.store.MarkDirty(x, y, region)
}

// TilesInRegion maps a canvas rectangle to the overlapped tile coordinates.
func (c *Coordinator) TilesInRegion(r tile.Rect) []tile.Coord {
	return c.store.TilesInRegion(r)
}

func (c *Coordinator) ReleaseTile(x, y int32) {
	c.store.Release(x, y)
}

func (c *Coordinator) MemoryStats() tile.MemoryStats {
	return c.store.Stats()
}

func (c *Coordinator) PoolStats() tile.PoolStats {
	return c.pool.Stats()
}

// Reclaim forces a reclamation cycle and publishes its summary.
func (c *Coordinator) Reclaim() tile.ReclaimSummary {
	sum := c.store.Reclaim()
	c.bc.publish(Event{Type: EvReclaim, Time: time.Now(), Session: c.id, Reclaim: &sum})
	return sum
}

func (c *Coordinator) Clear() {
	c.store.Clear()
}

// Subscribe registers an event listener. The channel is closed on
// Unsubscribe or Shutdown.
func (c *Coordinator) Subscribe() (uint64, <-chan Event) {
	return c.bc.subscribe()
}

func (c *Coordinator) Unsubscribe(id uint64) {
	c.bc.unsubscribe(id)
}

// Shutdown stops the reclamation cycle, releases every tile buffer and
// closes all event subscriptions. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.cond.Broadcast()
	<-c.done

	c.store.Clear()
	c.bc.closeAll()
	logger.Infof("canvas session %s shut down", c.id)
}
