package canvas

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultTileSize        = 256
	DefaultCacheBudget     = 64 << 20
	DefaultReclaimInterval = 30 * time.Second
	DefaultEvictionAge     = 5 * time.Minute
	DefaultCompression     = "lz4"
)

// Config describes one managed canvas. Zero fields are filled with
// defaults by Check.
type Config struct {
	// Canvas dimensions in pixels.
	Width  int32
	Height int32
	// TileSize is the tile side in pixels; one of 256, 512 or 1024.
	TileSize int32

	// CacheBudget is the byte budget for resident tiles; the recency cache
	// capacity is the budget divided by the tile byte size.
	CacheBudget int64
	// CompressTrigger is the resident byte level above which cold tiles are
	// compressed eagerly. Defaults to half the cache budget. Independent of
	// EvictionAge.
	CompressTrigger int64
	// Compression algorithm (lz4, zstd, zlib, none).
	Compression string
	// EvictionAge destroys tiles untouched for this long.
	EvictionAge time.Duration
	// ReclaimInterval is the period of the background reclamation cycle.
	ReclaimInterval time.Duration
	// CompressBandwidth caps background compression in raw bytes per
	// second. Zero means unlimited.
	CompressBandwidth int64

	// Buffer pool knobs.
	PoolInitialFree  int
	PoolGrowthFactor float64
	PoolMaxBytes     int64
}

func (c *Config) Check() error {
	if c.Width <= 0 || c.Height <= 0 {
		return errors.New("canvas dimensions are required")
	}
	if c.TileSize == 0 {
		c.TileSize = DefaultTileSize
	}
	switch c.TileSize {
	case 256, 512, 1024:
	default:
		return errors.Errorf("unsupported tile size: %d", c.TileSize)
	}
	if c.CacheBudget <= 0 {
		c.CacheBudget = DefaultCacheBudget
	}
	if c.CompressTrigger <= 0 {
		c.CompressTrigger = c.CacheBudget / 2
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.EvictionAge <= 0 {
		c.EvictionAge = DefaultEvictionAge
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.PoolInitialFree <= 0 {
		c.PoolInitialFree = 4
	}
	if c.PoolGrowthFactor <= 0 {
		c.PoolGrowthFactor = 2
	}
	return nil
}

// TileBytes is the RGBA byte size of one tile.
func (c *Config) TileBytes() int {
	return int(c.TileSize) * int(c.TileSize) * 4
}

// Grid returns the tile grid dimensions covering the canvas.
func (c *Config) Grid() (tilesX, tilesY int32) {
	return (c.Width + c.TileSize - 1) / c.TileSize,
		(c.Height + c.TileSize - 1) / c.TileSize
}
