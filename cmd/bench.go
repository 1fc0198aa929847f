package main

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/gops/agent"
	"github.com/urfave/cli/v2"

	"AveCanvas/pkg/canvas"
	"AveCanvas/pkg/tile"
	"AveCanvas/pkg/utils"
)

func benchFlags() *cli.Command {
	return &cli.Command{
		Name:   "bench",
		Usage:  "run a synthetic paint workload and report memory behavior",
		Action: bench,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "width",
				Value: 8192,
				Usage: "canvas width in pixels",
			},
			&cli.IntFlag{
				Name:  "height",
				Value: 8192,
				Usage: "canvas height in pixels",
			},
			&cli.IntFlag{
				Name:  "tile-size",
				Value: 256,
				Usage: "tile side in pixels (256, 512, 1024)",
			},
			&cli.Int64Flag{
				Name:  "cache-budget",
				Value: 64,
				Usage: "resident tile budget in MiB",
			},
			&cli.StringFlag{
				Name:  "compress",
				Value: "lz4",
				Usage: "compression algorithm (lz4, zstd, zlib, none)",
			},
			&cli.IntFlag{
				Name:  "strokes",
				Value: 10000,
				Usage: "number of simulated brush strokes",
			},
			&cli.IntFlag{
				Name:  "brush",
				Value: 96,
				Usage: "brush bounding box in pixels",
			},
			&cli.DurationFlag{
				Name:  "reclaim-interval",
				Value: 5 * time.Second,
				Usage: "period of the background reclamation cycle",
			},
			&cli.BoolFlag{
				Name:  "agent",
				Usage: "start a gops diagnostics agent",
			},
		},
	}
}

func bench(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Bool("agent") {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warnf("gops agent: %s", err)
		}
	}

	conf := canvas.Config{
		Width:           int32(ctx.Int("width")),
		Height:          int32(ctx.Int("height")),
		TileSize:        int32(ctx.Int("tile-size")),
		CacheBudget:     ctx.Int64("cache-budget") << 20,
		Compression:     ctx.String("compress"),
		ReclaimInterval: ctx.Duration("reclaim-interval"),
	}
	coord, err := canvas.New(conf)
	if err != nil {
		return err
	}
	defer coord.Shutdown()

	var compressions, reclaims atomic.Int64
	subID, events := coord.Subscribe()
	defer coord.Unsubscribe(subID)
	go func() {
		for e := range events {
			switch e.Type {
			case canvas.EvCompress:
				compressions.Add(1)
			case canvas.EvReclaim:
				reclaims.Add(1)
			}
		}
	}()

	strokes := ctx.Int("strokes")
	brush := int32(ctx.Int("brush"))
	ts := conf.TileSize
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	progress, bar := utils.NewDynProgressBar("painting ", ctx.Bool("quiet"))
	bar.SetTotal(int64(strokes), false)

	start := time.Now()
	for i := 0; i < strokes; i++ {
		stroke := tile.Rect{
			X: rnd.Int31n(conf.Width),
			Y: rnd.Int31n(conf.Height),
			W: brush,
			H: brush,
		}
		for _, co := range coord.TilesInRegion(stroke) {
			tl, err := coord.GetTile(co.X, co.Y)
			if err != nil {
				return err
			}
			box := tile.Rect{X: co.X * ts, Y: co.Y * ts, W: ts, H: ts}
			local := stroke.Intersect(box)
			local.X -= co.X * ts
			local.Y -= co.Y * ts
			paint(tl.Pixels(), local, ts, byte(i))
			coord.MarkTileDirty(co.X, co.Y, &local)
			coord.ReleaseTile(co.X, co.Y)
		}
		bar.Increment()
	}
	bar.SetTotal(int64(strokes), true)
	progress.Wait()
	elapsed := time.Since(start)

	coord.Reclaim()
	ru := utils.GetRusage()
	printJson(map[string]interface{}{
		"session":         coord.ID(),
		"strokes":         strokes,
		"elapsed":         elapsed.String(),
		"strokes_per_s":   float64(strokes) / elapsed.Seconds(),
		"memory":          coord.MemoryStats(),
		"pool":            coord.PoolStats(),
		"compress_events": compressions.Load(),
		"reclaim_cycles":  reclaims.Load(),
		"max_rss_bytes":   ru.MaxRSS(),
		"cpu_user_s":      ru.GetUtime(),
		"cpu_sys_s":       ru.GetStime(),
	})
	return nil
}

// paint fills one tile-local rectangle of an RGBA buffer.
func paint(px []byte, r tile.Rect, tileSize int32, v byte) {
	if px == nil || r.Empty() {
		return
	}
	stride := int(tileSize) * tile.BytesPerPixel
	for y := r.Y; y < r.Y+r.H; y++ {
		row := int(y)*stride + int(r.X)*tile.BytesPerPixel
		end := row + int(r.W)*tile.BytesPerPixel
		for i := row; i < end; i++ {
			px[i] = v
		}
	}
}
