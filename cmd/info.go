package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"AveCanvas/pkg/canvas"
)

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "show the derived configuration for a canvas",
		Action: info,
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
		},
	}
}

func info(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	conf := canvas.Config{
		Width:       int32(ctx.Int("width")),
		Height:      int32(ctx.Int("height")),
		TileSize:    int32(ctx.Int("tile-size")),
		CacheBudget: ctx.Int64("cache-budget") << 20,
		Compression: ctx.String("compress"),
	}
	if err := conf.Check(); err != nil {
		return err
	}
	tilesX, tilesY := conf.Grid()
	printJson(map[string]interface{}{
		"canvas":           fmt.Sprintf("%dx%d", conf.Width, conf.Height),
		"tile_size":        conf.TileSize,
		"grid":             fmt.Sprintf("%dx%d", tilesX, tilesY),
		"tiles_total":      int(tilesX) * int(tilesY),
		"tile_bytes":       conf.TileBytes(),
		"cache_tiles":      int(conf.CacheBudget) / conf.TileBytes(),
		"compress_trigger": conf.CompressTrigger,
		"compression":      conf.Compression,
		"eviction_age":     conf.EvictionAge.String(),
		"reclaim_interval": conf.ReclaimInterval.String(),
	})
	return nil
}
