package main

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"AveCanvas/pkg/utils"
	"AveCanvas/pkg/version"
)

var logger = utils.GetLogger("avecanvas")

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	app := &cli.App{
		Name:    "avecanvas",
		Usage:   "tile-based canvas memory manager",
		Version: version.Version(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"debug", "v"},
				Usage:   "enable debug log",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "only warning and errors",
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "path of the log file",
			},
		},
		Commands: []*cli.Command{
			benchFlags(),
			infoFlags(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	}
	if f := c.String("log"); f != "" {
		utils.SetOutFile(f)
	}
}
