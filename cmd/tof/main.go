package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/snsctx"
)

var version string
var commit string
var date string

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "tof"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "multi-zone time-of-flight flock cli"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "board",
			Aliases: []string{"b"},
			Usage:   "board description file",
			EnvVars: []string{"TOF_BOARD"},
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		ctx.Context = snsctx.SetVerbose(ctx.Context, ctx.Bool("verbose"))
		return nil
	}
	app.Commands = cli.Commands{
		&pingCmd,
		&scanCmd,
		&rangeCmd,
		&replayCmd,
		&usbCmd,
		&mcp2221Cmd,
		&gpioCmd,
	}
	err := app.Run(os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		console.Errorf("%v", err)
		return 1
	}
	return 0
}

// loadBoard reads --board or falls back to the default single chip board.
func loadBoard(c *cli.Context) (config.Config, error) {
	path := c.String("board")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, console.Exit(1, "%v", err)
	}
	return cfg, nil
}
