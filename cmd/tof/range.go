package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/flock"
	"github.com/mklimuk/tof/publish"
	"github.com/mklimuk/tof/record"
	"github.com/mklimuk/tof/vl53l5cx"
)

var rangeCmd = cli.Command{
	Name:  "range",
	Usage: "bring up the flock and print frames until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "firmware", Usage: "firmware directory, overrides the board file"},
		&cli.IntFlag{Name: "frames", Aliases: []string{"n"}, Usage: "stop after n frames (0 = no limit)"},
		&cli.StringFlag{Name: "record", Aliases: []string{"r"}, Usage: "record frames to a CBOR file"},
		&cli.StringFlag{Name: "mqtt", Usage: "publish frames to a broker (mqtt://host:1883/prefix)"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print grids"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask before re-addressing the sensors"},
		&cli.DurationFlag{Name: "setup-timeout", Value: time.Minute},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadBoard(c)
		if err != nil {
			return err
		}
		if dir := c.String("firmware"); dir != "" {
			cfg.Firmware = dir
		}
		fw, err := vl53l5cx.LoadFirmware(cfg.Firmware)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		configs, err := cfg.RangingConfigs()
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		if len(cfg.Sensors) > 1 && !c.Bool("yes") {
			ok, err := console.Confirm(fmt.Sprintf("%d sensors will be re-addressed, continue?", len(cfg.Sensors)))
			if err != nil || !ok {
				return console.Exit(1, "aborted")
			}
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		setupCtx, cancel := context.WithTimeout(ctx, c.Duration("setup-timeout"))
		defer cancel()
		b, err := openBoard(setupCtx, cfg)
		if err != nil {
			return console.Fail("could not open board", err)
		}
		defer b.Close()

		out, err := openSinks(c, cfg)
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer out.Close()

		started := time.Now()
		keeper, err := flock.Assemble(setupCtx, b.bus, b.lines, fw, cfg.Addresses(), flock.AssembleOpts{
			Transport: transportOpts(cfg),
			Device:    cfg.DeviceOpts(),
		})
		if err != nil {
			return console.Fail("could not set the flock up", err)
		}
		console.Infof("flock of %d ready in %s", keeper.Len(), time.Since(started).Round(time.Millisecond))
		session, err := flock.Start(setupCtx, keeper, b.irq, configs)
		if err != nil {
			return console.Fail("could not start ranging", err)
		}

		loopErr := consume(ctx, session, out, c.Int("frames"))

		// ctx may be done already, the chips are stopped regardless
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		if err := stopSession(stopCtx, session); err != nil {
			return console.Fail("could not stop the flock, chips may still be ranging", err)
		}
		if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			return console.Fail("ranging failed", loopErr)
		}
		console.PInfof(console.PictoFinish, "done")
		return nil
	},
}

var replayCmd = cli.Command{
	Name:      "replay",
	Usage:     "print a recorded session",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "realtime", Usage: "keep the recorded frame rate"},
		&cli.BoolFlag{Name: "separation-check", Usage: "demote targets closer than 600mm"},
		&cli.StringFlag{Name: "mqtt", Usage: "publish frames to a broker (mqtt://host:1883/prefix)"},
		&cli.IntFlag{Name: "frames", Aliases: []string{"n"}},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		r, err := record.Open(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "%v", err)
		}
		defer r.Close()
		h := r.Header()
		console.PInfof(console.PictoTape, "session %s started %s, %d sensors", console.White(h.Session), h.Started.Format(time.DateTime), len(h.Sensors))

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		names := make([]string, len(h.Sensors))
		for i, s := range h.Sensors {
			names[i] = s.Name
		}
		out := &sinks{quiet: c.Bool("quiet"), names: names}
		if url := c.String("mqtt"); url != "" {
			m, err := publish.Dial(url, names)
			if err != nil {
				return console.Exit(1, "%v", err)
			}
			out.mqtt = m
		}
		defer out.Close()
		p := record.NewPlayer(r, vl53l5cx.Decoder{SeparationCheck: c.Bool("separation-check")}, c.Bool("realtime"))
		err = consume(ctx, p, out, c.Int("frames"))
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			return console.Fail("replay failed", err)
		}
		console.PInfof(console.PictoFinish, "%d frames", out.count)
		return nil
	},
}

// source is a live session or a replayed recording.
type source interface {
	Next(ctx context.Context) (flock.Event, error)
}

func consume(ctx context.Context, src source, out *sinks, limit int) error {
	for limit <= 0 || out.count < limit {
		ev, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if err := out.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

type sinks struct {
	quiet bool
	names []string
	rec   *record.Writer
	mqtt  *publish.MQTT
	count int
}

func openSinks(c *cli.Context, cfg config.Config) (*sinks, error) {
	names := make([]string, len(cfg.Sensors))
	meta := make([]record.Sensor, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		names[i] = s.Name
		rc, _ := cfg.RangingConfig(i)
		meta[i] = record.Sensor{Name: s.Name, Address: s.Address, Resolution: uint8(rc.Resolution), Targets: cfg.TargetsPerZone}
	}
	out := &sinks{quiet: c.Bool("quiet"), names: names}
	path := c.String("record")
	if path == "" && cfg.Record != nil {
		path = cfg.Record.Path
	}
	if path != "" {
		w, err := record.Create(path, record.NewHeader(time.Now(), meta...))
		if err != nil {
			return nil, err
		}
		out.rec = w
		console.PInfof(console.PictoTape, "recording session %s to %s", w.Header().Session, path)
	}
	url := c.String("mqtt")
	var opts []publish.Opt
	if url == "" && cfg.MQTT != nil {
		url = cfg.MQTT.URL
		opts = append(opts, publish.WithQoS(cfg.MQTT.QoS))
	}
	if url != "" {
		m, err := publish.Dial(url, names, opts...)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.mqtt = m
	}
	return out, nil
}

func (s *sinks) Write(ev flock.Event) error {
	s.count++
	if !s.quiet {
		name := fmt.Sprintf("tof%d", ev.Device)
		if ev.Device < len(s.names) {
			name = s.names[ev.Device]
		}
		console.PInfof(console.PictoRuler, "%s #%d %s %d°C", console.White(name), ev.Results.StreamCount,
			ev.Timestamp.Format("15:04:05.000"), ev.TemperatureC)
		console.Grid(console.Writer(), ev.Results.Distances(0), 100)
	}
	if s.rec != nil {
		if err := s.rec.Write(ev); err != nil {
			return err
		}
	}
	if s.mqtt != nil {
		if err := s.mqtt.Publish(ev); err != nil {
			slog.Warn("could not publish frame", "error", err)
		}
	}
	return nil
}

func (s *sinks) Close() {
	if s.rec != nil {
		_ = s.rec.Close()
	}
	if s.mqtt != nil {
		_ = s.mqtt.Close()
	}
}

// stopSession stops the session, retrying once the chips which failed to
// stop.
func stopSession(ctx context.Context, session *flock.Session) error {
	_, _, err := session.Stop(ctx)
	if err == nil {
		return nil
	}
	slog.Warn("retrying flock stop", "error", err)
	_, _, err = session.Stop(ctx)
	return err
}
