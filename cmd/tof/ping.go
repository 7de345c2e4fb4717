package main

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/gate"
	"github.com/mklimuk/tof/transport"
	"github.com/mklimuk/tof/vl53l5cx"
)

var pingCmd = cli.Command{
	Name:  "ping",
	Usage: "check the signature of every sensor of the board, one at a time",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadBoard(c)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()
		b, err := openBoard(ctx, cfg)
		if err != nil {
			return console.Fail("could not open board", err)
		}
		defer b.Close()

		devices := make([]*vl53l5cx.Device, len(b.lines))
		for i := range devices {
			opts := append(transportOpts(cfg), transport.WithAddress(tof.DefaultAddress))
			devices[i] = vl53l5cx.New(transport.New(b.bus, opts...))
		}
		k, err := gate.New(ctx, b.lines, devices)
		if err != nil {
			return console.Fail("could not lower select lines", err)
		}
		_, err = gate.WithEach(ctx, k, func(ctx context.Context, i int, dev *vl53l5cx.Device) (struct{}, error) {
			name := cfg.Sensors[i].Name
			err := dev.Ping(ctx)
			var sig *vl53l5cx.SignatureError
			switch {
			case err == nil:
				console.PInfof(console.PictoPin, "%s: %s", console.White(name), console.Green("ok"))
			case errors.As(err, &sig):
				console.PInfof(console.PictoGhost, "%s: %s", console.White(name), console.Yellow(err))
			default:
				console.PInfof(console.PictoStop, "%s: %s", console.White(name), console.Red(err))
			}
			return struct{}{}, nil
		})
		if err != nil {
			return console.Fail("ping failed", err)
		}
		return nil
	},
}

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "raise every select line and look for chips on all addresses",
	Action: func(c *cli.Context) error {
		cfg, err := loadBoard(c)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		b, err := openBoard(ctx, cfg)
		if err != nil {
			return console.Fail("could not open board", err)
		}
		defer b.Close()
		k, err := gate.New(ctx, b.lines, make([]struct{}, len(b.lines)))
		if err != nil {
			return console.Fail("could not lower select lines", err)
		}
		if err := k.OpenAll(ctx); err != nil {
			return console.Fail("could not raise select lines", err)
		}
		defer func() { _ = k.CloseAll(context.Background()) }()

		found := 0
		for a := byte(0x08); a < 0x78; a++ {
			dev := vl53l5cx.New(transport.New(b.bus, append(transportOpts(cfg), transport.WithAddress(tof.Address(a)))...))
			err := dev.Ping(ctx)
			var sig *vl53l5cx.SignatureError
			switch {
			case err == nil:
				console.Found(tof.Address(a), console.Green("vl53l5cx"))
				found++
			case errors.As(err, &sig):
				console.Found(tof.Address(a), console.Yellow("unknown device"))
				found++
			}
		}
		console.PInfof(console.PictoFinish, "%d devices found", found)
		return nil
	},
}
