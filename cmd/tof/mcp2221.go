package main

import (
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/adapter"
	"github.com/mklimuk/tof/cmd/tof/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect and drive the USB bridge",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221SpeedCmd,
		&mcp2221GPIOCmd,
		&mcp2221SetCmd,
	},
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	if err := enc.Encode(v); err != nil {
		return console.Fail("encoding error", err)
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		status, err := adapter.NewMCP2221().Status(c.Context)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck transfer and free the bus",
	Action: func(c *cli.Context) error {
		status, err := adapter.NewMCP2221().ReleaseBus(c.Context)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		return printYAML(status)
	},
}

var mcp2221SpeedCmd = cli.Command{
	Name:      "speed",
	ArgsUsage: "<hz>",
	Action: func(c *cli.Context) error {
		hz, err := strconv.Atoi(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "invalid speed %q", c.Args().Get(0))
		}
		if err := adapter.NewMCP2221().SetSpeed(c.Context, hz); err != nil {
			return console.Fail("could not set speed", err)
		}
		console.Infof("i2c clock set to %d Hz", hz)
		return nil
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "print pin designations and values",
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221()
		params, err := a.GetGPIOParameters(c.Context)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		values, err := a.ReadGPIO(c.Context)
		if err != nil {
			return console.Fail("adapter communication error", err)
		}
		if err := printYAML(params); err != nil {
			return err
		}
		return printYAML(values)
	},
}

var mcp2221SetCmd = cli.Command{
	Name:      "set",
	Usage:     "drive a pin, e.g. to select a single sensor by hand",
	ArgsUsage: "<pin> <0|1>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return console.Exit(1, "expected 2 arguments, got %d", c.NArg())
		}
		pin, err := strconv.Atoi(c.Args().Get(0))
		if err != nil {
			return console.Exit(1, "invalid pin %q", c.Args().Get(0))
		}
		level := tof.Level(c.Args().Get(1) == "1")
		if err := adapter.NewMCP2221().SetGPIO(c.Context, pin, level); err != nil {
			return console.Fail("could not set pin", err)
		}
		console.PInfof(console.PictoPin, "GP%d %s", pin, level)
		return nil
	},
}
