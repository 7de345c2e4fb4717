package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof/adapter"
	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/gpio"
)

// gpioCmd drives an MCP23017 select expander hanging off the USB bridge.
var gpioCmd = cli.Command{
	Name:  "gpio",
	Usage: "inspect the MCP23017 select expander",
	Subcommands: cli.Commands{
		&gpioStatusCmd,
		&gpioReadCmd,
		&gpioConfigureCmd,
		&gpioPullCmd,
	},
}

func expanderArgs(c *cli.Context, n int) (*gpio.MCP23017, []byte, error) {
	if c.NArg() != n {
		return nil, nil, console.Exit(1, "expected %d argument(s), got %d", n, c.NArg())
	}
	addr, err := hex.DecodeString(c.Args().Get(0))
	if err != nil || len(addr) != 1 {
		return nil, nil, console.Exit(1, "could not decode address %q", c.Args().Get(0))
	}
	var data []byte
	if n > 1 {
		data, err = hex.DecodeString(c.Args().Get(1))
		if err != nil || len(data) != 1 {
			return nil, nil, console.Exit(1, "could not decode data %q", c.Args().Get(1))
		}
	}
	return gpio.NewMCP23017(adapter.NewMCP2221(), addr[0]), data, nil
}

var gpioReadCmd = cli.Command{
	Name:      "read",
	ArgsUsage: "<addr>",
	Action: func(c *cli.Context) error {
		exp, _, err := expanderArgs(c, 1)
		if err != nil {
			return err
		}
		if err := exp.InitA(c.Context, 0xFF); err != nil {
			return console.Exit(1, "could not initialize gpio: %v", err)
		}
		res, err := exp.Read(c.Context)
		if err != nil {
			return console.Exit(1, "could not read gpio: %v", err)
		}
		fmt.Printf("\nI/O A: %#X\nI/O B: %#X\n", res[0], res[1])
		return nil
	},
}

var gpioStatusCmd = cli.Command{
	Name:      "status",
	ArgsUsage: "<addr>",
	Action: func(c *cli.Context) error {
		exp, _, err := expanderArgs(c, 1)
		if err != nil {
			return err
		}
		a, err := exp.ReadSettingsA(c.Context)
		if err != nil {
			return console.Exit(1, "could not read settings: %v", err)
		}
		b, err := exp.ReadSettingsB(c.Context)
		if err != nil {
			return console.Exit(1, "could not read settings: %v", err)
		}
		fmt.Printf("\nIOCON content: %#X %#X\n", a, b)
		return nil
	},
}

var gpioConfigureCmd = cli.Command{
	Name:      "configure",
	ArgsUsage: "<addr> <iocon>",
	Action: func(c *cli.Context) error {
		exp, data, err := expanderArgs(c, 2)
		if err != nil {
			return err
		}
		if err := exp.WriteSettingsA(c.Context, data[0]); err != nil {
			return console.Exit(1, "could not write settings: %v", err)
		}
		fmt.Printf("\nWrote IOCON content: %#X\n", data[0])
		return nil
	},
}

var gpioPullCmd = cli.Command{
	Name:      "pull",
	ArgsUsage: "<addr> <gppu>",
	Action: func(c *cli.Context) error {
		exp, data, err := expanderArgs(c, 2)
		if err != nil {
			return err
		}
		if err := exp.PullUpA(c.Context, data[0]); err != nil {
			return console.Exit(1, "could not write pull up settings: %v", err)
		}
		fmt.Printf("\nWrote GPPU content: %#X\n", data[0])
		return nil
	},
}
