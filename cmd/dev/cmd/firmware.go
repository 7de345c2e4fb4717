package cmd

import (
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mklimuk/tof/vl53l5cx"
)

// FirmwareCmd checks a firmware directory before it is shipped to a board.
func FirmwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware <dir>",
		Short: "Check the VL53L5CX firmware blob set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw, err := vl53l5cx.LoadFirmware(args[0])
			if err != nil {
				return fmt.Errorf("invalid firmware in %s: %w", args[0], err)
			}
			slog.Info("firmware ok",
				"image", len(fw.Image),
				"sha256", fmt.Sprintf("%x", sha256.Sum256(fw.Image)),
				"config", len(fw.DefaultConfiguration),
				"xtalk", len(fw.DefaultXtalk))
			return nil
		},
	}
	return cmd
}
