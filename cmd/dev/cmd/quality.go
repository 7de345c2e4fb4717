package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run unit tests, chips are emulated",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Test()
			if err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func LintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
	return cmd
}

// IntegrationTestCmd runs the integration tests. The board file, when
// given, is exported as TOF_BOARD for the tests talking to real chips
// (cmd/tof board_integration_test.go), they are skipped otherwise.
func IntegrationTestCmd() *cobra.Command {
	var board string
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run integration testing, against a board when --board is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if board != "" {
				path, err := filepath.Abs(board)
				if err != nil {
					return fmt.Errorf("board file: %w", err)
				}
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("board file: %w", err)
				}
				// tests run from their package directory
				if err := os.Setenv("TOF_BOARD", path); err != nil {
					return err
				}
			}
			err := test.Integ()
			if err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&board, "board", "", "board description file")
	return cmd
}
