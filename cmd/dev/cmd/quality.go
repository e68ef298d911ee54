package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"

	"github.com/mklimuk/sensorloop/adapter"
	"github.com/mklimuk/sensorloop/si1133"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests against the simulated bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("running unit tests")
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

func IntegrationTestCmd() *cobra.Command {
	var device int
	var address uint8
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Probe an Si1133 behind an MCP2221, then run the hardware test suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			bus := adapter.NewMCP2221(adapter.WithOpener(adapter.OpenHID(device)))
			id, err := si1133.Probe(ctx, bus, address)
			if err != nil {
				return fmt.Errorf("hardware not ready: %w", err)
			}
			if id != si1133.ExpectedPartID {
				return fmt.Errorf("unexpected part id %#x at %#x (want %#x)", id, address, si1133.ExpectedPartID)
			}
			slog.Info("si1133 found", "device", device, "address", fmt.Sprintf("%#x", address))

			slog.Info("running integration tests")
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&device, "device", 0, "MCP2221 adapter index")
	cmd.Flags().Uint8Var(&address, "address", si1133.DefaultAddress, "Si1133 address")
	return cmd
}
