package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var fusesPort string

func newFusesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuses",
		Short: "Show the flash encryption state of a connected board",
		Long: `Read the efuse summary of a connected board and report whether flash
encryption has been enabled (FLASH_CRYPT_CNT non-zero). Read-only: nothing is
burned.`,
		Example: `  hubflash fuses
  hubflash fuses --port /dev/ttyUSB0`,
		RunE: fusesRun,
	}

	cmd.Flags().StringVar(&fusesPort, "port", "", "serial port, or auto (default from config)")

	return cmd
}

func fusesRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := newRunner()
	resolver := newResolver(runner)
	h, err := resolver.Resolve(ctx, firstNonEmpty(fusesPort, globalCfg.Transport.Port))
	if err != nil {
		return err
	}
	if err := resolver.WaitReady(ctx, h.Path); err != nil {
		return err
	}

	mgr := newFuseManager(newTool(runner), resolver)
	state, err := mgr.State(ctx, h.Path)
	if err != nil {
		return err
	}
	log.Debug("efuse state read", "port", h.Path, "crypt_cnt", state.CryptCount)

	fmt.Printf("Port:             %s\n", h.Path)
	fmt.Printf("Flash encryption: %s\n", state)
	return nil
}
