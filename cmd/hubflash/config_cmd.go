package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect station configuration",
		Long: `Inspect hubflash station configuration. The config file is discovered in
./hubflash.yaml, /etc/hubflash/hubflash.yaml and ~/.config/hubflash/hubflash.yaml
unless --config is given.`,
		Example: `  hubflash config show
  hubflash config show --config /etc/hubflash/hubflash.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format: the loaded config file
over the built-in defaults.`,
		Example: `  hubflash config show
  hubflash config show --config /etc/hubflash/hubflash.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := globalCfg.Marshal()
	if err != nil {
		return err
	}

	source := cfgPath
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("# Effective configuration (%s)\n", source)
	fmt.Print(string(data))

	return nil
}
