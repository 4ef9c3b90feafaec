package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/BadgerOps/hubflash/internal/audit"
	"github.com/BadgerOps/hubflash/internal/command"
	"github.com/BadgerOps/hubflash/internal/config"
	"github.com/BadgerOps/hubflash/internal/efuse"
	"github.com/BadgerOps/hubflash/internal/esptool"
	"github.com/BadgerOps/hubflash/internal/retry"
	"github.com/BadgerOps/hubflash/internal/store"
	"github.com/BadgerOps/hubflash/internal/transport"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore *store.Store
)

// openStore opens the run history database configured for the station.
// An empty db_path leaves history disabled.
func openStore() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	dbPath := globalCfg.Station.DBPath
	if dbPath == "" {
		return nil
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return nil
}

// shouldSkipStore checks if a command runs without the history store
func shouldSkipStore(cmdName string) bool {
	skipStoreCmds := map[string]bool{
		"help":     true,
		"version":  true,
		"config":   true,
		"show":     true,
		"generate": true,
		"inspect":  true,
		"plan":     true,
		"ports":    true,
		"fuses":    true,
	}
	return skipStoreCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hubflash",
		Short: "Manufacturing provisioning station for Main Hub boards",
		Long: `hubflash provisions ESP32 Main Hub boards on the production line. A run
resolves the board's serial port, enables flash encryption once when the
release requires it, generates and verifies the unit's factory configuration
partition, validates every image against the partition table, writes flash in
a single esptool invocation, optionally hands the unit its credentials over
Wi-Fi, and appends the outcome to the station audit log.`,
		Example: `  hubflash flash --serial CC01-24060001 --password s3cretpass --manifest releases/main-hub-1.4.0
  hubflash flash --batch 1 --year 24 --month 6 --unit 1 --password s3cretpass --wifi
  hubflash plan --manifest releases/main-hub-1.4.0
  hubflash ports
  hubflash fuses --port /dev/ttyUSB0
  hubflash history --limit 20`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging(cmd.Flags().Changed("log-format"))

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "release_dir", globalCfg.Station.ReleaseDir)
			}

			if !shouldSkipStore(cmd.Name()) {
				if err := openStore(); err != nil {
					return err
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json); json when stderr is not a terminal")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newFlashCmd(),
		newPayloadCmd(),
		newPlanCmd(),
		newPortsCmd(),
		newFusesCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags. Unless the
// format was given explicitly, output that is not a terminal gets JSON.
func setupLogging(formatSet bool) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	format := strings.ToLower(logFormat)
	if !formatSet && !term.IsTerminal(int(os.Stderr.Fd())) {
		format = "json"
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// newRunner returns the process runner for external tools. Secrets are
// masked in its logs.
func newRunner(secrets ...string) *command.ExecRunner {
	r := command.NewExecRunner(logger)
	for _, s := range secrets {
		if s != "" {
			r.Redact = append(r.Redact, s)
		}
	}
	return r
}

// newTool builds the Espressif tool wrapper from the tools section.
func newTool(runner command.Runner) *esptool.Tool {
	t := globalCfg.Tools
	return esptool.New(esptool.Options{
		Esptool:   t.Esptool,
		Espefuse:  t.Espefuse,
		Espsecure: t.Espsecure,
		Chip:      t.Chip,
		Baud:      t.Baud,
		Before:    t.Before,
		After:     t.After,
	}, runner, logger)
}

// newResolver builds the serial port resolver from the transport section.
func newResolver(runner command.Runner) *transport.Resolver {
	filter := transport.DefaultFilter()
	if len(globalCfg.Transport.Patterns) > 0 {
		filter.Patterns = globalCfg.Transport.Patterns
	}
	return transport.NewResolver(transport.SerialEnumerator{}, transport.SerialProber{}, transport.Options{
		Filter:   filter,
		Policy:   retryPolicy(globalCfg.Transport.WaitAttempts, globalCfg.Transport.PollInterval),
		Prompter: transport.NewTermPrompter(),
		Holders:  transport.NewLsofInspector(runner, logger),
	}, logger)
}

// newFuseManager builds the efuse manager, retrying summary reads the
// configured number of times.
func newFuseManager(tool *esptool.Tool, ready efuse.ReadyChecker) *efuse.Manager {
	return efuse.NewManager(tool, ready, retryPolicy(globalCfg.Efuse.SummaryRetries+1, time.Second), logger)
}

func retryPolicy(attempts int, interval time.Duration) retry.Policy {
	return retry.Policy{Attempts: attempts, Interval: interval}
}

// newAuditLog opens the station audit log.
func newAuditLog() *audit.Log {
	return audit.New(globalCfg.Station.AuditLog, logger)
}
