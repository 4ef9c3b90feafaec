package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/hubflash/internal/flashplan"
	"github.com/BadgerOps/hubflash/internal/payload"
	"github.com/BadgerOps/hubflash/internal/provision"
	"github.com/BadgerOps/hubflash/internal/wifi"
)

// passwordEnv lets scripted stations keep the unit password off the
// command line.
const passwordEnv = "HUBFLASH_UNIT_PASSWORD"

var (
	flashSerial      string
	flashBatch       int
	flashYear        int
	flashMonth       int
	flashUnit        int
	flashPassword    string
	flashPort        string
	flashManifest    string
	flashKeyFile     string
	flashWifi        bool
	flashSkipPayload bool
	flashPayloadOnly bool
	flashDryRun      bool
)

func newFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Provision one Main Hub board",
		Long: `Run the full provisioning sequence against one connected board.

The flash command will:
  1. Load and validate the release manifest and the unit credentials
  2. Resolve the serial port and wait until it is free
  3. Enable flash encryption if the release requires it and the board
     has never been configured (irreversible)
  4. Generate the factory configuration partition and verify it reads back
  5. Validate every image against its partition
  6. Write all regions in one esptool invocation
  7. Optionally push the credentials to the unit over Wi-Fi
  8. Append the outcome to the station audit log

Any failure before step 7 aborts the run and is recorded as failed. A
Wi-Fi handoff failure is reported but the flashed unit stands.`,
		Example: `  hubflash flash --serial CC01-24060001 --password s3cretpass
  hubflash flash --batch 1 --year 24 --month 6 --unit 17 --password s3cretpass --wifi
  hubflash flash --serial CC01-24060001 --skip-payload --port /dev/ttyUSB0
  hubflash flash --serial CC01-24060001 --password s3cretpass --payload-only
  hubflash flash --serial CC01-24060001 --password s3cretpass --dry-run`,
		RunE: flashRun,
	}

	cmd.Flags().StringVar(&flashSerial, "serial", "", "unit serial number")
	cmd.Flags().IntVar(&flashBatch, "batch", 0, "batch number (builds the serial with --year, --month and --unit)")
	cmd.Flags().IntVar(&flashYear, "year", 0, "two-digit manufacturing year")
	cmd.Flags().IntVar(&flashMonth, "month", 0, "manufacturing month")
	cmd.Flags().IntVar(&flashUnit, "unit", 0, "unit number within the batch")
	cmd.Flags().StringVar(&flashPassword, "password", "", "unit password (or $"+passwordEnv+")")
	cmd.Flags().StringVar(&flashPort, "port", "", "serial port, or auto (default from config)")
	cmd.Flags().StringVar(&flashManifest, "manifest", "", "release bundle directory, manifest file, or bundle name under the release dir")
	cmd.Flags().StringVar(&flashKeyFile, "key-file", "", "flash encryption key (default from config)")
	cmd.Flags().BoolVar(&flashWifi, "wifi", false, "hand the credentials to the unit over Wi-Fi after flashing")
	cmd.Flags().BoolVar(&flashSkipPayload, "skip-payload", false, "write the images only, leave the factory partition untouched")
	cmd.Flags().BoolVar(&flashPayloadOnly, "payload-only", false, "write only the factory partition")
	cmd.Flags().BoolVar(&flashDryRun, "dry-run", false, "resolve and validate everything without touching hardware")
	cmd.MarkFlagsMutuallyExclusive("skip-payload", "payload-only")
	cmd.MarkFlagsMutuallyExclusive("serial", "batch")

	return cmd
}

func flashRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	serial, err := unitSerial(cmd)
	if err != nil {
		return err
	}
	password := flashPassword
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	mode := runMode(flashSkipPayload, flashPayloadOnly)

	wifiOn := globalCfg.Wifi.Enabled && mode == provision.ModeFull
	if cmd.Flags().Changed("wifi") {
		wifiOn = flashWifi
	}

	opts := provision.Options{
		Manifest: globalCfg.ReleaseManifest(flashManifest),
		Serial:   serial,
		Password: password,
		Port:     firstNonEmpty(flashPort, globalCfg.Transport.Port),
		KeyFile:  firstNonEmpty(flashKeyFile, globalCfg.Efuse.KeyFile),
		Mode:     mode,
		Wifi:     wifiOn,
		DryRun:   flashDryRun,
		Tracker:  provision.NewTracker(),
	}
	if !quiet {
		opts.Tracker.OnChange = printStep
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newProvisioner(password)
	if err != nil {
		return err
	}

	log.Info("provisioning unit", "serial", serial, "mode", string(mode), "wifi", wifiOn, "dry_run", flashDryRun)
	res, runErr := p.Run(ctx, opts)

	printResult(res, opts.Tracker.Snapshot(), runErr)
	if runErr != nil {
		return runErr
	}
	if res.AuditErr != nil {
		return fmt.Errorf("unit flashed but the audit entry was not written: %w", res.AuditErr)
	}
	return nil
}

// newProvisioner wires the provisioning pipeline from the station config.
func newProvisioner(password string) (*provision.Provisioner, error) {
	runner := newRunner(password)
	tool := newTool(runner)
	resolver := newResolver(runner)

	deps := provision.Deps{
		Transport:  resolver,
		Encryption: newFuseManager(tool, resolver),
		Flasher:    tool,
		Audit:      newAuditLog(),
		TempDir:    globalCfg.Station.TempDir,
	}
	if globalStore != nil {
		deps.Recorder = globalStore
	}

	nm, err := wifi.NewNetworkManager(globalCfg.Wifi.Backend, globalCfg.Wifi.Interface, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("wifi config: %w", err)
	}
	deps.Handoff = wifi.NewHandoff(nm, wifi.TCPProber{}, wifi.Options{
		Policy:         retryPolicy(globalCfg.Wifi.ReachAttempts, globalCfg.Wifi.ReachInterval),
		ProvisionPath:  globalCfg.Wifi.ProvisionPath,
		Username:       globalCfg.Wifi.Username,
		RequestTimeout: globalCfg.Wifi.RequestTimeout,
	}, logger)

	return provision.New(deps, logger), nil
}

// unitSerial returns --serial, or builds one from the batch flags.
func unitSerial(cmd *cobra.Command) (string, error) {
	if flashSerial != "" {
		clean, err := payload.SanitizeSerial(flashSerial)
		if err != nil {
			return "", err
		}
		if clean != flashSerial {
			slog.Default().Warn("serial sanitized", "given", flashSerial, "using", clean)
		}
		return clean, nil
	}
	if cmd.Flags().Changed("batch") {
		return payload.FormatIdentifier(flashBatch, flashYear, flashMonth, flashUnit)
	}
	return "", errors.New("either --serial or --batch/--year/--month/--unit is required")
}

func runMode(skipPayload, payloadOnly bool) provision.Mode {
	switch {
	case skipPayload:
		return provision.ModeFlashOnly
	case payloadOnly:
		return provision.ModePayloadOnly
	}
	return provision.ModeFull
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printStep(rec provision.StepRecord) {
	if rec.Status == provision.StepRunning {
		fmt.Printf("  .. %s\n", rec.Step)
		return
	}
	line := fmt.Sprintf("  %-7s %s", rec.Status, rec.Step)
	if rec.Message != "" {
		line += ": " + rec.Message
	}
	fmt.Println(line)
}

func printResult(res *provision.Result, progress provision.Progress, runErr error) {
	if res == nil {
		return
	}
	if res.Plan != nil && runErr == nil {
		fmt.Println()
		printPlan(res.Plan)
	}

	fmt.Println("\n=== PROVISIONING SUMMARY ===")
	fmt.Printf("Run:         %s\n", res.RunID)
	fmt.Printf("Serial:      %s\n", res.Serial)
	fmt.Printf("Bundle:      %s\n", res.Bundle)
	if res.Port != "" {
		fmt.Printf("Port:        %s\n", res.Port)
	}
	if res.Compression != "" {
		fmt.Printf("Write mode:  %s\n", res.Compression)
	}
	fmt.Printf("Encryption:  %t (burned this run: %t)\n", res.EncryptionEnabled, res.Burned)
	if res.Status != "" {
		fmt.Printf("Status:      %s\n", res.Status)
	}
	if res.HandoffErr != nil {
		fmt.Printf("Wi-Fi:       FAILED - %s\n", res.HandoffErr)
	}
	if step, failed := progress.FailedStep(); failed {
		fmt.Printf("Failed at:   %s\n", step.Step)
	}
	fmt.Printf("Steps:       %d ok, %d skipped, %d warning\n",
		progress.Count(provision.StepOK), progress.Count(provision.StepSkipped), progress.Count(provision.StepWarning))
	fmt.Printf("Took:        %s\n", progress.Elapsed.Round(time.Millisecond))
}

// printPlan lists the flash regions with their sizes and capacities.
func printPlan(plan *flashplan.Plan) {
	fmt.Printf("%-12s %-10s %-10s %-10s %s\n", "REGION", "OFFSET", "SIZE", "CAPACITY", "FILE")
	for _, seg := range plan.Segments {
		size := "-"
		if seg.Size > 0 {
			size = humanize.IBytes(uint64(seg.Size))
		}
		fmt.Printf("%-12s 0x%-8X %-10s %-10s %s\n",
			seg.Region.Name, seg.Region.Offset, size, humanize.IBytes(uint64(seg.Region.Capacity)), seg.Path)
	}
}
