// Package esptool drives the Espressif command-line tools: esptool for
// flash writes, espefuse for efuse inspection and burning, espsecure for
// pre-encrypting flash images.
package esptool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BadgerOps/hubflash/internal/command"
	"github.com/BadgerOps/hubflash/internal/flashplan"
)

// CompressionMode is the write_flash data flag. Exactly one is passed.
type CompressionMode string

const (
	// Compressed lets esptool deflate plaintext images.
	Compressed CompressionMode = "-z"
	// Uncompressed writes pre-encrypted images verbatim.
	Uncompressed CompressionMode = "-u"
	// EncryptOnWrite asks the device to encrypt plaintext as it is written.
	EncryptOnWrite CompressionMode = "--encrypt"
)

// ChooseMode selects the write_flash flag. Pre-encrypted data is never
// compressed; encryption-enabled devices without pre-encrypted images get
// on-the-fly encryption.
func ChooseMode(anyPreEncrypted, encryptionEnabled bool) CompressionMode {
	switch {
	case anyPreEncrypted:
		return Uncompressed
	case encryptionEnabled:
		return EncryptOnWrite
	default:
		return Compressed
	}
}

// ConfirmToken authorises an irreversible efuse operation. espefuse asks
// for it on stdin.
type ConfirmToken string

// ConfirmBurn is the only token espefuse accepts.
const ConfirmBurn ConfirmToken = "BURN"

// ErrNotConfirmed is returned when a burn is attempted without ConfirmBurn.
var ErrNotConfirmed = errors.New("efuse burn not confirmed")

// Options selects the tool binaries and the esptool connection settings.
type Options struct {
	Esptool   string
	Espefuse  string
	Espsecure string
	Chip      string
	Baud      int
	Before    string
	After     string
}

// DefaultOptions match the Main Hub (ESP32-WROOM) production station.
func DefaultOptions() Options {
	return Options{
		Esptool:   "esptool.py",
		Espefuse:  "espefuse.py",
		Espsecure: "espsecure.py",
		Chip:      "esp32",
		Baud:      921600,
		Before:    "default_reset",
		After:     "hard_reset",
	}
}

// WriteRequest describes one write_flash invocation.
type WriteRequest struct {
	Port string
	Mode CompressionMode
	Plan *flashplan.Plan
}

// EncryptRequest describes one espsecure encrypt_flash_data invocation.
type EncryptRequest struct {
	KeyFile string
	Offset  uint32
	Input   string
	Output  string
}

// Tool runs the Espressif tools through a command.Runner.
type Tool struct {
	opts   Options
	runner command.Runner
	logger *slog.Logger
}

// New creates a Tool. Empty option fields take their defaults.
func New(opts Options, runner command.Runner, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Esptool == "" {
		opts.Esptool = def.Esptool
	}
	if opts.Espefuse == "" {
		opts.Espefuse = def.Espefuse
	}
	if opts.Espsecure == "" {
		opts.Espsecure = def.Espsecure
	}
	if opts.Chip == "" {
		opts.Chip = def.Chip
	}
	if opts.Baud <= 0 {
		opts.Baud = def.Baud
	}
	if opts.Before == "" {
		opts.Before = def.Before
	}
	if opts.After == "" {
		opts.After = def.After
	}
	return &Tool{opts: opts, runner: runner, logger: logger}
}

// WriteFlashArgs renders the esptool argument list for req.
func (t *Tool) WriteFlashArgs(req WriteRequest) []string {
	args := []string{
		"--chip", t.opts.Chip,
		"--port", req.Port,
		"--baud", strconv.Itoa(t.opts.Baud),
		"--before", t.opts.Before,
		"--after", t.opts.After,
		"write_flash",
		string(req.Mode),
	}
	return append(args, req.Plan.Args()...)
}

// WriteFlash writes every plan segment in one esptool invocation.
func (t *Tool) WriteFlash(ctx context.Context, req WriteRequest) error {
	switch req.Mode {
	case Compressed, Uncompressed, EncryptOnWrite:
	default:
		return fmt.Errorf("unsupported write mode %q", req.Mode)
	}
	if req.Plan == nil || len(req.Plan.Segments) == 0 {
		return fmt.Errorf("flash plan is empty")
	}

	args := t.WriteFlashArgs(req)
	t.logger.Info("writing flash", "port", req.Port, "mode", string(req.Mode), "segments", len(req.Plan.Segments))
	if _, err := t.runner.Run(ctx, t.opts.Esptool, args, nil); err != nil {
		return fmt.Errorf("esptool write_flash: %w", err)
	}
	return nil
}

// EncryptFlashData pre-encrypts req.Input for flashing at req.Offset.
func (t *Tool) EncryptFlashData(ctx context.Context, req EncryptRequest) error {
	args := []string{
		"encrypt_flash_data",
		"--keyfile", req.KeyFile,
		"--address", fmt.Sprintf("0x%X", req.Offset),
		"--output", req.Output,
		req.Input,
	}
	if _, err := t.runner.Run(ctx, t.opts.Espsecure, args, nil); err != nil {
		return fmt.Errorf("espsecure encrypt_flash_data: %w", err)
	}
	return nil
}

// Summary returns the espefuse summary text for the device on port.
func (t *Tool) Summary(ctx context.Context, port string) (string, error) {
	out, err := t.runner.Run(ctx, t.opts.Espefuse, []string{"--chip", t.opts.Chip, "--port", port, "summary"}, nil)
	if err != nil {
		return string(out), fmt.Errorf("espefuse summary: %w", err)
	}
	return string(out), nil
}

// BurnKey writes keyFile into the named key block.
func (t *Tool) BurnKey(ctx context.Context, port, block, keyFile string, token ConfirmToken) error {
	if token != ConfirmBurn {
		return ErrNotConfirmed
	}
	args := []string{"--chip", t.opts.Chip, "--port", port, "burn_key", block, keyFile}
	if _, err := t.runner.Run(ctx, t.opts.Espefuse, args, confirmInput(token)); err != nil {
		return fmt.Errorf("espefuse burn_key %s: %w", block, err)
	}
	return nil
}

// BurnEfuse sets efuse name to value.
func (t *Tool) BurnEfuse(ctx context.Context, port, name, value string, token ConfirmToken) error {
	if token != ConfirmBurn {
		return ErrNotConfirmed
	}
	args := []string{"--chip", t.opts.Chip, "--port", port, "burn_efuse", name, value}
	if _, err := t.runner.Run(ctx, t.opts.Espefuse, args, confirmInput(token)); err != nil {
		return fmt.Errorf("espefuse burn_efuse %s: %w", name, err)
	}
	return nil
}

func confirmInput(token ConfirmToken) *strings.Reader {
	return strings.NewReader(string(token) + "\n")
}
