// Package efuse reads and burns the ESP32 flash encryption efuses.
//
// Burning is irreversible. Manager performs the one-time setup in a fixed
// order and never tries to repair or roll back partially burned state.
package efuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BadgerOps/hubflash/internal/command"
	"github.com/BadgerOps/hubflash/internal/esptool"
	"github.com/BadgerOps/hubflash/internal/fault"
	"github.com/BadgerOps/hubflash/internal/retry"
)

// Step names used in diagnostics and run events.
const (
	StepReadSummary = "read_fuse_summary"
	StepBurn        = "ensure_fuses"
)

// KeyBlock is the efuse block holding the flash encryption key.
const KeyBlock = "flash_encryption"

// FuseTool is the subset of the espefuse adapter the manager needs.
type FuseTool interface {
	Summary(ctx context.Context, port string) (string, error)
	BurnKey(ctx context.Context, port, block, keyFile string, token esptool.ConfirmToken) error
	BurnEfuse(ctx context.Context, port, name, value string, token esptool.ConfirmToken) error
}

// ReadyChecker re-validates that the serial port is present and free.
type ReadyChecker interface {
	WaitReady(ctx context.Context, port string) error
}

// Fuse is one burn_efuse operation.
type Fuse struct {
	Name  string
	Value string
}

// BurnSequence lists the efuses set after the key, in burn order. The key
// must be committed before FLASH_CRYPT_CNT or the device cannot decrypt
// its own flash.
var BurnSequence = []Fuse{
	{Name: "FLASH_CRYPT_CONFIG", Value: "0xF"},
	{Name: CryptCountField, Value: "1"},
	{Name: "DISABLE_DL_DECRYPT", Value: "1"},
	{Name: "DISABLE_DL_CACHE", Value: "1"},
}

// DefaultSummaryRetries is how many times a failed summary read is retried.
const DefaultSummaryRetries = 3

// Manager inspects and configures device encryption state.
type Manager struct {
	tool   FuseTool
	ready  ReadyChecker
	policy retry.Policy
	logger *slog.Logger
}

// NewManager creates a Manager. policy bounds the summary read; a zero
// policy allows DefaultSummaryRetries retries one second apart.
func NewManager(tool FuseTool, ready ReadyChecker, policy retry.Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1 + DefaultSummaryRetries
	}
	if policy.Interval <= 0 {
		policy.Interval = time.Second
	}
	return &Manager{tool: tool, ready: ready, policy: policy, logger: logger}
}

// State reads FLASH_CRYPT_CNT from the device on port. Transient summary
// failures are retried; each retry first waits for the port to be ready.
func (m *Manager) State(ctx context.Context, port string) (State, error) {
	var count uint64
	err := m.policy.Do(ctx, func(attempt int) error {
		if attempt > 1 && m.ready != nil {
			m.logger.Warn("retrying efuse summary", "port", port, "attempt", attempt)
			if err := m.ready.WaitReady(ctx, port); err != nil {
				return retry.Permanent(err)
			}
		}

		out, err := m.tool.Summary(ctx, port)
		if err != nil {
			if errors.Is(err, command.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}

		v, err := ParseCryptCount(out)
		if err != nil {
			return retry.Permanent(err)
		}
		count = v
		return nil
	})
	if err != nil {
		if fault.Is(err, fault.KindTransport) || ctx.Err() != nil {
			return State{}, err
		}
		return State{}, fault.HardwareState(StepReadSummary,
			"check the USB cable and that espefuse can talk to the board", err)
	}

	st := State{CryptCount: count}
	m.logger.Info("read encryption state", "port", port, "state", st.String())
	return st, nil
}

// NeedsSetup reports whether flash encryption has never been configured.
func (m *Manager) NeedsSetup(ctx context.Context, port string) (bool, error) {
	st, err := m.State(ctx, port)
	if err != nil {
		return false, err
	}
	return !st.Enabled(), nil
}

// Burn writes the encryption key and then the BurnSequence efuses. It must
// only be called after NeedsSetup returned true. A key block that is
// already read protected is logged and skipped; any other failure stops
// before the next fuse is touched.
func (m *Manager) Burn(ctx context.Context, port, keyFile string) error {
	if keyFile == "" {
		return fault.Configuration(StepBurn, "set efuse.key_file or pass --key-file", errors.New("no flash encryption key file"))
	}

	m.logger.Warn("burning flash encryption efuses, this is irreversible", "port", port)

	err := m.tool.BurnKey(ctx, port, KeyBlock, keyFile, esptool.ConfirmBurn)
	switch {
	case err == nil:
		m.logger.Info("burned flash encryption key", "port", port)
	case alreadyProtected(err):
		// The previously burned key cannot be read back to compare.
		m.logger.Warn("encryption key block already read protected, assuming key from a prior run", "port", port)
	default:
		return fault.HardwareState(StepBurn, "do not retry blindly; inspect the device with `hubflash fuses`",
			fmt.Errorf("burn_key %s: %w", KeyBlock, err))
	}

	for _, f := range BurnSequence {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.tool.BurnEfuse(ctx, port, f.Name, f.Value, esptool.ConfirmBurn); err != nil {
			return fault.HardwareState(StepBurn, "device is partially fused; inspect it with `hubflash fuses` before any further attempt",
				fmt.Errorf("burn_efuse %s=%s: %w", f.Name, f.Value, err))
		}
		m.logger.Info("burned efuse", "port", port, "efuse", f.Name, "value", f.Value)
	}
	return nil
}

func alreadyProtected(err error) bool {
	text := strings.ToLower(err.Error())
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		text += "\n" + strings.ToLower(exitErr.Output)
	}
	if strings.Contains(text, "read-protected") || strings.Contains(text, "read protected") {
		return true
	}
	return strings.Contains(text, "already") && strings.Contains(text, "protect")
}
