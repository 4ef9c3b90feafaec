package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/BadgerOps/hubflash/internal/command"
)

// Prober checks whether a port exists and can be opened exclusively.
// It returns nil, ErrPortAbsent or an error wrapping ErrPortBusy.
type Prober interface {
	Probe(path string) error
}

// SerialProber opens the port with go.bug.st/serial and closes it again.
type SerialProber struct{}

func (SerialProber) Probe(path string) error {
	if runtime.GOOS != "windows" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return ErrPortAbsent
		}
	}

	port, err := serial.Open(path, &serial.Mode{BaudRate: 115200})
	if err != nil {
		return classifyOpenError(path, err)
	}
	return port.Close()
}

func classifyOpenError(path string, err error) error {
	code, ok := portErrorCode(err)
	if !ok {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	switch code {
	case serial.PortBusy:
		return fmt.Errorf("opening %s: %w", path, ErrPortBusy)
	case serial.PortNotFound, serial.InvalidSerialPort:
		return ErrPortAbsent
	case serial.PermissionDenied:
		return fmt.Errorf("opening %s: permission denied (is the user in the dialout group?): %w", path, err)
	default:
		return fmt.Errorf("opening %s: %w", path, err)
	}
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}

// HolderInspector lists processes holding a port open. known is false when
// the host offers no way to find out.
type HolderInspector interface {
	Holders(ctx context.Context, path string) (holders []Holder, known bool)
}

// LsofInspector asks lsof, which needs no elevated privileges to report the
// caller's own processes and, on most systems, everybody else's.
type LsofInspector struct {
	runner command.Runner
	logger *slog.Logger
}

// NewLsofInspector creates an inspector that runs lsof through runner.
func NewLsofInspector(runner command.Runner, logger *slog.Logger) *LsofInspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LsofInspector{runner: runner, logger: logger}
}

func (l *LsofInspector) Holders(ctx context.Context, path string) ([]Holder, bool) {
	out, err := l.runner.Run(ctx, "lsof", []string{"-F", "pcL", path}, nil)
	if err != nil {
		var exitErr *command.ExitError
		// lsof exits 1 with no output when nothing has the file open.
		if errors.As(err, &exitErr) && exitErr.Code == 1 && strings.TrimSpace(exitErr.Output) == "" {
			return nil, true
		}
		l.logger.Debug("cannot determine port holders", "path", path, "error", err)
		return nil, false
	}
	return parseLsof(string(out)), true
}

// parseLsof reads lsof -F pcL output: one field per line, p starts a new
// process record.
func parseLsof(out string) []Holder {
	var holders []Holder
	var cur *Holder
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 2 {
			continue
		}
		val := line[1:]
		switch line[0] {
		case 'p':
			pid, err := strconv.Atoi(val)
			if err != nil {
				cur = nil
				continue
			}
			holders = append(holders, Holder{PID: pid})
			cur = &holders[len(holders)-1]
		case 'c':
			if cur != nil {
				cur.Command = val
			}
		case 'L':
			if cur != nil {
				cur.User = val
			}
		}
	}
	return holders
}
