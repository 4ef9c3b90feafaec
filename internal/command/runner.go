package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNotFound is returned when the requested binary is not on PATH.
var ErrNotFound = errors.New("executable not found")

// Runner executes an external program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error)
}

// ExitError reports a non-zero exit from an external program.
type ExitError struct {
	Name   string
	Args   []string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, out)
}

type secretsKey struct{}

// WithSecrets returns a context whose runner invocations mask secrets in
// logs, in addition to the runner's own Redact list.
func WithSecrets(ctx context.Context, secrets ...string) context.Context {
	prev, _ := ctx.Value(secretsKey{}).([]string)
	all := append(append([]string(nil), prev...), secrets...)
	return context.WithValue(ctx, secretsKey{}, all)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct {
	logger *slog.Logger
	// Redact hides argument values from logs, e.g. Wi-Fi passwords.
	Redact []string
}

// NewExecRunner creates a runner that logs each invocation at debug level.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes name with args. A missing binary yields ErrNotFound, a
// non-zero exit yields *ExitError.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	r.logger.Debug("running external command", "cmd", path, "args", r.redacted(ctx, args))

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = stdin
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.Bytes(), fmt.Errorf("%s interrupted: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.Bytes(), &ExitError{
				Name:   name,
				Args:   args,
				Code:   exitErr.ExitCode(),
				Output: out.String(),
			}
		}
		return out.Bytes(), fmt.Errorf("running %s: %w", name, err)
	}
	return out.Bytes(), nil
}

func (r *ExecRunner) redacted(ctx context.Context, args []string) []string {
	secrets, _ := ctx.Value(secretsKey{}).([]string)
	secrets = append(secrets[:len(secrets):len(secrets)], r.Redact...)
	if len(secrets) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a
		for _, secret := range secrets {
			if secret != "" && a == secret {
				out[i] = "******"
			}
		}
	}
	return out
}
