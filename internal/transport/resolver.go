package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/hubflash/internal/fault"
	"github.com/BadgerOps/hubflash/internal/retry"
)

// Step names used in diagnostics.
const (
	StepResolve   = "resolve_transport"
	StepWaitReady = "wait_ready"
)

// DefaultWaitAttempts bounds both discovery and the readiness wait.
const DefaultWaitAttempts = 10

// Options configures a Resolver. Zero values take defaults.
type Options struct {
	Filter   Filter
	Policy   retry.Policy
	Prompter Prompter
	Holders  HolderInspector
}

// Resolver turns a requested port into a concrete, usable device path.
type Resolver struct {
	enum     Enumerator
	prober   Prober
	filter   Filter
	policy   retry.Policy
	prompter Prompter
	holders  HolderInspector
	logger   *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(enum Enumerator, prober Prober, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Filter.Vendors == nil && opts.Filter.Patterns == nil {
		opts.Filter = DefaultFilter()
	}
	if opts.Policy.Attempts <= 0 {
		opts.Policy.Attempts = DefaultWaitAttempts
	}
	if opts.Policy.Interval <= 0 {
		opts.Policy.Interval = time.Second
	}
	return &Resolver{
		enum:     enum,
		prober:   prober,
		filter:   opts.Filter,
		policy:   opts.Policy,
		prompter: opts.Prompter,
		holders:  opts.Holders,
		logger:   logger,
	}
}

// Discover returns the ports matching the resolver's filter.
func (r *Resolver) Discover() ([]Candidate, error) {
	ports, err := r.enum.Ports()
	if err != nil {
		return nil, err
	}
	return r.filter.Apply(ports), nil
}

// Resolve maps requested ("" or "auto" for discovery, or a device path) to
// a concrete port. A missing explicit path falls back to discovery. No
// candidates is retried until the policy is exhausted; several candidates
// are only resolved by an interactive prompt.
//
// The returned handle describes the last observed state even on error.
func (r *Resolver) Resolve(ctx context.Context, requested string) (*Handle, error) {
	h := &Handle{Requested: requested, State: StateUnresolved}

	if requested != "" && requested != Auto {
		err := r.prober.Probe(requested)
		if !errors.Is(err, ErrPortAbsent) {
			h.Path = requested
			h.State = StateResolved
			r.logger.Info("using requested serial port", "port", requested)
			return h, nil
		}
		r.logger.Warn("requested serial port not present, falling back to discovery", "port", requested)
	}

	err := r.policy.Do(ctx, func(attempt int) error {
		cands, err := r.Discover()
		if err != nil {
			return err
		}
		h.Candidates = cands

		switch len(cands) {
		case 0:
			h.State = StateAbsent
			r.logger.Debug("no serial port found", "attempt", attempt)
			return ErrPortAbsent
		case 1:
			h.Path = cands[0].Path
			h.State = StateResolved
			return nil
		}

		h.State = StateCandidateSet
		if r.prompter == nil || !r.prompter.Interactive() {
			return retry.Permanent(&AmbiguousError{Candidates: cands})
		}
		path, err := r.prompter.Choose(cands)
		if err != nil {
			return retry.Permanent(err)
		}
		h.Path = path
		h.State = StateResolved
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return h, err
		}
		return h, fault.Transport(StepResolve, resolveHint(err), err)
	}

	r.logger.Info("resolved serial port", "port", h.Path, "candidates", len(h.Candidates))
	return h, nil
}

func resolveHint(err error) string {
	switch {
	case errors.Is(err, ErrAmbiguousPort):
		return "pass --port with one of the listed devices"
	case errors.Is(err, ErrPortAbsent):
		return "connect the board over USB and check the cable supports data"
	}
	return "check that the serial driver for the USB bridge is installed"
}

// WaitReady polls until port exists and is not held by another process.
// Exhaustion is fatal and names the last blocking cause.
func (r *Resolver) WaitReady(ctx context.Context, port string) error {
	err := r.policy.Do(ctx, func(attempt int) error {
		err := r.prober.Probe(port)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrPortBusy):
			busy := r.busyError(ctx, port)
			r.logger.Warn("serial port busy", "port", port, "attempt", attempt, "detail", busy.Error())
			return busy
		case errors.Is(err, ErrPortAbsent):
			r.logger.Warn("serial port not present", "port", port, "attempt", attempt)
			return fmt.Errorf("%s: %w", port, ErrPortAbsent)
		default:
			r.logger.Warn("serial port not ready", "port", port, "attempt", attempt, "error", err)
			return err
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	hint := "reconnect the board"
	if errors.Is(err, ErrPortBusy) {
		hint = "close the serial monitor or other program holding the port"
	}
	return fault.Transport(StepWaitReady, hint, err)
}

func (r *Resolver) busyError(ctx context.Context, port string) *BusyError {
	busy := &BusyError{Path: port}
	if r.holders != nil {
		busy.Holders, busy.Known = r.holders.Holders(ctx, port)
	}
	return busy
}

// PortStatus describes one candidate for the ports command.
type PortStatus struct {
	Candidate
	Vendor string
	State  State
	Busy   *BusyError
	Err    error
}

// ListPorts probes every candidate once.
func (r *Resolver) ListPorts(ctx context.Context) ([]PortStatus, error) {
	cands, err := r.Discover()
	if err != nil {
		return nil, err
	}
	out := make([]PortStatus, 0, len(cands))
	for _, c := range cands {
		st := PortStatus{Candidate: c, Vendor: r.filter.Vendor(c), State: StateResolved}
		switch err := r.prober.Probe(c.Path); {
		case err == nil:
		case errors.Is(err, ErrPortBusy):
			st.State = StateBusy
			st.Busy = r.busyError(ctx, c.Path)
		case errors.Is(err, ErrPortAbsent):
			st.State = StateAbsent
		default:
			st.Err = err
		}
		out = append(out, st)
	}
	return out, nil
}
