// Package transport finds the serial port a Main Hub is attached to and
// waits until it is free to use.
package transport

import (
	"errors"
	"fmt"
	"strings"
)

// State is the resolution state of a serial transport.
type State string

const (
	StateUnresolved   State = "unresolved"
	StateCandidateSet State = "candidate-set"
	StateResolved     State = "resolved"
	StateBusy         State = "busy"
	StateAbsent       State = "absent"
)

// Auto is the symbolic port name that requests discovery.
const Auto = "auto"

var (
	ErrPortAbsent    = errors.New("serial port not present")
	ErrPortBusy      = errors.New("serial port busy")
	ErrAmbiguousPort = errors.New("multiple serial ports found")
)

// Handle identifies the transport for one run.
type Handle struct {
	Requested  string
	Path       string
	State      State
	Candidates []Candidate
}

// Candidate is a serial port that looks like a supported USB bridge.
type Candidate struct {
	Path         string
	USB          bool
	VID          string
	PID          string
	Product      string
	SerialNumber string
}

func (c Candidate) String() string {
	if !c.USB {
		return c.Path
	}
	s := fmt.Sprintf("%s [%s:%s]", c.Path, strings.ToUpper(c.VID), strings.ToUpper(c.PID))
	if c.Product != "" {
		s += " " + c.Product
	}
	return s
}

// Holder is a process that has the port open.
type Holder struct {
	Command string
	PID     int
	User    string
}

func (h Holder) String() string {
	if h.User == "" {
		return fmt.Sprintf("%s (pid %d)", h.Command, h.PID)
	}
	return fmt.Sprintf("%s (pid %d, user %s)", h.Command, h.PID, h.User)
}

// BusyError reports a port held open by another process.
type BusyError struct {
	Path    string
	Holders []Holder
	// Known is false when holder inspection is unavailable on this host.
	Known bool
}

func (e *BusyError) Error() string {
	switch {
	case !e.Known:
		return fmt.Sprintf("%s is busy (cannot determine holders)", e.Path)
	case len(e.Holders) == 0:
		return fmt.Sprintf("%s is busy", e.Path)
	}
	names := make([]string, len(e.Holders))
	for i, h := range e.Holders {
		names[i] = h.String()
	}
	return fmt.Sprintf("%s is busy, held by %s", e.Path, strings.Join(names, ", "))
}

func (e *BusyError) Unwrap() error { return ErrPortBusy }

// AmbiguousError lists the candidates that could not be disambiguated.
type AmbiguousError struct {
	Candidates []Candidate
}

func (e *AmbiguousError) Error() string {
	paths := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		paths[i] = c.Path
	}
	return fmt.Sprintf("%d serial ports found (%s); pass --port to choose one", len(paths), strings.Join(paths, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousPort }
