package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a provisioning failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindIntegrity     Kind = "integrity"
	KindHardwareState Kind = "hardware state"
	KindValidation    Kind = "validation"
	KindProvisioning  Kind = "provisioning"
)

// Error is a classified failure carrying the step that produced it and a
// remediation hint for the operator.
type Error struct {
	Kind Kind
	Step string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error in %s", e.Kind, e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the failure aborts the run. Provisioning warnings
// only downgrade the audit outcome.
func (e *Error) Fatal() bool { return e.Kind != KindProvisioning }

func newError(kind Kind, step, hint string, err error) *Error {
	return &Error{Kind: kind, Step: step, Hint: hint, Err: err}
}

// Configuration reports a manifest or option problem found before hardware contact.
func Configuration(step, hint string, err error) *Error {
	return newError(KindConfiguration, step, hint, err)
}

// Transport reports an absent, busy or ambiguous serial port.
func Transport(step, hint string, err error) *Error {
	return newError(KindTransport, step, hint, err)
}

// Integrity reports a factory payload that failed verification.
func Integrity(step, hint string, err error) *Error {
	return newError(KindIntegrity, step, hint, err)
}

// HardwareState reports an efuse operation that failed in an unrecoverable way.
func HardwareState(step, hint string, err error) *Error {
	return newError(KindHardwareState, step, hint, err)
}

// Validation reports flash plan violations.
func Validation(step, hint string, err error) *Error {
	return newError(KindValidation, step, hint, err)
}

// Provisioning reports a non-fatal Wi-Fi handoff failure.
func Provisioning(step, hint string, err error) *Error {
	return newError(KindProvisioning, step, hint, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Diagnostic renders the failing step and hint on separate lines for the
// operator console.
func Diagnostic(err error) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return err.Error()
	}
	out := fe.Error()
	if fe.Hint != "" {
		out += "\n  hint: " + fe.Hint
	}
	return out
}
