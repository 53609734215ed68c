package core

import (
	"errors"
	"fmt"
)

// ProbeErrorKind classifies probe failures.
type ProbeErrorKind string

const (
	ProbeNotFound    ProbeErrorKind = "not_found"
	ProbeTimeout     ProbeErrorKind = "timeout"
	ProbeUnavailable ProbeErrorKind = "unavailable"
)

// ProbeError is returned by Prober implementations.
type ProbeError struct {
	Kind   ProbeErrorKind
	UnitID string
	Err    error
}

func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("probe %s: %s", e.UnitID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Is matches any *ProbeError of the same kind.
func (e *ProbeError) Is(target error) bool {
	t, ok := target.(*ProbeError)
	return ok && t.Kind == e.Kind
}

// ActionErrorKind classifies action failures.
type ActionErrorKind string

const (
	ActionBusy          ActionErrorKind = "busy"
	ActionCommandFailed ActionErrorKind = "command_failed"
	ActionTimeout       ActionErrorKind = "timeout"
)

// ActionError is returned synchronously when an action cannot be executed,
// and describes the failure of an executed one.
type ActionError struct {
	Kind   ActionErrorKind
	UnitID string
	Action ActionKind
	Err    error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Action, e.UnitID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// Is matches any *ActionError of the same kind.
func (e *ActionError) Is(target error) bool {
	t, ok := target.(*ActionError)
	return ok && t.Kind == e.Kind
}

// RegistryErrorKind classifies watch-list mutations that were rejected.
type RegistryErrorKind string

const (
	RegistryDuplicateUnit RegistryErrorKind = "duplicate_unit"
	RegistryUnknownUnit   RegistryErrorKind = "unknown_unit"
	RegistryInvalidUnit   RegistryErrorKind = "invalid_unit"
)

// RegistryError is a synchronous rejection of a registry call.
type RegistryError struct {
	Kind   RegistryErrorKind
	UnitID string
}

func (e *RegistryError) Error() string {
	switch e.Kind {
	case RegistryDuplicateUnit:
		return fmt.Sprintf("unit %s is already watched", e.UnitID)
	case RegistryUnknownUnit:
		return fmt.Sprintf("unit %s is not watched", e.UnitID)
	default:
		return fmt.Sprintf("invalid unit %q", e.UnitID)
	}
}

// Is matches any *RegistryError of the same kind.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Kind == e.Kind
}

// TailErrorKind classifies terminal log tail failures.
type TailErrorKind string

const (
	TailStreamClosed   TailErrorKind = "stream_closed"
	TailRetryExhausted TailErrorKind = "retry_exhausted"
)

// TailError ends a tail session.
type TailError struct {
	Kind   TailErrorKind
	UnitID string
	Err    error
}

func (e *TailError) Error() string {
	msg := fmt.Sprintf("tail %s: %s", e.UnitID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TailError) Unwrap() error { return e.Err }

// Is matches any *TailError of the same kind.
func (e *TailError) Is(target error) bool {
	t, ok := target.(*TailError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound       = &ProbeError{Kind: ProbeNotFound}
	ErrProbeTimeout   = &ProbeError{Kind: ProbeTimeout}
	ErrUnavailable    = &ProbeError{Kind: ProbeUnavailable}
	ErrActionBusy     = &ActionError{Kind: ActionBusy}
	ErrCommandFailed  = &ActionError{Kind: ActionCommandFailed}
	ErrActionTimeout  = &ActionError{Kind: ActionTimeout}
	ErrDuplicateUnit  = &RegistryError{Kind: RegistryDuplicateUnit}
	ErrUnknownUnit    = &RegistryError{Kind: RegistryUnknownUnit}
	ErrInvalidUnit    = &RegistryError{Kind: RegistryInvalidUnit}
	ErrStreamClosed   = &TailError{Kind: TailStreamClosed}
	ErrRetryExhausted = &TailError{Kind: TailRetryExhausted}

	// ErrLogsDisabled is returned when attaching to a unit whose logs are off.
	ErrLogsDisabled = errors.New("logs are disabled for this unit")
)

// ProbeErrorKindOf extracts the kind of a probe error, defaulting to Unavailable.
func ProbeErrorKindOf(err error) ProbeErrorKind {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProbeUnavailable
}
