package core

import "context"

// Prober queries the init system for the status of one unit.
type Prober interface {
	// Probe returns the raw status or a *ProbeError.
	Probe(ctx context.Context, unitID string) (UnitStatus, error)
}

// Controller issues lifecycle commands.
type Controller interface {
	// Act runs the command and returns diagnostic text for the result.
	// A nil error means the init system reported success.
	Act(ctx context.Context, unitID string, kind ActionKind) (string, error)
}

// TailOptions controls a log stream.
type TailOptions struct {
	Lines  int
	Follow bool
}

// LogStream is an open log stream. Next blocks until a line is available,
// and returns io.EOF when the stream ended cleanly.
type LogStream interface {
	Next() (LogLine, error)
	Close() error
}

// LogStreamer opens log streams for units.
type LogStreamer interface {
	Stream(ctx context.Context, unitID string, opts TailOptions) (LogStream, error)
}

// Backend is the full capability contract of an init-system binding.
type Backend interface {
	Prober
	Controller
	LogStreamer
}

// UnitFile is an installed unit file as reported by the init system.
type UnitFile struct {
	UnitID      string `json:"unit"`
	State       string `json:"state"` // enabled, disabled, static, ...
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// UnitCatalog is implemented by bindings that can enumerate unit files and
// reload the manager configuration.
type UnitCatalog interface {
	ListUnitFiles(ctx context.Context) ([]UnitFile, error)
	DaemonReload(ctx context.Context) error
}

type backend struct {
	Prober
	Controller
	LogStreamer
}

// NewBackend assembles a Backend from separate capability bindings.
func NewBackend(p Prober, c Controller, s LogStreamer) Backend {
	return backend{Prober: p, Controller: c, LogStreamer: s}
}
