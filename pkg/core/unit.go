package core

import (
	"fmt"
	"strings"
	"time"
)

// DefaultLogLines is the tail depth used when a unit does not set one.
const DefaultLogLines = 200

// WatchedUnit is a unit the user asked to monitor.
type WatchedUnit struct {
	DisplayName  string `json:"name"`
	UnitID       string `json:"unit"`
	LogEnabled   bool   `json:"log_enabled"`
	LogLineLimit int    `json:"log_lines"`
	LogFollow    bool   `json:"log_follow"`
}

// Name returns the display name, falling back to the unit id without its suffix.
func (u WatchedUnit) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return strings.TrimSuffix(u.UnitID, ".service")
}

// Lines returns the configured tail depth or DefaultLogLines.
func (u WatchedUnit) Lines() int {
	if u.LogLineLimit > 0 {
		return u.LogLineLimit
	}
	return DefaultLogLines
}

// NormalizeUnitID trims the id and appends ".service" when no unit type suffix is present.
func NormalizeUnitID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	dot := strings.LastIndexByte(id, '.')
	if dot < 0 || !isUnitType(id[dot+1:]) {
		return id + ".service"
	}
	return id
}

func isUnitType(suffix string) bool {
	switch suffix {
	case "service", "socket", "timer", "target", "path", "mount", "scope", "slice":
		return true
	}
	return false
}

// ActiveState is the coarse lifecycle status of a unit.
type ActiveState string

const (
	StateActive       ActiveState = "active"
	StateInactive     ActiveState = "inactive"
	StateFailed       ActiveState = "failed"
	StateActivating   ActiveState = "activating"
	StateDeactivating ActiveState = "deactivating"
	StateUnknown      ActiveState = "unknown"
)

// ParseActiveState maps a raw systemd ActiveState onto the stable enum.
func ParseActiveState(raw string) ActiveState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "reloading", "refreshing":
		return StateActive
	case "inactive":
		return StateInactive
	case "failed":
		return StateFailed
	case "activating":
		return StateActivating
	case "deactivating", "maintenance":
		return StateDeactivating
	default:
		return StateUnknown
	}
}

// UnitStatus is the raw answer of a single probe.
type UnitStatus struct {
	ActiveState string
	SubState    string
	LoadState   string
	Description string
	MainPID     int
}

// UnitState is the normalized, last-known state of a watched unit.
// It is always replaced as a whole.
type UnitState struct {
	UnitID        string      `json:"unit"`
	ActiveState   ActiveState `json:"active_state"`
	SubState      string      `json:"sub_state,omitempty"`
	LoadState     string      `json:"load_state,omitempty"`
	Description   string      `json:"description,omitempty"`
	MainPID       int         `json:"main_pid,omitempty"`
	LastChangedAt time.Time   `json:"last_changed_at"`
	ProbedAt      time.Time   `json:"probed_at"`
	LastError     string      `json:"last_error,omitempty"`
	Seq           uint64      `json:"seq"`
}

// SameStatus reports whether two states describe the same observable status.
func (s UnitState) SameStatus(o UnitState) bool {
	return s.ActiveState == o.ActiveState && s.SubState == o.SubState
}

// String renders "active/running" style summaries.
func (s UnitState) String() string {
	if s.SubState == "" {
		return string(s.ActiveState)
	}
	return fmt.Sprintf("%s/%s", s.ActiveState, s.SubState)
}

// ActionKind is a lifecycle command.
type ActionKind string

const (
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionRestart ActionKind = "restart"
)

// ParseActionKind validates a user supplied action name.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case ActionStart, ActionStop, ActionRestart:
		return k, nil
	}
	return "", fmt.Errorf("unsupported action %q: expected start, stop or restart", s)
}

// ActionRequest exists while a command executes.
type ActionRequest struct {
	UnitID      string     `json:"unit"`
	Kind        ActionKind `json:"kind"`
	RequestedAt time.Time  `json:"requested_at"`
}

// ActionResult is produced once per executed ActionRequest.
type ActionResult struct {
	UnitID      string          `json:"unit"`
	Kind        ActionKind      `json:"kind"`
	Succeeded   bool            `json:"succeeded"`
	ExitInfo    string          `json:"exit_info,omitempty"`
	Failure     ActionErrorKind `json:"failure,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
