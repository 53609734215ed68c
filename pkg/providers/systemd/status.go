package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	"github.com/modoterra/unitwatch/pkg/core"
)

const (
	errNoSuchUnit = "org.freedesktop.systemd1.NoSuchUnit"
	errLoadFailed = "org.freedesktop.systemd1.LoadFailed"
)

func statusFromProperties(props map[string]any) core.UnitStatus {
	return core.UnitStatus{
		ActiveState: stringProperty(props, "ActiveState"),
		SubState:    stringProperty(props, "SubState"),
		LoadState:   stringProperty(props, "LoadState"),
		Description: stringProperty(props, "Description"),
	}
}

func stringProperty(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func pidProperty(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case uint32:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func dbusError(err error) (godbus.Error, bool) {
	var de godbus.Error
	if errors.As(err, &de) {
		return de, true
	}
	var dp *godbus.Error
	if errors.As(err, &dp) && dp != nil {
		return *dp, true
	}
	return godbus.Error{}, false
}

func isNoSuchUnit(err error) bool {
	de, ok := dbusError(err)
	return ok && (de.Name == errNoSuchUnit || de.Name == errLoadFailed)
}

// dbusMessage extracts the human readable text of a bus error.
func dbusMessage(err error) string {
	if de, ok := dbusError(err); ok {
		return de.Error()
	}
	return ""
}

// probeError classifies a failed property read.
func probeError(ctx context.Context, unitID string, err error) *core.ProbeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &core.ProbeError{Kind: core.ProbeTimeout, UnitID: unitID, Err: err}
	case isNoSuchUnit(err):
		return &core.ProbeError{Kind: core.ProbeNotFound, UnitID: unitID, Err: err}
	default:
		return &core.ProbeError{Kind: core.ProbeUnavailable, UnitID: unitID, Err: err}
	}
}

// jobFailure renders a diagnostic in the shape systemctl prints.
func jobFailure(unitID string, kind core.ActionKind, job, unitResult string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job for %s failed", unitID)
	switch job {
	case "timeout":
		b.WriteString(" because a timeout was exceeded")
	case "canceled":
		b.WriteString(" because it was canceled")
	case "dependency":
		b.WriteString(" because a dependency failed")
	case "skipped":
		b.WriteString(" because a condition was not met")
	}
	fmt.Fprintf(&b, " (%s: job=%s", kind, job)
	if unitResult != "" && unitResult != "success" {
		fmt.Fprintf(&b, ", result=%s", unitResult)
	}
	b.WriteString(").")
	return b.String()
}
