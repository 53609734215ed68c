package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func stateStyle(s core.ActiveState) lipgloss.Style {
	switch s {
	case core.StateActive:
		return statusRunning
	case core.StateFailed:
		return statusFailed
	case core.StateActivating, core.StateDeactivating:
		return statusBusy
	default:
		return statusStopped
	}
}

// cell pads s to width before styling, so ANSI codes do not break alignment.
func cell(style lipgloss.Style, s string, width int) string {
	return style.Render(fmt.Sprintf("%-*s", width, s))
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}

func renderStatus(w io.Writer, views []uds.UnitView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no units watched")
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-24s %-28s %-18s %-8s %-9s %-8s %s", "NAME", "UNIT", "STATE", "PID", "MEM", "SINCE", "NOTE")))
	for _, v := range views {
		state, pid, mem, changed, note := "unknown", "-", "-", "-", ""
		style := statusStopped
		if v.State != nil {
			state = v.State.String()
			style = stateStyle(v.State.ActiveState)
			if v.State.MainPID > 0 {
				pid = fmt.Sprint(v.State.MainPID)
			}
			changed = since(v.State.LastChangedAt, now)
			note = v.State.LastError
		}
		if v.Process != nil {
			mem = formatBytes(v.Process.RSSBytes)
		}
		if v.Pending != "" {
			state = string(v.Pending) + "ing…"
			style = statusBusy
		}
		if v.Tailing {
			note = strings.TrimSpace("tailing " + note)
		}
		fmt.Fprintf(w, "%-24s %-28s %s %-8s %-9s %-8s %s\n",
			v.Unit.Name(), v.Unit.UnitID, cell(style, state, 18), pid, mem, changed, dimStyle.Render(note))
	}
}

func renderLogLine(l core.LogLine) string {
	return fmt.Sprintf("%s %s %s",
		dimStyle.Render(l.Timestamp.Local().Format("Jan 02 15:04:05")),
		headerStyle.Render(l.Source+":"),
		l.Text)
}

func renderDiscover(w io.Writer, units []uds.DiscoveredUnit) {
	if len(units) == 0 {
		fmt.Fprintln(w, "no user services found")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s %-18s %-8s %s", "UNIT", "STATE", "WATCHED", "DESCRIPTION")))
	for _, u := range units {
		watched := ""
		if u.Watched {
			watched = "yes"
		}
		style := lipgloss.NewStyle()
		if u.Hidden {
			style = dimStyle
		}
		fmt.Fprintf(w, "%s %-18s %-8s %s\n", cell(style, u.UnitID, 36), u.State, watched, u.Description)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
