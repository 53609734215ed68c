// Package systemctl binds the engine to the user instance of systemd by
// running systemctl. It is the fallback when the session bus is unreachable.
package systemctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/modoterra/unitwatch/pkg/core"
)

var showProperties = []string{"ActiveState", "SubState", "LoadState", "Description", "MainPID"}

// Runner executes a command and returns what it wrote to stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Client runs `systemctl --user`.
type Client struct {
	// SystemctlPath is the systemctl binary.
	SystemctlPath string

	run    Runner
	logger *slog.Logger
}

// New creates a client using systemctl from PATH.
func New(logger *slog.Logger) *Client {
	return &Client{SystemctlPath: "systemctl", run: execRunner, logger: logger}
}

// WithRunner replaces the command runner.
func (c *Client) WithRunner(r Runner) *Client {
	c.run = r
	return c
}

func (c *Client) Name() string { return "systemctl" }

func (c *Client) systemctl(ctx context.Context, args ...string) (string, string, error) {
	full := append([]string{"--user"}, args...)
	c.logger.Debug("running systemctl", "args", strings.Join(full, " "))
	return c.run(ctx, c.SystemctlPath, full...)
}

// Probe parses `systemctl show` for the unit.
func (c *Client) Probe(ctx context.Context, unitID string) (core.UnitStatus, error) {
	stdout, stderr, err := c.systemctl(ctx, "show", unitID, "--no-pager", "--property="+strings.Join(showProperties, ","))
	if err != nil {
		kind := core.ProbeUnavailable
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = core.ProbeTimeout
		}
		return core.UnitStatus{}, &core.ProbeError{Kind: kind, UnitID: unitID, Err: commandError(err, stderr)}
	}

	st := statusFromShow(parseShow(stdout))
	if st.LoadState == "not-found" {
		return st, &core.ProbeError{Kind: core.ProbeNotFound, UnitID: unitID}
	}
	return st, nil
}

// Act runs start, stop or restart. The diagnostic is stdout on success and
// stderr (or stdout when stderr is empty) on failure.
func (c *Client) Act(ctx context.Context, unitID string, kind core.ActionKind) (string, error) {
	switch kind {
	case core.ActionStart, core.ActionStop, core.ActionRestart:
	default:
		return "", fmt.Errorf("unsupported action %q for systemd unit", kind)
	}

	stdout, stderr, err := c.systemctl(ctx, string(kind), unitID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		info := strings.TrimSpace(stderr)
		if info == "" {
			info = strings.TrimSpace(stdout)
		}
		return info, fmt.Errorf("systemctl %s %s: %w", kind, unitID, err)
	}
	return strings.TrimSpace(stdout), nil
}

// ListUnitFiles lists installed user service files with their descriptions.
func (c *Client) ListUnitFiles(ctx context.Context) ([]core.UnitFile, error) {
	stdout, stderr, err := c.systemctl(ctx, "list-unit-files", "--type=service", "--no-legend", "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("list unit files: %w", commandError(err, stderr))
	}
	files := parseUnitFiles(stdout)
	if len(files) == 0 {
		return files, nil
	}

	args := []string{"show", "--no-pager", "--property=Id,Description,FragmentPath"}
	for _, f := range files {
		args = append(args, f.UnitID)
	}
	out, _, err := c.systemctl(ctx, args...)
	if err != nil {
		c.logger.Debug("describing unit files failed", "err", err)
		return files, nil
	}
	byID := make(map[string]map[string]string)
	for _, block := range parseShowBlocks(out) {
		byID[block["Id"]] = block
	}
	for i := range files {
		if props, ok := byID[files[i].UnitID]; ok {
			files[i].Description = props["Description"]
			files[i].Path = props["FragmentPath"]
		}
	}
	return files, nil
}

// DaemonReload runs `systemctl --user daemon-reload`.
func (c *Client) DaemonReload(ctx context.Context) error {
	if _, stderr, err := c.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", commandError(err, stderr))
	}
	return nil
}

func commandError(err error, stderr string) error {
	if s := strings.TrimSpace(stderr); s != "" {
		return fmt.Errorf("%w (stderr: %s)", err, s)
	}
	return err
}

// parseShow parses key=value lines.
func parseShow(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props
}

// parseShowBlocks parses the blank-line separated output of a multi-unit show.
func parseShowBlocks(out string) []map[string]string {
	var blocks []map[string]string
	for _, chunk := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n\n") {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		blocks = append(blocks, parseShow(chunk))
	}
	return blocks
}

func statusFromShow(props map[string]string) core.UnitStatus {
	st := core.UnitStatus{
		ActiveState: props["ActiveState"],
		SubState:    props["SubState"],
		LoadState:   props["LoadState"],
		Description: props["Description"],
	}
	if pid, err := strconv.Atoi(props["MainPID"]); err == nil && pid > 0 {
		st.MainPID = pid
	}
	return st
}

// parseUnitFiles parses `list-unit-files --no-legend` output.
func parseUnitFiles(out string) []core.UnitFile {
	var files []core.UnitFile
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		files = append(files, core.UnitFile{UnitID: fields[0], State: fields[1]})
	}
	return files
}

var (
	_ core.Prober      = (*Client)(nil)
	_ core.Controller  = (*Client)(nil)
	_ core.UnitCatalog = (*Client)(nil)
)
