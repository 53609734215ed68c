// Package systemd binds the engine to the user instance of systemd over D-Bus.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/modoterra/unitwatch/pkg/core"
)

// Provider probes and controls user units via the session bus. It keeps one
// connection and re-dials it after the bus drops.
type Provider struct {
	logger *slog.Logger
	dial   func(ctx context.Context) (*dbus.Conn, error)

	mu   sync.Mutex
	conn *dbus.Conn
}

// New creates a provider for the calling user's systemd instance.
func New(logger *slog.Logger) *Provider {
	return &Provider{logger: logger, dial: dbus.NewUserConnectionContext}
}

func (p *Provider) Name() string { return "systemd" }

func (p *Provider) connect(ctx context.Context) (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.Connected() {
		return p.conn, nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	p.conn = conn
	p.logger.Debug("connected to user bus")
	return conn, nil
}

// drop discards conn so the next call re-dials.
func (p *Provider) drop(conn *dbus.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn {
		p.conn.Close()
		p.conn = nil
	}
}

// Close releases the bus connection.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Probe reads the unit's properties. A unit systemd does not know about
// yields ProbeNotFound.
func (p *Provider) Probe(ctx context.Context, unitID string) (core.UnitStatus, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return core.UnitStatus{}, probeError(ctx, unitID, err)
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unitID)
	if err != nil {
		perr := probeError(ctx, unitID, err)
		if perr.Kind == core.ProbeUnavailable {
			p.drop(conn)
		}
		return core.UnitStatus{}, perr
	}

	st := statusFromProperties(props)
	if st.LoadState == "not-found" {
		return st, &core.ProbeError{Kind: core.ProbeNotFound, UnitID: unitID}
	}
	if st.ActiveState == "active" && strings.HasSuffix(unitID, ".service") {
		if svc, err := conn.GetUnitTypePropertiesContext(ctx, unitID, "Service"); err == nil {
			st.MainPID = pidProperty(svc, "MainPID")
		}
	}
	return st, nil
}

// Act enqueues a job in "replace" mode and waits for its result.
func (p *Provider) Act(ctx context.Context, unitID string, kind core.ActionKind) (string, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return "", err
	}

	ch := make(chan string, 1)
	switch kind {
	case core.ActionStart:
		_, err = conn.StartUnitContext(ctx, unitID, "replace", ch)
	case core.ActionStop:
		_, err = conn.StopUnitContext(ctx, unitID, "replace", ch)
	case core.ActionRestart:
		_, err = conn.RestartUnitContext(ctx, unitID, "replace", ch)
	default:
		return "", fmt.Errorf("unsupported action %q for systemd unit", kind)
	}
	if err != nil {
		if ctx.Err() == nil && !isNoSuchUnit(err) {
			p.drop(conn)
		}
		return dbusMessage(err), fmt.Errorf("systemd %s %s: %w", kind, unitID, err)
	}

	var result string
	select {
	case result = <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if result == "done" {
		return fmt.Sprintf("%s %s: job done", kind, unitID), nil
	}

	unitResult := ""
	if strings.HasSuffix(unitID, ".service") {
		if svc, err := conn.GetUnitTypePropertiesContext(ctx, unitID, "Service"); err == nil {
			unitResult = stringProperty(svc, "Result")
		}
	}
	info := jobFailure(unitID, kind, result, unitResult)
	return info, fmt.Errorf("systemd %s %s: job result %q", kind, unitID, result)
}

// ListUnitFiles returns the installed user service files.
func (p *Provider) ListUnitFiles(ctx context.Context) ([]core.UnitFile, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	files, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{"*.service"})
	if err != nil {
		p.drop(conn)
		return nil, fmt.Errorf("list unit files: %w", err)
	}

	out := make([]core.UnitFile, 0, len(files))
	for _, f := range files {
		uf := core.UnitFile{
			UnitID: filepath.Base(f.Path),
			State:  f.Type,
			Path:   f.Path,
		}
		if props, err := conn.GetUnitPropertiesContext(ctx, uf.UnitID); err == nil {
			uf.Description = stringProperty(props, "Description")
			if frag := stringProperty(props, "FragmentPath"); frag != "" {
				uf.Path = frag
			}
		}
		out = append(out, uf)
	}
	return out, nil
}

// DaemonReload asks the manager to reload unit files.
func (p *Provider) DaemonReload(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	p.logger.Info("systemd manager reloaded")
	return nil
}

var (
	_ core.Prober      = (*Provider)(nil)
	_ core.Controller  = (*Provider)(nil)
	_ core.UnitCatalog = (*Provider)(nil)
)
