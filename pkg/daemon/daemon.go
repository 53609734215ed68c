// Package daemon exposes the sync engine over the unitwatchd socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/engine"
	"github.com/modoterra/unitwatch/pkg/providers/procfs"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

// Options configures a Daemon.
type Options struct {
	SocketPath string
	Backend    string
	Version    string
	// WatchConfig reloads the config file when it changes on disk.
	WatchConfig bool
}

// Daemon is the unitwatchd process: it owns the engine, the socket server and
// the config file.
type Daemon struct {
	server    *uds.Server
	engine    *engine.Engine
	discovery *Discovery
	alerts    *AlertPolicy
	procs     *procfs.Reader
	opts      Options
	logger    *slog.Logger

	// mu guards cfg and serializes writes to the config file.
	mu  sync.Mutex
	cfg *config.Config
}

// New creates a daemon around a running engine. catalog may be nil when the
// backend cannot list unit files.
func New(eng *engine.Engine, cfg *config.Config, catalog core.UnitCatalog, opts Options, logger *slog.Logger) *Daemon {
	if cfg == nil {
		cfg = &config.Config{}
	}
	d := &Daemon{
		server:    uds.NewServer(opts.SocketPath, logger),
		engine:    eng,
		discovery: NewDiscovery(catalog, logger),
		alerts:    NewAlertPolicy(nil),
		procs:     procfs.New(),
		opts:      opts,
		logger:    logger,
		cfg:       cfg,
	}
	d.server.SetErrorCoder(errorCode)
	d.registerHandlers()
	return d
}

// Config returns the current config.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run serves the socket, runs the engine and forwards its events until ctx is
// cancelled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	events, unsubscribe := d.engine.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Start(gctx) })
	g.Go(func() error {
		d.engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.forward(gctx, events)
		return nil
	})
	if path := d.Config().FilePath; d.opts.WatchConfig && path != "" {
		g.Go(func() error {
			return config.NewWatcher(path, d.logger).Run(gctx, func() {
				if _, err := d.ReloadConfig(); err != nil {
					d.logger.Error("config reload failed", "path", path, "err", err)
				}
			})
		})
	}
	return g.Wait()
}

// Shutdown closes the socket and the engine.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
	d.engine.Close()
}

// forward broadcasts engine events to clients, adding alerts for units that
// stopped on their own.
func (d *Daemon) forward(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.broadcast(string(evt.Type), evt)
			if alert, ok := d.alerts.Observe(evt, d.unitName(evt.UnitID)); ok {
				d.logger.Warn("unit stopped unexpectedly", "unit", alert.Unit, "from", alert.From, "to", alert.To)
				d.broadcast(uds.EventUnitAlert, alert)
			}
		}
	}
}

func (d *Daemon) broadcast(method string, data any) {
	msg, err := uds.NewEvent(method, data)
	if err != nil {
		d.logger.Error("encode event", "method", method, "err", err)
		return
	}
	d.server.Broadcast(msg)
}

func (d *Daemon) unitName(unitID string) string {
	if u, ok := d.engine.Registry().Get(unitID); ok {
		return u.Name()
	}
	return core.WatchedUnit{UnitID: unitID}.Name()
}

// ReloadConfig re-reads the config file and applies the watch list. An
// invalid file leaves the running watch list untouched.
func (d *Daemon) ReloadConfig() (engine.ReloadSummary, error) {
	d.mu.Lock()
	path := d.cfg.FilePath
	if path == "" {
		d.mu.Unlock()
		return engine.ReloadSummary{}, errors.New("no config file")
	}
	cfg, err := config.Load(path)
	if err != nil {
		d.mu.Unlock()
		return engine.ReloadSummary{}, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		d.mu.Unlock()
		return engine.ReloadSummary{}, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	if !sameEngine(d.cfg.Engine, cfg.Engine) {
		d.logger.Warn("engine settings changed, restart unitwatchd to apply them", "path", path)
	}
	d.cfg = cfg
	d.mu.Unlock()

	sum := d.engine.Reload(cfg.Units())
	for _, id := range sum.Removed {
		d.alerts.Forget(id)
	}
	if sum.Changed() {
		d.broadcast(uds.EventConfigReload, reloadResponse(sum))
	}
	return sum, nil
}

func sameEngine(a, b config.Engine) bool {
	x, _ := config.Marshal(&config.Config{Engine: a})
	y, _ := config.Marshal(&config.Config{Engine: b})
	return string(x) == string(y)
}

func reloadResponse(sum engine.ReloadSummary) uds.ReloadResponse {
	return uds.ReloadResponse{Added: sum.Added, Removed: sum.Removed, Updated: sum.Updated}
}

// persist applies fn to the config and saves it. The in-memory config is
// left untouched when saving fails.
func (d *Daemon) persist(fn func(c *config.Config) (bool, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.FilePath == "" {
		return errors.New("no config file to persist to")
	}
	next := *d.cfg
	next.Services = append([]config.Service(nil), d.cfg.Services...)
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	if err := config.Save(&next, next.FilePath); err != nil {
		return err
	}
	d.cfg = &next
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodListUnits, d.handleListUnits)
	d.server.Handle(uds.MethodGetUnit, d.handleGetUnit)
	d.server.Handle(uds.MethodWatch, d.handleWatch)
	d.server.Handle(uds.MethodUnwatch, d.handleUnwatch)
	d.server.Handle(uds.MethodAction, d.handleAction)
	d.server.Handle(uds.MethodRefresh, d.handleRefresh)
	d.server.Handle(uds.MethodAttachLog, d.handleAttachLog)
	d.server.Handle(uds.MethodDetachLog, d.handleDetachLog)
	d.server.Handle(uds.MethodReloadConfig, d.handleReloadConfig)
	d.server.Handle(uds.MethodDaemonReload, d.handleDaemonReload)
	d.server.Handle(uds.MethodDiscover, d.handleDiscover)
}

func decode(msg uds.Message, v any) error {
	if err := msg.UnmarshalData(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (d *Daemon) unitView(s engine.UnitSnapshot) uds.UnitView {
	v := uds.UnitView{
		Unit:    s.Unit,
		State:   s.State,
		Phase:   string(s.Phase),
		Tailing: s.Tailing,
		Pending: s.Pending,
	}
	if s.State != nil && s.State.MainPID > 0 {
		if p, err := d.procs.Inspect(s.State.MainPID); err == nil {
			v.Process = &p
		}
	}
	if cfg := d.Config(); cfg != nil {
		if i := cfg.Find(s.Unit.UnitID); i >= 0 {
			v.Open = cfg.Services[i].Open
		}
	}
	return v
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{
		Pong:    true,
		Version: d.opts.Version,
		Backend: d.opts.Backend,
		Units:   d.engine.Registry().Len(),
	}, nil
}

func (d *Daemon) handleListUnits(_ context.Context, _ uds.Message) (any, error) {
	snaps := d.engine.Units()
	resp := uds.ListUnitsResponse{Units: make([]uds.UnitView, 0, len(snaps))}
	for _, s := range snaps {
		resp.Units = append(resp.Units, d.unitView(s))
	}
	return resp, nil
}

func (d *Daemon) handleGetUnit(_ context.Context, msg uds.Message) (any, error) {
	var req uds.UnitRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	snap, ok := d.engine.Snapshot(req.Unit)
	if !ok {
		return nil, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: core.NormalizeUnitID(req.Unit)}
	}
	return d.unitView(snap), nil
}

func (d *Daemon) handleWatch(_ context.Context, msg uds.Message) (any, error) {
	var req uds.WatchRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	u := req.Unit
	u.UnitID = core.NormalizeUnitID(u.UnitID)
	svc := config.ServiceFromUnit(u)
	if err := config.CheckService(svc); err != nil {
		return nil, err
	}
	if err := d.engine.Watch(u); err != nil {
		return nil, err
	}

	if req.Persist {
		err := d.persist(func(c *config.Config) (bool, error) {
			if err := c.AddService(svc); err != nil {
				if errors.Is(err, core.ErrDuplicateUnit) {
					return false, nil
				}
				return false, err
			}
			return true, nil
		})
		if err != nil {
			d.engine.Unwatch(u.UnitID)
			return nil, fmt.Errorf("persist %s: %w", u.UnitID, err)
		}
	}

	d.logger.Info("unit added", "unit", u.UnitID, "persist", req.Persist)
	snap, _ := d.engine.Snapshot(u.UnitID)
	return d.unitView(snap), nil
}

func (d *Daemon) handleUnwatch(_ context.Context, msg uds.Message) (any, error) {
	var req uds.UnwatchRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	unitID := core.NormalizeUnitID(req.Unit)
	removed := d.engine.Unwatch(unitID)
	d.alerts.Forget(unitID)

	if req.Persist {
		err := d.persist(func(c *config.Config) (bool, error) {
			return c.RemoveService(unitID), nil
		})
		if err != nil {
			return nil, fmt.Errorf("persist %s: %w", unitID, err)
		}
	}
	return uds.UnwatchResponse{Removed: removed}, nil
}

func (d *Daemon) handleAction(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.ActionRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	kind, err := core.ParseActionKind(req.Action)
	if err != nil {
		return nil, err
	}
	unitID := core.NormalizeUnitID(req.Unit)

	// Noted before the request so a fast stop is already covered; undone when
	// the engine turns the request down.
	undo := func() {}
	if _, ok := d.engine.Registry().Get(unitID); ok {
		undo = d.alerts.NoteAction(unitID, kind)
	}
	if !req.Wait {
		if err := d.engine.RequestAction(unitID, kind); err != nil {
			undo()
			return nil, err
		}
		return uds.ActionResponse{Accepted: true}, nil
	}

	res, err := d.engine.Execute(ctx, unitID, kind)
	if err != nil {
		if !errors.Is(err, ctx.Err()) {
			undo()
		}
		return nil, err
	}
	return uds.ActionResponse{Accepted: true, Result: &res}, nil
}

func (d *Daemon) handleRefresh(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.RefreshRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Unit) == "" {
		return nil, d.engine.RefreshAll()
	}
	snap, err := d.engine.Refresh(ctx, req.Unit)
	if err != nil {
		return nil, err
	}
	return d.unitView(snap), nil
}

func (d *Daemon) handleAttachLog(_ context.Context, msg uds.Message) (any, error) {
	var req uds.AttachLogRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.Lines < 0 || req.Lines > config.MaxLogLines {
		return nil, fmt.Errorf("lines must be between 0 and %d", config.MaxLogLines)
	}
	s, err := d.engine.AttachLog(req.Unit, req.Lines)
	if err != nil {
		return nil, err
	}
	return uds.AttachLogResponse{Session: s.ID, Lines: s.Options.Lines, Follow: s.Options.Follow}, nil
}

func (d *Daemon) handleDetachLog(_ context.Context, msg uds.Message) (any, error) {
	var req uds.UnitRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	return uds.DetachLogResponse{Detached: d.engine.DetachLog(req.Unit)}, nil
}

func (d *Daemon) handleReloadConfig(_ context.Context, _ uds.Message) (any, error) {
	sum, err := d.ReloadConfig()
	if err != nil {
		return nil, err
	}
	return reloadResponse(sum), nil
}

func (d *Daemon) handleDaemonReload(ctx context.Context, _ uds.Message) (any, error) {
	if err := d.discovery.DaemonReload(ctx); err != nil {
		return nil, err
	}
	if err := d.engine.RefreshAll(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleDiscover(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.DiscoverRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	reg := d.engine.Registry()
	units, err := d.discovery.List(ctx, req.IncludeHidden, func(id string) bool {
		_, ok := reg.Get(id)
		return ok
	})
	if err != nil {
		return nil, err
	}
	return uds.DiscoverResponse{Units: units}, nil
}

// errorCode maps engine errors to the response code clients switch on.
func errorCode(err error) string {
	var (
		re *core.RegistryError
		ae *core.ActionError
		pe *core.ProbeError
	)
	switch {
	case errors.As(err, &re):
		return string(re.Kind)
	case errors.As(err, &ae):
		return string(ae.Kind)
	case errors.As(err, &pe):
		return string(pe.Kind)
	case errors.Is(err, core.ErrLogsDisabled):
		return "logs_disabled"
	case errors.Is(err, ErrNoCatalog):
		return "unsupported"
	case errors.Is(err, engine.ErrClosed):
		return "closed"
	}
	return ""
}
