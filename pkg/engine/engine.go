// Package engine keeps a set of watched user units in sync with the init
// system: it polls their state, runs lifecycle commands and streams their logs,
// and reports everything it observes as events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modoterra/unitwatch/pkg/core"
)

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("engine is closed")

// Phase is the lifecycle phase of a unit inside the engine.
type Phase string

const (
	PhaseUnwatched Phase = "unwatched"
	PhasePolling   Phase = "polling"
	PhaseExecuting Phase = "executing"
)

// UnitSnapshot is a copy of everything the engine knows about one unit.
type UnitSnapshot struct {
	Unit    core.WatchedUnit `json:"unit"`
	State   *core.UnitState  `json:"state,omitempty"`
	Phase   Phase            `json:"phase"`
	Tailing bool             `json:"tailing"`
	Pending core.ActionKind  `json:"pending,omitempty"`
}

// ReloadSummary lists the unit ids touched by Reload.
type ReloadSummary struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// Changed reports whether the reload touched anything.
func (s ReloadSummary) Changed() bool {
	return len(s.Added)+len(s.Removed)+len(s.Updated) > 0
}

// Engine is the single entry point for front ends. It owns the registry and
// wires the poller, the executor and the tailer to one event bus.
type Engine struct {
	backend core.Backend
	opts    Options
	logger  *slog.Logger

	registry *Registry
	bus      *Bus
	poller   *Poller
	executor *Executor
	tailer   *Tailer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an engine over backend. Call Run to start periodic polling and
// Close to release everything.
func New(backend core.Backend, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		registry: NewRegistry(),
		bus:      NewBus(opts.LogBacklog, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.poller = NewPoller(e.registry, backend, e.bus.Publish, opts, logger)
	e.executor = NewExecutor(backend, e.postActionRefresh, opts, logger)
	e.tailer = NewTailer(ctx, backend, e.bus.Publish, opts, logger)
	e.registry.Subscribe(e.onRegistryChange)
	return e
}

// Options returns the effective tuning.
func (e *Engine) Options() Options {
	return e.opts
}

// Registry exposes the watch list for read access.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Subscribe returns the outbound event stream and its cancel func.
func (e *Engine) Subscribe() (<-chan core.Event, func()) {
	return e.bus.Subscribe()
}

// Run probes every unit once, then polls periodically until ctx is cancelled
// or the engine is closed.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.logger.Info("engine running", "units", e.registry.Len(), "interval", e.opts.PollInterval)
	e.poller.PollAll(ctx)
	e.poller.Run(ctx)
}

// Close aborts outstanding probes, closes every tail session and discards the
// results of commands still executing. It is safe to call more than once.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()
		e.tailer.CloseAll()
		e.wg.Wait()
		e.executor.Wait()
		e.bus.Close()
		e.logger.Info("engine closed")
	})
}

// track runs fn on an engine goroutine unless the engine is closed.
func (e *Engine) track(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) onRegistryChange(c RegistryChange) {
	switch c.Kind {
	case UnitRemoved:
		e.tailer.Detach(c.Unit.UnitID)
	case UnitReplaced:
		if !c.Unit.LogEnabled {
			e.tailer.Detach(c.Unit.UnitID)
		}
	}
}

func (e *Engine) postActionRefresh(unitID string) {
	e.track(func() {
		e.poller.ForceRefresh(e.ctx, unitID)
	})
}

// Watch registers a unit and probes it right away.
func (e *Engine) Watch(u core.WatchedUnit) error {
	if e.isClosed() {
		return ErrClosed
	}
	u.UnitID = core.NormalizeUnitID(u.UnitID)
	if err := e.registry.Add(u); err != nil {
		return err
	}
	e.logger.Info("unit watched", "unit", u.UnitID, "name", u.Name())
	e.RefreshNow(u.UnitID)
	return nil
}

// Unwatch forgets a unit. Its tail session is closed and the result of a
// command still executing for it is not reported. Unwatching an unknown unit
// is a no-op.
func (e *Engine) Unwatch(unitID string) bool {
	unitID = core.NormalizeUnitID(unitID)
	if !e.registry.Remove(unitID) {
		return false
	}
	e.logger.Info("unit unwatched", "unit", unitID)
	return true
}

// Reload makes the watch list equal to units. Unchanged units keep their
// state, changed definitions are replaced in place.
func (e *Engine) Reload(units []core.WatchedUnit) ReloadSummary {
	var sum ReloadSummary

	want := make(map[string]core.WatchedUnit, len(units))
	order := make([]string, 0, len(units))
	for _, u := range units {
		u.UnitID = core.NormalizeUnitID(u.UnitID)
		if u.UnitID == "" {
			e.logger.Warn("reload: skipping unit without id", "name", u.DisplayName)
			continue
		}
		if _, dup := want[u.UnitID]; dup {
			e.logger.Warn("reload: skipping duplicate unit", "unit", u.UnitID)
			continue
		}
		want[u.UnitID] = u
		order = append(order, u.UnitID)
	}

	for _, cur := range e.registry.List() {
		if _, ok := want[cur.UnitID]; !ok {
			if e.registry.Remove(cur.UnitID) {
				sum.Removed = append(sum.Removed, cur.UnitID)
			}
		}
	}

	for _, id := range order {
		u := want[id]
		cur, ok := e.registry.Get(id)
		switch {
		case !ok:
			if err := e.Watch(u); err != nil {
				e.logger.Warn("reload: watch failed", "unit", id, "err", err)
				continue
			}
			sum.Added = append(sum.Added, id)
		case cur != u:
			if err := e.registry.Replace(u); err != nil {
				e.logger.Warn("reload: replace failed", "unit", id, "err", err)
				continue
			}
			sum.Updated = append(sum.Updated, id)
		}
	}

	e.logger.Info("watch list reloaded", "added", len(sum.Added), "removed", len(sum.Removed), "updated", len(sum.Updated))
	return sum
}

// RequestAction starts a lifecycle command for a watched unit. The outcome is
// published as an action.result event.
func (e *Engine) RequestAction(unitID string, kind core.ActionKind) error {
	_, err := e.startAction(unitID, kind, nil)
	return err
}

// Execute runs a lifecycle command and waits for its outcome, which is also
// published. If ctx ends first the command keeps running and its result is
// still published.
func (e *Engine) Execute(ctx context.Context, unitID string, kind core.ActionKind) (core.ActionResult, error) {
	out := make(chan core.ActionResult, 1)
	if _, err := e.startAction(unitID, kind, out); err != nil {
		return core.ActionResult{}, err
	}
	select {
	case res := <-out:
		return res, nil
	case <-ctx.Done():
		return core.ActionResult{}, ctx.Err()
	case <-e.ctx.Done():
		return core.ActionResult{}, ErrClosed
	}
}

func (e *Engine) startAction(unitID string, kind core.ActionKind, out chan<- core.ActionResult) (uint64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	unitID = core.NormalizeUnitID(unitID)
	gen, ok := e.registry.Generation(unitID)
	if !ok {
		return 0, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}

	ch, err := e.executor.Start(e.ctx, unitID, kind)
	if err != nil {
		return 0, err
	}
	e.track(func() {
		res := <-ch
		e.deliver(gen, res)
		if out != nil {
			out <- res
		}
	})
	return gen, nil
}

// deliver publishes an action result unless the unit was unwatched (or
// re-watched) since the request or the engine shut down.
func (e *Engine) deliver(gen uint64, res core.ActionResult) bool {
	if e.ctx.Err() != nil {
		return false
	}
	cur, ok := e.registry.Generation(res.UnitID)
	if !ok || cur != gen {
		e.logger.Debug("action result discarded, unit no longer watched", "unit", res.UnitID, "action", res.Kind)
		return false
	}
	e.bus.Publish(core.NewActionEvent(res))
	return true
}

// AttachLog opens a log tail for a watched unit, replacing any existing one.
// A lineLimit of zero uses the unit's configured depth.
func (e *Engine) AttachLog(unitID string, lineLimit int) (*Session, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	unitID = core.NormalizeUnitID(unitID)
	u, ok := e.registry.Get(unitID)
	if !ok {
		return nil, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}
	if !u.LogEnabled {
		return nil, fmt.Errorf("%s: %w", unitID, core.ErrLogsDisabled)
	}
	gen, _ := e.registry.Generation(unitID)

	lines := lineLimit
	if lines <= 0 {
		lines = u.Lines()
	}
	s, err := e.tailer.Attach(unitID, core.TailOptions{Lines: lines, Follow: u.LogFollow})
	if err != nil {
		return nil, err
	}

	// Unwatched while attaching.
	if cur, ok := e.registry.Generation(unitID); !ok || cur != gen {
		s.Close()
		return nil, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}
	return s, nil
}

// DetachLog closes the log tail of a unit. It reports whether one was open.
func (e *Engine) DetachLog(unitID string) bool {
	return e.tailer.Detach(unitID)
}

// RefreshNow schedules an immediate probe of a watched unit. Requests for a
// unit whose probe is already in flight join it.
func (e *Engine) RefreshNow(unitID string) error {
	unitID = core.NormalizeUnitID(unitID)
	if _, ok := e.registry.Get(unitID); !ok {
		return &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}
	if !e.track(func() { e.poller.Refresh(e.ctx, unitID) }) {
		return ErrClosed
	}
	return nil
}

// Refresh probes a watched unit and waits for the result to be applied.
func (e *Engine) Refresh(ctx context.Context, unitID string) (UnitSnapshot, error) {
	if e.isClosed() {
		return UnitSnapshot{}, ErrClosed
	}
	unitID = core.NormalizeUnitID(unitID)
	if _, ok := e.registry.Get(unitID); !ok {
		return UnitSnapshot{}, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.poller.Refresh(ctx, unitID)
	snap, ok := e.Snapshot(unitID)
	if !ok {
		return UnitSnapshot{}, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: unitID}
	}
	return snap, ctx.Err()
}

// RefreshAll schedules an immediate probe of every watched unit.
func (e *Engine) RefreshAll() error {
	if !e.track(func() { e.poller.PollAll(e.ctx) }) {
		return ErrClosed
	}
	return nil
}

// Phase returns the lifecycle phase of a unit.
func (e *Engine) Phase(unitID string) Phase {
	unitID = core.NormalizeUnitID(unitID)
	if _, ok := e.registry.Get(unitID); !ok {
		return PhaseUnwatched
	}
	if e.executor.Busy(unitID) {
		return PhaseExecuting
	}
	return PhasePolling
}

// Snapshot returns what the engine knows about one watched unit.
func (e *Engine) Snapshot(unitID string) (UnitSnapshot, bool) {
	unitID = core.NormalizeUnitID(unitID)
	u, ok := e.registry.Get(unitID)
	if !ok {
		return UnitSnapshot{}, false
	}
	return e.snapshot(u), true
}

// Units returns a snapshot of every watched unit in watch order.
func (e *Engine) Units() []UnitSnapshot {
	units := e.registry.List()
	out := make([]UnitSnapshot, 0, len(units))
	for _, u := range units {
		out = append(out, e.snapshot(u))
	}
	return out
}

func (e *Engine) snapshot(u core.WatchedUnit) UnitSnapshot {
	snap := UnitSnapshot{Unit: u, Phase: PhasePolling}
	if st, ok := e.registry.State(u.UnitID); ok {
		snap.State = &st
	}
	if req, ok := e.executor.InFlight(u.UnitID); ok {
		snap.Phase = PhaseExecuting
		snap.Pending = req.Kind
	}
	_, snap.Tailing = e.tailer.Active(u.UnitID)
	return snap
}
