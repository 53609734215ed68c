package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/modoterra/unitwatch/pkg/core"
)

// Executor runs lifecycle commands with at most one command in flight per unit.
type Executor struct {
	controller core.Controller
	refresh    func(unitID string)
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]core.ActionRequest
	wg       sync.WaitGroup
}

// NewExecutor creates an executor. refresh is invoked exactly once after every
// executed command.
func NewExecutor(controller core.Controller, refresh func(unitID string), opts Options, logger *slog.Logger) *Executor {
	if refresh == nil {
		refresh = func(string) {}
	}
	return &Executor{
		controller: controller,
		refresh:    refresh,
		opts:       opts.withDefaults(),
		logger:     logger,
		inflight:   make(map[string]core.ActionRequest),
	}
}

// Busy reports whether a command is executing for the unit.
func (x *Executor) Busy(unitID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.inflight[core.NormalizeUnitID(unitID)]
	return ok
}

// InFlight returns the request executing for the unit, if any.
func (x *Executor) InFlight(unitID string) (core.ActionRequest, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	req, ok := x.inflight[core.NormalizeUnitID(unitID)]
	return req, ok
}

// Start claims the unit and runs the command in the background. It fails
// immediately with ActionBusy if a command is already executing for the unit.
// The returned channel yields exactly one result.
func (x *Executor) Start(ctx context.Context, unitID string, kind core.ActionKind) (<-chan core.ActionResult, error) {
	unitID = core.NormalizeUnitID(unitID)
	if unitID == "" {
		return nil, &core.RegistryError{Kind: core.RegistryInvalidUnit}
	}
	if _, err := core.ParseActionKind(string(kind)); err != nil {
		return nil, err
	}

	req := core.ActionRequest{UnitID: unitID, Kind: kind, RequestedAt: x.opts.Now()}

	x.mu.Lock()
	if cur, ok := x.inflight[unitID]; ok {
		x.mu.Unlock()
		x.logger.Info("action rejected, unit busy", "unit", unitID, "action", kind, "running", cur.Kind)
		return nil, &core.ActionError{Kind: core.ActionBusy, UnitID: unitID, Action: kind}
	}
	x.inflight[unitID] = req
	x.wg.Add(1)
	x.mu.Unlock()

	out := make(chan core.ActionResult, 1)
	go func() {
		defer x.wg.Done()
		res := x.run(ctx, req)

		x.mu.Lock()
		delete(x.inflight, unitID)
		x.mu.Unlock()

		x.refresh(unitID)
		out <- res
	}()
	return out, nil
}

// Wait blocks until every started command has finished.
func (x *Executor) Wait() {
	x.wg.Wait()
}

func (x *Executor) run(ctx context.Context, req core.ActionRequest) core.ActionResult {
	timeout := x.opts.ActionTimeout(req.Kind)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	x.logger.Info("executing action", "unit", req.UnitID, "action", req.Kind, "timeout", timeout)
	info, err := x.controller.Act(actx, req.UnitID, req.Kind)

	res := core.ActionResult{
		UnitID:      req.UnitID,
		Kind:        req.Kind,
		RequestedAt: req.RequestedAt,
		FinishedAt:  x.opts.Now(),
	}
	switch {
	case err == nil:
		res.Succeeded = true
		res.ExitInfo = strings.TrimSpace(info)
	case errors.Is(actx.Err(), context.DeadlineExceeded) || errors.Is(err, core.ErrActionTimeout):
		res.Failure = core.ActionTimeout
		res.ExitInfo = "timeout"
	default:
		res.Failure = core.ActionCommandFailed
		res.ExitInfo = diagnostic(info, err)
	}

	if res.Succeeded {
		x.logger.Info("action finished", "unit", req.UnitID, "action", req.Kind)
	} else {
		x.logger.Warn("action failed", "unit", req.UnitID, "action", req.Kind, "failure", res.Failure, "info", res.ExitInfo)
	}
	return res
}

// diagnostic prefers the command's own output over the Go error text.
func diagnostic(info string, err error) string {
	if s := strings.TrimSpace(info); s != "" {
		return s
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
