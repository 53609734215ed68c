package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/modoterra/unitwatch/pkg/core"
)

// Poller keeps unit states fresh: every interval it probes all watched units
// with bounded parallelism, and it serves on-demand refreshes. emit must not
// block or call into the registry; it runs under the registry lock.
type Poller struct {
	registry *Registry
	prober   core.Prober
	emit     func(core.Event)
	opts     Options
	logger   *slog.Logger

	flight singleflight.Group
	seq    atomic.Uint64
	probes atomic.Int64
}

// NewPoller creates a poller over the registry.
func NewPoller(registry *Registry, prober core.Prober, emit func(core.Event), opts Options, logger *slog.Logger) *Poller {
	return &Poller{
		registry: registry,
		prober:   prober,
		emit:     emit,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Run polls every interval until ctx is cancelled. Cycles never overlap.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs one cycle over every watched unit and waits for it.
func (p *Poller) PollAll(ctx context.Context) {
	units := p.registry.List()
	if len(units) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)
	for _, u := range units {
		unitID := u.UnitID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			p.Refresh(ctx, unitID)
			return nil
		})
	}
	_ = g.Wait()
}

// Refresh probes one unit and applies the result. Concurrent refreshes of the
// same unit share a single probe.
func (p *Poller) Refresh(ctx context.Context, unitID string) {
	unitID = core.NormalizeUnitID(unitID)
	_, _, _ = p.flight.Do(unitID, func() (any, error) {
		p.probeAndApply(ctx, unitID)
		return nil, nil
	})
}

// ForceRefresh issues a new probe even if one is in flight. The older probe
// loses by issue order when it completes.
func (p *Poller) ForceRefresh(ctx context.Context, unitID string) {
	unitID = core.NormalizeUnitID(unitID)
	p.flight.Forget(unitID)
	p.Refresh(ctx, unitID)
}

// Probes returns the number of probes issued so far.
func (p *Poller) Probes() int64 {
	return p.probes.Load()
}

func (p *Poller) probeAndApply(ctx context.Context, unitID string) {
	gen, ok := p.registry.Generation(unitID)
	if !ok {
		return
	}
	seq := p.seq.Add(1)
	p.probes.Add(1)
	issuedAt := p.opts.Now()

	pctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	status, err := p.prober.Probe(pctx, unitID)
	if err != nil && pctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var pe *core.ProbeError
		if !errors.As(err, &pe) || pe.Kind != core.ProbeTimeout {
			err = &core.ProbeError{Kind: core.ProbeTimeout, UnitID: unitID, Err: err}
		}
	}
	cancel()

	if ctx.Err() != nil {
		return
	}
	p.apply(unitID, gen, seq, issuedAt, status, err)
}

func (p *Poller) apply(unitID string, gen, seq uint64, issuedAt time.Time, status core.UnitStatus, probeErr error) {
	now := p.opts.Now()

	var next core.UnitState
	if probeErr != nil {
		next = core.UnitState{
			ActiveState: core.StateUnknown,
			LastError:   probeErr.Error(),
			ProbedAt:    issuedAt,
		}
	} else {
		next = core.UnitState{
			ActiveState: core.ParseActiveState(status.ActiveState),
			SubState:    status.SubState,
			LoadState:   status.LoadState,
			Description: status.Description,
			MainPID:     status.MainPID,
			ProbedAt:    issuedAt,
		}
	}

	var emit bool
	prev, stored, applied := p.registry.CompareAndSwapState(unitID, gen, seq, func(prev *core.UnitState) core.UnitState {
		st := next
		switch {
		case prev == nil:
			st.LastChangedAt = now
			emit = true
		case probeErr != nil:
			// Only the transition into unknown is reported.
			emit = prev.ActiveState != core.StateUnknown
			if emit {
				st.LastChangedAt = now
			} else {
				st.LastChangedAt = prev.LastChangedAt
			}
		case !prev.SameStatus(st):
			st.LastChangedAt = now
			emit = true
		default:
			st.LastChangedAt = prev.LastChangedAt
		}
		return st
	}, func(prev *core.UnitState, stored core.UnitState) {
		// Publishing under the registry lock keeps events in store order.
		if emit {
			p.emit(core.NewStateChangedEvent(prev, stored))
		}
	})
	if !applied {
		p.logger.Debug("probe result discarded", "unit", unitID, "seq", seq)
		return
	}

	if probeErr != nil {
		p.logger.Debug("probe failed", "unit", unitID, "kind", core.ProbeErrorKindOf(probeErr), "err", probeErr)
	}
	if emit {
		p.logger.Info("unit state changed", "unit", unitID, "old", describe(prev), "new", stored.String())
	}
}

func describe(st *core.UnitState) string {
	if st == nil {
		return "none"
	}
	return st.String()
}
