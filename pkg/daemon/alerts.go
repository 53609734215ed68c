package daemon

import (
	"sync"
	"time"

	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

// Suppression windows after a user action. A restart passes through
// inactive on its way back up, so it gets a little longer.
const (
	ActionSuppression  = 10 * time.Second
	RestartSuppression = 12 * time.Second
)

// AlertPolicy decides when a unit that stopped deserves an alert. Stops
// that follow a user action within the suppression window are expected.
type AlertPolicy struct {
	now func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

// NewAlertPolicy creates a policy. now may be nil.
func NewAlertPolicy(now func() time.Time) *AlertPolicy {
	if now == nil {
		now = time.Now
	}
	return &AlertPolicy{now: now, until: make(map[string]time.Time)}
}

// NoteAction records that the user asked for kind on unitID. The returned func
// restores the previous window; call it when the engine rejects the request.
func (p *AlertPolicy) NoteAction(unitID string, kind core.ActionKind) (undo func()) {
	window := ActionSuppression
	if kind == core.ActionRestart {
		window = RestartSuppression
	}
	p.mu.Lock()
	prev, hadPrev := p.until[unitID]
	noted := p.now().Add(window)
	p.until[unitID] = noted
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.until[unitID]; !ok || !cur.Equal(noted) {
			return
		}
		if hadPrev {
			p.until[unitID] = prev
		} else {
			delete(p.until, unitID)
		}
	}
}

// Forget drops any suppression for unitID.
func (p *AlertPolicy) Forget(unitID string) {
	p.mu.Lock()
	delete(p.until, unitID)
	p.mu.Unlock()
}

func (p *AlertPolicy) suppressed(unitID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.until[unitID]
	if !ok {
		return false
	}
	if !p.now().Before(until) {
		delete(p.until, unitID)
		return false
	}
	return true
}

// Observe inspects an engine event. It returns an alert when a unit went from
// active to inactive or failed on its own. name labels the alert.
func (p *AlertPolicy) Observe(evt core.Event, name string) (uds.UnitAlert, bool) {
	switch evt.Type {
	case core.EventActionResult:
		if evt.Action != nil && !evt.Action.Succeeded {
			p.Forget(evt.UnitID)
		}
	case core.EventStateChanged:
		sc := evt.State
		if sc == nil || sc.Old == nil || sc.Old.ActiveState != core.StateActive {
			return uds.UnitAlert{}, false
		}
		if to := sc.New.ActiveState; to != core.StateInactive && to != core.StateFailed {
			return uds.UnitAlert{}, false
		}
		if p.suppressed(evt.UnitID) {
			return uds.UnitAlert{}, false
		}
		return uds.UnitAlert{
			Unit: evt.UnitID,
			Name: name,
			From: sc.Old.ActiveState,
			To:   sc.New.ActiveState,
			At:   sc.New.ProbedAt,
		}, true
	}
	return uds.UnitAlert{}, false
}
