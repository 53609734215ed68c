package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modoterra/unitwatch/pkg/core"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func transition(unitID string, from, to core.ActiveState) core.Event {
	old := core.UnitState{UnitID: unitID, ActiveState: from}
	return core.NewStateChangedEvent(&old, core.UnitState{UnitID: unitID, ActiveState: to})
}

func TestAlertOnUnexpectedStop(t *testing.T) {
	p := NewAlertPolicy(nil)
	tests := []struct {
		name     string
		evt      core.Event
		expected bool
	}{
		{"active to failed", transition("a.service", core.StateActive, core.StateFailed), true},
		{"active to inactive", transition("a.service", core.StateActive, core.StateInactive), true},
		{"active to deactivating", transition("a.service", core.StateActive, core.StateDeactivating), false},
		{"inactive to failed", transition("a.service", core.StateInactive, core.StateFailed), false},
		{"first observation", core.NewStateChangedEvent(nil, core.UnitState{UnitID: "a.service", ActiveState: core.StateFailed}), false},
		{"log line", core.NewLogEvent(core.LogLine{UnitID: "a.service"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, ok := p.Observe(tt.evt, "a")
			assert.Equal(t, tt.expected, ok)
			if ok {
				assert.Equal(t, "a.service", alert.Unit)
				assert.Equal(t, "a", alert.Name)
				assert.Equal(t, core.StateActive, alert.From)
			}
		})
	}
}

func TestAlertSuppressedAfterUserAction(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := NewAlertPolicy(clock.now)

	p.NoteAction("a.service", core.ActionStop)
	clock.advance(9 * time.Second)
	_, ok := p.Observe(transition("a.service", core.StateActive, core.StateInactive), "a")
	assert.False(t, ok)

	clock.advance(2 * time.Second)
	_, ok = p.Observe(transition("a.service", core.StateActive, core.StateInactive), "a")
	assert.True(t, ok)
}

func TestRestartSuppressionIsLonger(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := NewAlertPolicy(clock.now)

	p.NoteAction("a.service", core.ActionRestart)
	clock.advance(11 * time.Second)
	_, ok := p.Observe(transition("a.service", core.StateActive, core.StateFailed), "a")
	assert.False(t, ok)

	// Other units are not affected.
	_, ok = p.Observe(transition("b.service", core.StateActive, core.StateFailed), "b")
	assert.True(t, ok)
}

func TestFailedActionClearsSuppression(t *testing.T) {
	p := NewAlertPolicy(nil)
	p.NoteAction("a.service", core.ActionStart)

	res := core.ActionResult{UnitID: "a.service", Kind: core.ActionStart, Succeeded: false, Failure: core.ActionCommandFailed}
	_, ok := p.Observe(core.NewActionEvent(res), "a")
	assert.False(t, ok)

	_, ok = p.Observe(transition("a.service", core.StateActive, core.StateFailed), "a")
	assert.True(t, ok)
}

func TestNoteActionUndo(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := NewAlertPolicy(clock.now)

	undo := p.NoteAction("a.service", core.ActionStart)
	undo()
	assert.False(t, p.suppressed("a.service"))

	p.NoteAction("a.service", core.ActionStop)
	clock.advance(5 * time.Second)
	undo = p.NoteAction("a.service", core.ActionRestart)
	undo()
	clock.advance(4 * time.Second)
	assert.True(t, p.suppressed("a.service"), "earlier window survives")
	clock.advance(2 * time.Second)
	assert.False(t, p.suppressed("a.service"))
}
