package core

import "time"

// EventType names an outbound engine event.
type EventType string

const (
	EventStateChanged EventType = "state.changed"
	EventActionResult EventType = "action.result"
	EventLogLine      EventType = "log.line"
	EventTailError    EventType = "tail.error"
)

// StateChange carries the previous and the new state of a unit.
// Old is nil on the first observation.
type StateChange struct {
	Old *UnitState `json:"old,omitempty"`
	New UnitState  `json:"new"`
}

// TailFailure describes a terminal tail session error.
type TailFailure struct {
	Kind    TailErrorKind `json:"kind"`
	Message string        `json:"message,omitempty"`
	Session uint64        `json:"session"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type   EventType     `json:"type"`
	UnitID string        `json:"unit"`
	At     time.Time     `json:"at"`
	State  *StateChange  `json:"state,omitempty"`
	Action *ActionResult `json:"action,omitempty"`
	Log    *LogLine      `json:"log,omitempty"`
	Tail   *TailFailure  `json:"tail,omitempty"`
}

// NewStateChangedEvent builds a state.changed event.
func NewStateChangedEvent(old *UnitState, cur UnitState) Event {
	return Event{
		Type:   EventStateChanged,
		UnitID: cur.UnitID,
		At:     cur.ProbedAt,
		State:  &StateChange{Old: old, New: cur},
	}
}

// NewActionEvent builds an action.result event.
func NewActionEvent(res ActionResult) Event {
	return Event{Type: EventActionResult, UnitID: res.UnitID, At: res.FinishedAt, Action: &res}
}

// NewLogEvent builds a log.line event.
func NewLogEvent(line LogLine) Event {
	return Event{Type: EventLogLine, UnitID: line.UnitID, At: line.Timestamp, Log: &line}
}

// NewTailErrorEvent builds a tail.error event.
func NewTailErrorEvent(unitID string, session uint64, err *TailError, at time.Time) Event {
	f := &TailFailure{Kind: err.Kind, Session: session}
	if err.Err != nil {
		f.Message = err.Err.Error()
	}
	return Event{Type: EventTailError, UnitID: unitID, At: at, Tail: f}
}
