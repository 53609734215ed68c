package uds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/providers/procfs"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	// Code is the error kind, when the failure has one.
	Code string `json:"code,omitempty"`
}

// UnmarshalData decodes the payload into v. An empty payload leaves v untouched.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Data: raw}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// Methods
const (
	MethodPing         = "Ping"
	MethodListUnits    = "ListUnits"
	MethodGetUnit      = "GetUnit"
	MethodWatch        = "Watch"
	MethodUnwatch      = "Unwatch"
	MethodAction       = "Action"
	MethodRefresh      = "Refresh"
	MethodAttachLog    = "AttachLog"
	MethodDetachLog    = "DetachLog"
	MethodReloadConfig = "ReloadConfig"
	MethodDaemonReload = "DaemonReload"
	MethodDiscover     = "Discover"

	// Engine events keep their core.EventType name.
	EventStateChanged = string(core.EventStateChanged)
	EventActionResult = string(core.EventActionResult)
	EventLogLine      = string(core.EventLogLine)
	EventTailError    = string(core.EventTailError)
	EventUnitAlert    = "unit.alert"
	EventConfigReload = "config.reloaded"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
	Backend string `json:"backend,omitempty"`
	Units   int    `json:"units"`
}

// UnitRequest names a single unit.
type UnitRequest struct {
	Unit string `json:"unit"`
}

// UnitView is a watched unit and its last known state.
type UnitView struct {
	Unit    core.WatchedUnit `json:"watch"`
	State   *core.UnitState  `json:"state,omitempty"`
	Phase   string           `json:"phase"`
	Tailing bool             `json:"tailing"`
	Pending core.ActionKind  `json:"pending,omitempty"`
	// Process describes the main process of an active service.
	Process *procfs.Process `json:"process,omitempty"`
	// Open lists the service's configured open actions.
	Open config.OpenActions `json:"open,omitempty"`
}

// ListUnitsResponse is the response to ListUnits.
type ListUnitsResponse struct {
	Units []UnitView `json:"units"`
}

// WatchRequest adds a unit to the watch list.
type WatchRequest struct {
	Unit core.WatchedUnit `json:"unit"`
	// Persist also writes the unit to the config file.
	Persist bool `json:"persist,omitempty"`
}

// UnwatchRequest removes a unit from the watch list.
type UnwatchRequest struct {
	Unit    string `json:"unit"`
	Persist bool   `json:"persist,omitempty"`
}

// UnwatchResponse reports whether the unit was watched.
type UnwatchResponse struct {
	Removed bool `json:"removed"`
}

// ActionRequest is the payload for an Action request.
type ActionRequest struct {
	Unit   string `json:"unit"`
	Action string `json:"action"` // start, stop, restart
	// Wait blocks the response until the action finished.
	Wait bool `json:"wait,omitempty"`
}

// ActionResponse acknowledges an action. Result is set when Wait was requested.
type ActionResponse struct {
	Accepted bool               `json:"accepted"`
	Result   *core.ActionResult `json:"result,omitempty"`
}

// RefreshRequest refreshes one unit, or all when Unit is empty.
type RefreshRequest struct {
	Unit string `json:"unit,omitempty"`
}

// AttachLogRequest starts a tail session.
type AttachLogRequest struct {
	Unit  string `json:"unit"`
	Lines int    `json:"lines,omitempty"`
}

// AttachLogResponse identifies the started session.
type AttachLogResponse struct {
	Session uint64 `json:"session"`
	Lines   int    `json:"lines"`
	Follow  bool   `json:"follow"`
}

// DetachLogResponse reports whether a session was active.
type DetachLogResponse struct {
	Detached bool `json:"detached"`
}

// ReloadResponse lists the watch-list changes of a config reload.
type ReloadResponse struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// DiscoverRequest lists installed user services.
type DiscoverRequest struct {
	IncludeHidden bool `json:"include_hidden,omitempty"`
}

// DiscoveredUnit is one installed unit file.
type DiscoveredUnit struct {
	core.UnitFile
	Watched bool `json:"watched"`
	Hidden  bool `json:"hidden,omitempty"`
}

// DiscoverResponse is the response to Discover.
type DiscoverResponse struct {
	Units []DiscoveredUnit `json:"units"`
}

// UnitAlert is pushed when a unit stopped without the user asking.
type UnitAlert struct {
	Unit string           `json:"unit"`
	Name string           `json:"name"`
	From core.ActiveState `json:"from"`
	To   core.ActiveState `json:"to"`
	At   time.Time        `json:"at"`
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/unitwatch.sock, or a per-user
// path under the temp dir when no runtime dir is set.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "unitwatch.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("unitwatch-%d.sock", os.Getuid()))
}
