package engine

import (
	"sync"

	"github.com/modoterra/unitwatch/pkg/core"
)

// ChangeKind identifies a registry mutation.
type ChangeKind int

const (
	UnitAdded ChangeKind = iota
	UnitRemoved
	UnitReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case UnitAdded:
		return "added"
	case UnitRemoved:
		return "removed"
	case UnitReplaced:
		return "replaced"
	}
	return "unknown"
}

// RegistryChange is delivered to registry subscribers after a mutation.
type RegistryChange struct {
	Kind ChangeKind
	Unit core.WatchedUnit
}

type entry struct {
	unit     core.WatchedUnit
	gen      uint64
	state    core.UnitState
	hasState bool
}

// Registry holds the watched units in insertion order together with their
// last-known state. Callers only ever receive copies.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	gen     uint64

	subMu sync.RWMutex
	subs  []func(RegistryChange)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Subscribe registers fn to be called after each mutation. Callbacks run on the
// mutating goroutine outside the registry lock; the mutation returns only after
// they do, so a callback that releases resources may block.
func (r *Registry) Subscribe(fn func(RegistryChange)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

func (r *Registry) notify(c RegistryChange) {
	r.subMu.RLock()
	subs := r.subs
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Add registers a unit. The unit id is normalized first.
func (r *Registry) Add(u core.WatchedUnit) error {
	u.UnitID = core.NormalizeUnitID(u.UnitID)
	if u.UnitID == "" {
		return &core.RegistryError{Kind: core.RegistryInvalidUnit}
	}

	r.mu.Lock()
	if _, ok := r.entries[u.UnitID]; ok {
		r.mu.Unlock()
		return &core.RegistryError{Kind: core.RegistryDuplicateUnit, UnitID: u.UnitID}
	}
	r.gen++
	r.entries[u.UnitID] = &entry{unit: u, gen: r.gen}
	r.order = append(r.order, u.UnitID)
	r.mu.Unlock()

	r.notify(RegistryChange{Kind: UnitAdded, Unit: u})
	return nil
}

// Replace swaps the definition of a watched unit, keeping its state.
func (r *Registry) Replace(u core.WatchedUnit) error {
	u.UnitID = core.NormalizeUnitID(u.UnitID)

	r.mu.Lock()
	e, ok := r.entries[u.UnitID]
	if !ok {
		r.mu.Unlock()
		return &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: u.UnitID}
	}
	e.unit = u
	r.mu.Unlock()

	r.notify(RegistryChange{Kind: UnitReplaced, Unit: u})
	return nil
}

// Remove drops a unit and its state. Removing an unknown unit is a no-op.
// It reports whether the unit was registered.
func (r *Registry) Remove(unitID string) bool {
	unitID = core.NormalizeUnitID(unitID)

	r.mu.Lock()
	e, ok := r.entries[unitID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, unitID)
	for i, id := range r.order {
		if id == unitID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify(RegistryChange{Kind: UnitRemoved, Unit: e.unit})
	return true
}

// List returns the watched units in insertion order.
func (r *Registry) List() []core.WatchedUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.WatchedUnit, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].unit)
	}
	return out
}

// Len returns the number of watched units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Get returns the definition of a watched unit.
func (r *Registry) Get(unitID string) (core.WatchedUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[core.NormalizeUnitID(unitID)]
	if !ok {
		return core.WatchedUnit{}, false
	}
	return e.unit, true
}

// Generation returns the watch generation of a unit. It changes every time the
// unit is added, so results issued under an older watch can be recognized.
func (r *Registry) Generation(unitID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[core.NormalizeUnitID(unitID)]
	if !ok {
		return 0, false
	}
	return e.gen, true
}

// State returns the last-known state of a unit.
func (r *Registry) State(unitID string) (core.UnitState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[core.NormalizeUnitID(unitID)]
	if !ok || !e.hasState {
		return core.UnitState{}, false
	}
	return e.state, true
}

// SetState stores a state unconditionally. It returns false if the unit is
// not registered.
func (r *Registry) SetState(unitID string, st core.UnitState) bool {
	unitID = core.NormalizeUnitID(unitID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[unitID]
	if !ok {
		return false
	}
	st.UnitID = unitID
	e.state = st
	e.hasState = true
	return true
}

// StateUpdate computes the next state from the previous one. prev is nil when
// the unit has no state yet.
type StateUpdate func(prev *core.UnitState) core.UnitState

// StateApplied observes a stored state. It runs under the registry lock, so
// calls for one unit happen in store order; it must not call back into the
// registry.
type StateApplied func(prev *core.UnitState, next core.UnitState)

// CompareAndSwapState applies update if the unit is still registered under gen
// and no newer probe result has been stored. The stored state's Seq must not be
// greater than seq. applied, if not nil, sees the swap before the lock is
// released. It returns the previous state (nil if none), the stored state and
// whether the update was applied.
func (r *Registry) CompareAndSwapState(unitID string, gen, seq uint64, update StateUpdate, applied StateApplied) (*core.UnitState, core.UnitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[unitID]
	if !ok || e.gen != gen {
		return nil, core.UnitState{}, false
	}
	var prev *core.UnitState
	if e.hasState {
		if e.state.Seq > seq {
			return nil, e.state, false
		}
		p := e.state
		prev = &p
	}
	next := update(prev)
	next.UnitID = unitID
	next.Seq = seq
	e.state = next
	e.hasState = true
	if applied != nil {
		applied(prev, next)
	}
	return prev, next, true
}
