package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/core"
)

func TestRegistry_AddNormalizesAndRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(core.WatchedUnit{UnitID: " web "}))
	require.ErrorIs(t, r.Add(core.WatchedUnit{UnitID: "web.service"}), core.ErrDuplicateUnit)
	require.ErrorIs(t, r.Add(core.WatchedUnit{UnitID: "  "}), core.ErrInvalidUnit)

	u, ok := r.Get("web")
	require.True(t, ok)
	assert.Equal(t, "web.service", u.UnitID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ListKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(core.WatchedUnit{UnitID: id}))
	}
	require.True(t, r.Remove("a"))

	var ids []string
	for _, u := range r.List() {
		ids = append(ids, u.UnitID)
	}
	assert.Equal(t, []string{"c.service", "b.service"}, ids)
}

func TestRegistry_RemovePurgesStateAndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(core.WatchedUnit{UnitID: "web"}))
	require.True(t, r.SetState("web", core.UnitState{ActiveState: core.StateActive}))

	st, ok := r.State("web.service")
	require.True(t, ok)
	assert.Equal(t, "web.service", st.UnitID)

	assert.True(t, r.Remove("web"))
	assert.False(t, r.Remove("web"))
	_, ok = r.State("web")
	assert.False(t, ok)
	assert.False(t, r.SetState("web", core.UnitState{ActiveState: core.StateActive}))
}

func TestRegistry_ReplaceKeepsState(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.Replace(core.WatchedUnit{UnitID: "web"}), core.ErrUnknownUnit)

	require.NoError(t, r.Add(core.WatchedUnit{UnitID: "web"}))
	r.SetState("web", core.UnitState{ActiveState: core.StateFailed})
	gen, _ := r.Generation("web")

	require.NoError(t, r.Replace(core.WatchedUnit{UnitID: "web", DisplayName: "Web", LogEnabled: true}))
	u, _ := r.Get("web")
	assert.Equal(t, "Web", u.DisplayName)
	st, ok := r.State("web")
	require.True(t, ok)
	assert.Equal(t, core.StateFailed, st.ActiveState)

	after, _ := r.Generation("web")
	assert.Equal(t, gen, after)
}

func TestRegistry_CompareAndSwapState(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(core.WatchedUnit{UnitID: "web"}))
	gen, _ := r.Generation("web.service")

	set := func(s core.ActiveState) StateUpdate {
		return func(prev *core.UnitState) core.UnitState { return core.UnitState{ActiveState: s} }
	}

	prev, st, ok := r.CompareAndSwapState("web.service", gen, 5, set(core.StateActive), nil)
	require.True(t, ok)
	assert.Nil(t, prev)
	assert.Equal(t, uint64(5), st.Seq)

	_, _, ok = r.CompareAndSwapState("web.service", gen, 4, set(core.StateFailed), nil)
	assert.False(t, ok, "older seq must lose")

	prev, _, ok = r.CompareAndSwapState("web.service", gen, 6, set(core.StateInactive), nil)
	require.True(t, ok)
	assert.Equal(t, core.StateActive, prev.ActiveState)

	_, _, ok = r.CompareAndSwapState("web.service", gen+1, 7, set(core.StateFailed), nil)
	assert.False(t, ok, "stale generation must lose")
}

func TestRegistry_SubscribeSeesChanges(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.Subscribe(func(c RegistryChange) {
		got = append(got, c.Kind.String()+":"+c.Unit.UnitID)
		// Callbacks run outside the lock.
		r.Len()
	})

	require.NoError(t, r.Add(core.WatchedUnit{UnitID: "web"}))
	require.NoError(t, r.Replace(core.WatchedUnit{UnitID: "web"}))
	r.Remove("web")
	r.Remove("web")

	assert.Equal(t, []string{"added:web.service", "replaced:web.service", "removed:web.service"}, got)
}
