package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/core"
)

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(10, testLogger())
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(core.NewLogEvent(core.LogLine{UnitID: "web.service", Text: "x"}))
		}
		bus.Publish(core.NewStateChangedEvent(nil, core.UnitState{UnitID: "web.service", ActiveState: core.StateActive}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	logs := 0
	for evt := range events {
		if evt.Type == core.EventStateChanged {
			break
		}
		logs++
	}
	assert.LessOrEqual(t, logs, 11, "log lines above the backlog are dropped")
	assert.Positive(t, logs)
}

func TestBus_StateEventsAreNeverDropped(t *testing.T) {
	bus := NewBus(1, testLogger())
	defer bus.Close()
	events, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 500; i++ {
		bus.Publish(core.NewActionEvent(core.ActionResult{UnitID: "web.service", Kind: core.ActionStart}))
	}
	for i := 0; i < 500; i++ {
		evt := <-events
		require.Equal(t, core.EventActionResult, evt.Type)
	}
}

func TestBus_FanOutAndCancel(t *testing.T) {
	bus := NewBus(0, testLogger())
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(core.NewLogEvent(core.LogLine{UnitID: "web.service", Text: "hi"}))
	assert.Equal(t, "hi", (<-a).Log.Text)
	assert.Equal(t, "hi", (<-b).Log.Text)

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)

	bus.Close()
	_, ok = <-b
	assert.False(t, ok)
}
