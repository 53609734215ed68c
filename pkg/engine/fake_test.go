package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	o := DefaultOptions()
	o.PollInterval = time.Hour
	o.ProbeTimeout = time.Second
	o.TailBackoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	return o
}

// fakeBackend is an in-memory init system.
type fakeBackend struct {
	mu       sync.Mutex
	status   map[string]core.UnitStatus
	probeErr map[string]error

	probeHook  func(ctx context.Context, unitID string) (core.UnitStatus, bool, error)
	actHook    func(ctx context.Context, unitID string, kind core.ActionKind) (string, error)
	streamHook func(ctx context.Context, unitID string, opts core.TailOptions, call int) (core.LogStream, error)

	probes      atomic.Int64
	acts        atomic.Int64
	streamCalls atomic.Int64
	openStreams atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:   make(map[string]core.UnitStatus),
		probeErr: make(map[string]error),
	}
}

func (f *fakeBackend) set(unitID, active, sub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[unitID] = core.UnitStatus{ActiveState: active, SubState: sub, LoadState: "loaded"}
	delete(f.probeErr, unitID)
}

func (f *fakeBackend) fail(unitID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr[unitID] = err
}

func (f *fakeBackend) onProbe(hook func(ctx context.Context, unitID string) (core.UnitStatus, bool, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeHook = hook
}

func (f *fakeBackend) Probe(ctx context.Context, unitID string) (core.UnitStatus, error) {
	f.probes.Add(1)
	f.mu.Lock()
	hook := f.probeHook
	f.mu.Unlock()
	if hook != nil {
		if st, ok, err := hook(ctx, unitID); ok {
			return st, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.probeErr[unitID]; ok {
		return core.UnitStatus{}, err
	}
	st, ok := f.status[unitID]
	if !ok {
		return core.UnitStatus{}, &core.ProbeError{Kind: core.ProbeNotFound, UnitID: unitID}
	}
	return st, nil
}

func (f *fakeBackend) Act(ctx context.Context, unitID string, kind core.ActionKind) (string, error) {
	f.acts.Add(1)
	if f.actHook != nil {
		return f.actHook(ctx, unitID, kind)
	}
	return "done", nil
}

func (f *fakeBackend) Stream(ctx context.Context, unitID string, opts core.TailOptions) (core.LogStream, error) {
	call := int(f.streamCalls.Add(1))
	if f.streamHook != nil {
		return f.streamHook(ctx, unitID, opts, call)
	}
	return f.newStream(ctx, unitID, nil, nil), nil
}

// newStream yields lines, then returns end, or blocks until ctx is done when
// end is nil.
func (f *fakeBackend) newStream(ctx context.Context, unitID string, lines []string, end error) *fakeStream {
	f.openStreams.Add(1)
	return &fakeStream{ctx: ctx, unitID: unitID, lines: lines, end: end, backend: f}
}

type fakeStream struct {
	ctx     context.Context
	unitID  string
	lines   []string
	end     error
	backend *fakeBackend
	once    sync.Once
}

func (s *fakeStream) Next() (core.LogLine, error) {
	if len(s.lines) > 0 {
		text := s.lines[0]
		s.lines = s.lines[1:]
		return core.LogLine{UnitID: s.unitID, Timestamp: time.Now(), Source: "fake", Text: text}, nil
	}
	if s.end != nil {
		return core.LogLine{}, s.end
	}
	<-s.ctx.Done()
	return core.LogLine{}, s.ctx.Err()
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { s.backend.openStreams.Add(-1) })
	return nil
}

var _ core.Backend = (*fakeBackend)(nil)

// nextEvent returns the next event of type typ, skipping others.
func nextEvent(t *testing.T, ch <-chan core.Event, typ core.EventType) core.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			require.FailNowf(t, "timeout", "no %s event", typ)
		}
	}
}

// noEvent asserts that no event of type typ arrives within d.
func noEvent(t *testing.T, ch <-chan core.Event, typ core.EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			require.NotEqualf(t, typ, evt.Type, "unexpected %s event for %s", typ, evt.UnitID)
		case <-deadline:
			return
		}
	}
}
