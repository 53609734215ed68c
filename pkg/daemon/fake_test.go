package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/engine"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSystemd is an in-memory user manager.
type fakeSystemd struct {
	mu      sync.Mutex
	status  map[string]core.UnitStatus
	files   []core.UnitFile
	lists   int
	reloads int

	// actGate, when set, holds every action until it is closed.
	actGate chan struct{}
}

func newFakeSystemd() *fakeSystemd {
	return &fakeSystemd{status: make(map[string]core.UnitStatus)}
}

func (f *fakeSystemd) set(unitID, active, sub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[unitID] = core.UnitStatus{ActiveState: active, SubState: sub, LoadState: "loaded"}
}

func (f *fakeSystemd) Probe(_ context.Context, unitID string) (core.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[unitID]
	if !ok {
		return core.UnitStatus{}, &core.ProbeError{Kind: core.ProbeNotFound, UnitID: unitID}
	}
	return st, nil
}

func (f *fakeSystemd) Act(ctx context.Context, unitID string, kind core.ActionKind) (string, error) {
	f.mu.Lock()
	gate := f.actGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch kind {
	case core.ActionStop:
		f.set(unitID, "inactive", "dead")
	default:
		f.set(unitID, "active", "running")
	}
	return string(kind) + " " + unitID + ": job done", nil
}

func (f *fakeSystemd) Stream(ctx context.Context, unitID string, _ core.TailOptions) (core.LogStream, error) {
	return &idleStream{ctx: ctx}, nil
}

func (f *fakeSystemd) ListUnitFiles(context.Context) ([]core.UnitFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return append([]core.UnitFile(nil), f.files...), nil
}

func (f *fakeSystemd) DaemonReload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

// idleStream never yields a line.
type idleStream struct{ ctx context.Context }

func (s *idleStream) Next() (core.LogLine, error) {
	<-s.ctx.Done()
	return core.LogLine{}, s.ctx.Err()
}

func (s *idleStream) Close() error { return nil }

// newTestDaemon builds a daemon over fresh config in a temp dir. The socket
// is not started.
func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *fakeSystemd) {
	t.Helper()
	dir := t.TempDir()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.FilePath = filepath.Join(dir, config.FileName)
	require.NoError(t, config.Save(cfg, cfg.FilePath))

	fake := newFakeSystemd()
	eng := engine.New(fake, engine.Options{PollInterval: time.Hour, ProbeTimeout: time.Second}, testLogger())
	for _, u := range cfg.Units() {
		require.NoError(t, eng.Watch(u))
	}
	d := New(eng, cfg, fake, Options{SocketPath: filepath.Join(dir, "d.sock"), Backend: "fake", Version: "test"}, testLogger())
	t.Cleanup(d.Shutdown)
	return d, fake
}

func makeMsg(t *testing.T, req any) uds.Message {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return uds.Message{Type: uds.MsgTypeReq, Data: data}
}
