package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// fakeDaemon serves canned responses on a temp socket.
func fakeDaemon(t *testing.T, setup func(*uds.Server)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "d.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := uds.NewServer(sock, logger)
	setup(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	return sock
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - name: Web\n    unit: nginx\n"), 0o644))

	out, err := execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (1 services)")
}

func TestConfigValidateInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("services:\n  - name: Web\n"), 0o644))

	out, err := execute(t, "config", "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "unit is required")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unitwatch", config.FileName)

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "unitwatch dev")
}

func TestStatusCommand(t *testing.T) {
	sock := fakeDaemon(t, func(s *uds.Server) {
		s.Handle(uds.MethodListUnits, func(context.Context, uds.Message) (any, error) {
			return uds.ListUnitsResponse{Units: []uds.UnitView{
				{
					Unit:  core.WatchedUnit{DisplayName: "ComfyUI", UnitID: "comfyui.service"},
					State: &core.UnitState{UnitID: "comfyui.service", ActiveState: core.StateActive, SubState: "running", MainPID: 4242},
					Phase: "polling",
				},
				{Unit: core.WatchedUnit{UnitID: "db.service"}, Phase: "executing", Pending: core.ActionStart},
			}}, nil
		})
	})

	out, err := execute(t, "--socket", sock, "status", "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "ComfyUI")
	assert.Contains(t, out, "active/running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "starting")
}

func TestActionCommandReportsFailure(t *testing.T) {
	sock := fakeDaemon(t, func(s *uds.Server) {
		s.Handle(uds.MethodAction, func(_ context.Context, msg uds.Message) (any, error) {
			var req uds.ActionRequest
			if err := msg.UnmarshalData(&req); err != nil {
				return nil, err
			}
			res := core.ActionResult{UnitID: "web.service", Kind: core.ActionKind(req.Action), Succeeded: req.Action != "restart"}
			if !res.Succeeded {
				res.Failure = core.ActionCommandFailed
				res.ExitInfo = "Job for web.service failed"
			}
			return uds.ActionResponse{Accepted: true, Result: &res}, nil
		})
	})

	out, err := execute(t, "--socket", sock, "start", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "start → web.service")

	_, err = execute(t, "--socket", sock, "restart", "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job for web.service failed")
}

func TestLogsCommandEndsWithStream(t *testing.T) {
	var srv *uds.Server
	sock := fakeDaemon(t, func(s *uds.Server) {
		srv = s
		s.Handle(uds.MethodAttachLog, func(context.Context, uds.Message) (any, error) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				line := core.LogLine{UnitID: "web.service", Source: "web", Text: "ready", Timestamp: time.Now()}
				evt, _ := uds.NewEvent(uds.EventLogLine, core.NewLogEvent(line))
				srv.Broadcast(evt)
				other, _ := uds.NewEvent(uds.EventLogLine, core.NewLogEvent(core.LogLine{UnitID: "db.service", Text: "noise"}))
				srv.Broadcast(other)
				end, _ := uds.NewEvent(uds.EventTailError, core.NewTailErrorEvent("web.service", 1, &core.TailError{Kind: core.TailStreamClosed}, time.Now()))
				srv.Broadcast(end)
			}()
			return uds.AttachLogResponse{Session: 1, Lines: 10}, nil
		})
		s.Handle(uds.MethodDetachLog, func(context.Context, uds.Message) (any, error) {
			return uds.DetachLogResponse{}, nil
		})
	})

	out, err := execute(t, "--socket", sock, "logs", "web", "-n", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "ready")
	assert.NotContains(t, out, "noise")
}

func TestCommandWithoutDaemon(t *testing.T) {
	_, err := execute(t, "--socket", filepath.Join(t.TempDir(), "none.sock"), "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is unitwatchd running?")
}

func TestRenderStatusEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, nil, time.Now())
	assert.Equal(t, "no units watched\n", buf.String())
}

func TestSince(t *testing.T) {
	now := time.Unix(10000, 0)
	assert.Equal(t, "-", since(time.Time{}, now))
	assert.Equal(t, "42s", since(now.Add(-42*time.Second), now))
	assert.Equal(t, "5m0s", since(now.Add(-5*time.Minute-10*time.Second), now))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "12.0MiB", formatBytes(12*1024*1024))
}
