package uds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modoterra/unitwatch/pkg/core"
)

func startServer(t *testing.T, setup func(*Server)) (*Server, *Client) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true, Backend: "fake"}, nil
	})
	if setup != nil {
		setup(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	client, err := Dial(sock)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		srv.Shutdown()
		require.NoError(t, <-errCh)
	})
	return srv, client
}

func reqCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPingRoundTrip(t *testing.T) {
	_, client := startServer(t, nil)

	var pong PingResponse
	require.NoError(t, client.Call(reqCtx(t), MethodPing, nil, &pong))
	assert.True(t, pong.Pong)
	assert.Equal(t, "fake", pong.Backend)
}

func TestSocketIsPrivate(t *testing.T) {
	srv, _ := startServer(t, nil)
	info, err := os.Stat(srv.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestUnknownMethod(t *testing.T) {
	_, client := startServer(t, nil)

	_, err := client.Request(reqCtx(t), "NoSuchMethod", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown method")
}

func TestRequestPayloadAndErrorCode(t *testing.T) {
	_, client := startServer(t, func(s *Server) {
		s.SetErrorCoder(func(err error) string {
			var re *core.RegistryError
			if errors.As(err, &re) {
				return string(re.Kind)
			}
			return ""
		})
		s.Handle(MethodGetUnit, func(_ context.Context, req Message) (any, error) {
			var in UnitRequest
			if err := req.UnmarshalData(&in); err != nil {
				return nil, err
			}
			if in.Unit != "web.service" {
				return nil, &core.RegistryError{Kind: core.RegistryUnknownUnit, UnitID: in.Unit}
			}
			return UnitView{Unit: core.WatchedUnit{UnitID: in.Unit}, Phase: "polling"}, nil
		})
	})

	var view UnitView
	require.NoError(t, client.Call(reqCtx(t), MethodGetUnit, UnitRequest{Unit: "web.service"}, &view))
	assert.Equal(t, "web.service", view.Unit.UnitID)
	assert.Equal(t, "polling", view.Phase)

	err := client.Call(reqCtx(t), MethodGetUnit, UnitRequest{Unit: "db.service"}, &view)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, string(core.RegistryUnknownUnit), remote.Code)
	assert.Equal(t, MethodGetUnit, remote.Method)
}

func TestBroadcastEvent(t *testing.T) {
	srv, client := startServer(t, nil)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) { evtCh <- msg })

	// The server registers the client before it answers.
	require.NoError(t, client.Call(reqCtx(t), MethodPing, nil, nil))
	require.Equal(t, 1, srv.Clients())

	line := core.LogLine{UnitID: "web.service", Source: "web", Text: "listening"}
	evt, err := NewEvent(EventLogLine, core.NewLogEvent(line))
	require.NoError(t, err)
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		assert.Equal(t, EventLogLine, msg.Method)
		var got core.Event
		require.NoError(t, msg.UnmarshalData(&got))
		require.NotNil(t, got.Log)
		assert.Equal(t, "listening", got.Log.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast event")
	}
}

func TestRequestFailsWhenServerGoes(t *testing.T) {
	srv, client := startServer(t, nil)
	require.NoError(t, client.Call(reqCtx(t), MethodPing, nil, nil))

	srv.Shutdown()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed connection")
	}
	_, err := client.Request(reqCtx(t), MethodPing, nil)
	require.Error(t, err)
}

func TestUnmarshalDataEmpty(t *testing.T) {
	v := PingResponse{Units: 3}
	require.NoError(t, Message{}.UnmarshalData(&v))
	assert.Equal(t, 3, v.Units)
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/unitwatch.sock", DefaultSocketPath())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Contains(t, DefaultSocketPath(), "unitwatch-")
}
