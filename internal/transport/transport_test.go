package transport_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/router"
	"github.com/durapensa/ksid/internal/transport"
)

func newServer(t *testing.T) (*transport.Server, *router.Router, string) {
	t.Helper()

	rt := router.New(router.Options{})
	sock := filepath.Join(t.TempDir(), "daemon.sock")

	srv := transport.New(rt, transport.Options{SocketPath: sock, MaxFrameBytes: 4096})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	go srv.Serve(ctx)

	return srv, rt, sock
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	return conn
}

func roundTrip(t *testing.T, conn net.Conn, request string) map[string]any {
	t.Helper()

	_, err := conn.Write([]byte(request + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &out))

	return out
}

func TestHealthCheckOverSocket(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `{"event":"system:health","data":{}}`)

	require.Equal(t, "ok", resp["status"])
	require.Contains(t, resp, "uptime_seconds")
}

func TestUnknownEventReturnsEmptyResults(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `{"event":"does:not:exist","data":{}}`)

	results, ok := resp["results"].([]any)
	require.True(t, ok)
	require.Empty(t, results)
}

func TestPatternHandlerInvocation(t *testing.T) {
	_, rt, sock := newServer(t)

	rt.RegisterHandler("agent:*", "test", "spawn", func(_ context.Context, _ *contract.Envelope) (contract.Result, error) {
		return contract.Result{"seen": "yes"}, nil
	})

	conn := dial(t, sock)
	resp := roundTrip(t, conn, `{"event":"agent:spawn","data":{"id":"a1"}}`)

	require.Equal(t, "yes", resp["seen"])
}

func TestMissingEventField(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `{"data":{}}`)

	require.Equal(t, "missing_event", resp["error"])
}

func TestParseError(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `not json`)

	require.Equal(t, "parse_error", resp["error"])
}

func TestCorrelationIDEchoedBack(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `{"event":"system:health","data":{},"correlation_id":"c1"}`)

	require.Equal(t, "c1", resp["correlation_id"])
}

func TestShutdownOverSocketRespondsAndSignalsDone(t *testing.T) {
	srv, rt, sock := newServer(t)
	conn := dial(t, sock)

	resp := roundTrip(t, conn, `{"event":"system:shutdown","data":{}}`)

	require.Equal(t, "shutdown_complete", resp["status"])

	select {
	case <-rt.Done():
	case <-time.After(time.Second):
		t.Fatal("router done channel not closed after socket-initiated shutdown")
	}

	require.True(t, srv.Drain(time.Second))
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	_, _, sock := newServer(t)
	conn := dial(t, sock)

	huge := make([]byte, 8192)
	for i := range huge {
		huge[i] = 'a'
	}

	_, err := conn.Write(huge)
	require.NoError(t, err)
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	require.Equal(t, "frame_too_large", out["error"])
}
