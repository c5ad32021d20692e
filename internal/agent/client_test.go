package agent

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent starts a Unix listener implementing just enough of the
// handshake + framing protocol to exercise the client.
func fakeAgent(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return path
}

func acceptHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "CONNECT")
	_, err = conn.Write([]byte("OK\n"))
	require.NoError(t, err)
}

func TestHealthRoundTrip(t *testing.T) {
	path := fakeAgent(t, func(conn net.Conn) {
		defer conn.Close()
		acceptHandshake(t, conn)

		msgType, _, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, msgHealthRequest, msgType)

		resp := HealthResponse{Version: "1.2.3", Uptime: 42 * time.Second}
		require.NoError(t, writeFrame(conn, msgHealthResponse, resp))
	})

	c := New(path)
	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 42*time.Second, resp.Uptime)
}

func TestHandshakeRejectsBadResponse(t *testing.T) {
	path := fakeAgent(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		conn.Read(buf)
		conn.Write([]byte("DENIED\n"))
	})

	c := New(path)
	_, err := c.Health(context.Background())
	require.Error(t, err)
}

func TestExecRoundTrip(t *testing.T) {
	path := fakeAgent(t, func(conn net.Conn) {
		defer conn.Close()
		acceptHandshake(t, conn)

		msgType, payload, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, msgExecRequest, msgType)

		var req ExecRequest
		require.NoError(t, cbor.Unmarshal(payload, &req))
		assert.Equal(t, []string{"echo", "hi"}, req.Command)

		resp := ExecResponse{ExitCode: 0, Stdout: []byte("hi\n")}
		require.NoError(t, writeFrame(conn, msgExecResponse, resp))
	})

	c := New(path)
	result, err := c.Exec(context.Background(), ExecRequest{Command: []string{"echo", "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", string(result.Stdout))
}

func TestStreamRoundTrip(t *testing.T) {
	path := fakeAgent(t, func(conn net.Conn) {
		defer conn.Close()
		acceptHandshake(t, conn)

		msgType, _, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, msgStreamStart, msgType)

		require.NoError(t, writeRawFrame(conn, msgStreamStdout, []byte("chunk1")))
		require.NoError(t, writeFrame(conn, msgStreamExit, StreamExit{ExitCode: 7}))
	})

	c := New(path)
	session, err := c.Stream(context.Background(), StreamStart{Command: []string{"tail"}})
	require.NoError(t, err)
	defer session.Close()

	var gotExit *int
	for chunk := range session.Chunks {
		if chunk.ExitCode != nil {
			gotExit = chunk.ExitCode
		}
	}
	require.NoError(t, session.Err())
	require.NotNil(t, gotExit)
	assert.Equal(t, 7, *gotExit)
}

func TestWaitReadyTimesOutWithoutAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.sock")
	c := New(path)
	err := c.WaitReady(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
}
