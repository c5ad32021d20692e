package rpcserver

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/clawpot/clawpotd/internal/eventstore"
	"github.com/clawpot/clawpotd/internal/ipalloc"
	"github.com/clawpot/clawpotd/internal/orchestrator"
	"github.com/clawpot/clawpotd/internal/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, net.Conn) {
	t.Helper()

	store, err := eventstore.Open(t.TempDir()+"/events.db", "test-session", "0.0.0-test", "{}", eventstore.PersistAll, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := orchestrator.New(orchestrator.Config{KernelPath: "/nonexistent", RootfsPath: "/nonexistent"},
		ipalloc.New(), nil, registry.New(), store, testLogger())

	srv, err := New("127.0.0.1:0", orch, testLogger())
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() { srv.Close() })

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	return srv, conn
}

func call(t *testing.T, conn net.Conn, method string, params interface{}) Response {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}

	id := uint64(1)
	req := Request{JSONRPC: "2.0", Method: method, Params: raw, ID: &id}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(respLine, &resp))
	return resp
}

func TestListVMsEmpty(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "list_vms", struct{}{})
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var result ListVMsResult
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Empty(t, result.VMs)
}

func TestDeleteVMNotFoundMapsToErrCodeNotFound(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "delete_vm", DeleteVMParams{VMID: uuid.New().String()})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestDeleteVMMalformedIDMapsToInvalidArg(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "delete_vm", DeleteVMParams{VMID: "not-a-uuid"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidArg, resp.Error.Code)
}

func TestExecVMNotFoundMapsToErrCodeNotFound(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "exec_vm", ExecVMParams{VMID: uuid.New().String(), Command: "true"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestExecVMStreamNotFoundMapsToErrCodeNotFound(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "exec_vm_stream", ExecVMStreamParams{VMID: uuid.New().String(), Command: "true"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestStreamStdinUnknownStreamID(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "stream_stdin", StreamStdinParams{StreamID: 9999, Data: []byte("x")})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	_, conn := newTestServer(t)
	resp := call(t, conn, "frobnicate_vm", struct{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestMalformedJSONReturnsParseError(t *testing.T) {
	_, conn := newTestServer(t)
	_, err := conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParse, resp.Error.Code)
}
