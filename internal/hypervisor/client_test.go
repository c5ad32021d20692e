package hypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeHypervisor(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "fc.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sockPath
}

func TestSetBootSourceSuccess(t *testing.T) {
	sock := startFakeHypervisor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/boot-source", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)
		var body BootSource
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "/vmlinux", body.KernelImagePath)
		w.WriteHeader(http.StatusNoContent)
	})

	c := New(sock)
	err := c.SetBootSource(context.Background(), BootSource{KernelImagePath: "/vmlinux", BootArgs: "console=ttyS0"})
	require.NoError(t, err)
}

func TestStageFailedParsesFaultMessage(t *testing.T) {
	sock := startFakeHypervisor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"fault_message": "invalid kernel path"})
	})

	c := New(sock)
	err := c.SetBootSource(context.Background(), BootSource{KernelImagePath: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid kernel path")
}

func TestGetInstanceInfo(t *testing.T) {
	sock := startFakeHypervisor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(InstanceInfo{State: "Running", VMMVersion: "1.0"})
	})

	c := New(sock)
	info, err := c.GetInstanceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Running", info.State)
}

func TestStartInstanceAndCtrlAltDel(t *testing.T) {
	var actions []string
	sock := startFakeHypervisor(t, func(w http.ResponseWriter, r *http.Request) {
		var a struct {
			ActionType string `json:"action_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&a)
		actions = append(actions, a.ActionType)
		w.WriteHeader(http.StatusNoContent)
	})

	c := New(sock)
	require.NoError(t, c.StartInstance(context.Background()))
	require.NoError(t, c.SendCtrlAltDel(context.Background()))
	assert.Equal(t, []string{actionStart, actionCtrlAltDel}, actions)
}
