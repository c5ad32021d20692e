package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/eventstore"
	"github.com/clawpot/clawpotd/internal/ipalloc"
	"github.com/clawpot/clawpotd/internal/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct {
	state string
}

func (f *fakeLifecycle) State() string             { return f.state }
func (f *fakeLifecycle) ControlSocketPath() string  { return "/tmp/fake.sock" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store, err := eventstore.Open(t.TempDir()+"/events.db", "test-session", "0.0.0-test", "{}", eventstore.PersistAll, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(Config{KernelPath: "/nonexistent/vmlinux", RootfsPath: "/nonexistent/rootfs.ext4"},
		ipalloc.New(), nil, registry.New(), store, testLogger())
}

func TestTapNameForIsStableAndShort(t *testing.T) {
	id := uuid.New()
	name := tapNameFor(id)
	assert.Len(t, name, len("tap")+8)
	assert.Equal(t, name, tapNameFor(id))
}

func TestControlAndDatagramSocketPathsAreDeterministic(t *testing.T) {
	o := newTestOrchestrator(t)
	id := uuid.New()
	compact := strings.ReplaceAll(id.String(), "-", "")
	assert.Contains(t, o.controlSocketPath(id), compact)
	assert.Contains(t, o.datagramSocketPath(id), compact)
	assert.NotContains(t, o.controlSocketPath(id), id.String())
	assert.NotEqual(t, o.controlSocketPath(id), o.datagramSocketPath(id))
}

func TestDeleteVMNotFoundDoesNotTouchFabric(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.DeleteVM(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, clawpoterr.ErrNotFound))
}

func TestExecVMNotFound(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.ExecVM(context.Background(), uuid.New(), []string{"true"}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, clawpoterr.ErrNotFound))
}

func TestListVMsDerivesControlSocketPathFromRegistry(t *testing.T) {
	o := newTestOrchestrator(t)
	id := uuid.New()
	require.NoError(t, o.reg.Insert(id, &registry.Entry{
		ID:         id,
		Manager:    &fakeLifecycle{state: "Running"},
		IPv4:       net.IPv4(192, 168, 100, 2),
		TapName:    "tap12345678",
		CreatedAt:  time.Now(),
		VcpuCount:  1,
		MemSizeMiB: 256,
	}))

	list := o.ListVMs()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "Running", list[0].State)
	assert.Equal(t, o.controlSocketPath(id), list[0].ControlSocketPath)
}

func TestStreamVMNotFound(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.StreamVM(context.Background(), uuid.New(), []string{"true"}, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, clawpoterr.ErrNotFound))
}

func TestRegistryResolverFindByIP(t *testing.T) {
	reg := registry.New()
	id := uuid.New()
	ip := net.IPv4(192, 168, 100, 5)
	require.NoError(t, reg.Insert(id, &registry.Entry{ID: id, Manager: &fakeLifecycle{}, IPv4: ip}))

	resolver := RegistryResolver{Reg: reg}
	vmID, ok := resolver.FindByIP(ip)
	require.True(t, ok)
	assert.Equal(t, id.String(), vmID)

	_, ok = resolver.FindByIP(net.IPv4(192, 168, 100, 9))
	assert.False(t, ok)
}
