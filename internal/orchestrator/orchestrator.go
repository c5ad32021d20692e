// Package orchestrator wires the IP allocator, network fabric, VM
// lifecycle manager, registry, agent client and event store into the
// create/delete/list/exec control flow the RPC surface exposes. It is
// the only package that holds a reference to every leaf component.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clawpot/clawpotd/internal/agent"
	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
	"github.com/clawpot/clawpotd/internal/eventstore"
	"github.com/clawpot/clawpotd/internal/ipalloc"
	"github.com/clawpot/clawpotd/internal/netfabric"
	"github.com/clawpot/clawpotd/internal/registry"
	"github.com/clawpot/clawpotd/internal/vmlifecycle"
	"github.com/google/uuid"
)

const agentReadyTimeout = 30 * time.Second

// Config names the fixed inputs every created VM shares: the kernel and
// rootfs images, the hypervisor binary, and where control/datagram
// sockets are created.
type Config struct {
	KernelPath       string
	RootfsPath       string
	HypervisorBinary string
	SocketDir        string // default /tmp
}

func (c Config) withDefaults() Config {
	if c.HypervisorBinary == "" {
		c.HypervisorBinary = "firecracker"
	}
	if c.SocketDir == "" {
		c.SocketDir = "/tmp"
	}
	return c
}

// Orchestrator is the single object the RPC surface (and the proxies,
// via Resolver/Authorizer/EventSink adapters) dials into.
type Orchestrator struct {
	cfg    Config
	ips    *ipalloc.Allocator
	fabric *netfabric.Fabric
	reg    *registry.Registry
	events *eventstore.Store
	log    *slog.Logger

	mu       sync.Mutex
	taps     map[registry.VmId]*netfabric.Tap
	nextCID  uint32
}

// New wires an orchestrator around already-constructed leaf components.
// The network fabric's ensure_bridge side effect must already have run
// by the time New is called (see cmd/clawpotd for the startup order).
func New(cfg Config, ips *ipalloc.Allocator, fabric *netfabric.Fabric, reg *registry.Registry, events *eventstore.Store, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		ips:     ips,
		fabric:  fabric,
		reg:     reg,
		events:  events,
		log:     log,
		taps:    make(map[registry.VmId]*netfabric.Tap),
		nextCID: 3, // vsock CIDs 0-2 are reserved (hypervisor/host/local)
	}
}

// CreateRequest is create_vm's optional input.
type CreateRequest struct {
	VcpuCount  int
	MemSizeMiB int
}

// CreateResult is create_vm's success output.
type CreateResult struct {
	ID                registry.VmId
	IPv4              net.IP
	ControlSocketPath string
}

// CreateVM runs the bring-up pipeline in §2: allocate IP, attach TAP and
// pin its source address, spawn and configure the hypervisor, wait
// (non-fatally) for the in-guest agent, then register. Any failure
// rolls back exactly the prefix that already succeeded.
func (o *Orchestrator) CreateVM(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ip, err := o.ips.Allocate()
	if err != nil {
		return CreateResult{}, err
	}

	id := uuid.New()
	tapName := tapNameFor(id)

	tap, err := o.fabric.AttachVM(tapName, ip)
	if err != nil {
		o.releaseIP(ip)
		return CreateResult{}, err
	}

	controlSocketPath := o.controlSocketPath(id)
	hostSocketPath := o.datagramSocketPath(id)
	guestCID := o.allocateCID()

	mgr := vmlifecycle.New(controlSocketPath, o.cfg.HypervisorBinary, o.log)
	lifecycleCfg := vmlifecycle.Config{
		KernelPath:     o.cfg.KernelPath,
		RootfsPath:     o.cfg.RootfsPath,
		VcpuCount:      req.VcpuCount,
		MemSizeMiB:     req.MemSizeMiB,
		TapName:        tapName,
		IPv4Address:    ip,
		GuestCID:       guestCID,
		HostSocketPath: hostSocketPath,
	}.WithDefaults()

	if err := mgr.Start(ctx, lifecycleCfg); err != nil {
		o.events.Emit("vm.create.failed", "lifecycle", id.String(), "", map[string]string{"reason": err.Error()})
		_ = o.fabric.DetachVM(tap)
		o.releaseIP(ip)
		return CreateResult{}, err
	}

	o.waitForAgent(id, hostSocketPath)

	entry := &registry.Entry{
		ID:           id,
		Manager:      mgr,
		IPv4:         ip,
		TapName:      tapName,
		CreatedAt:    time.Now(),
		VcpuCount:    lifecycleCfg.VcpuCount,
		MemSizeMiB:   lifecycleCfg.MemSizeMiB,
		DatagramSock: hostSocketPath,
	}

	if err := o.reg.Insert(id, entry); err != nil {
		_ = mgr.Stop(ctx)
		_ = o.fabric.DetachVM(tap)
		o.releaseIP(ip)
		return CreateResult{}, err
	}

	o.mu.Lock()
	o.taps[id] = tap
	o.mu.Unlock()

	o.events.Emit("vm.create.succeeded", "lifecycle", id.String(), "", map[string]any{
		"ipv4": ip.String(), "vcpu": entry.VcpuCount, "mem_size_mib": entry.MemSizeMiB,
	})

	return CreateResult{ID: id, IPv4: ip, ControlSocketPath: controlSocketPath}, nil
}

// waitForAgent polls the in-guest agent non-fatally: a VM that never
// answers health is still reachable for later exec attempts, but the
// miss is logged as an agent_timeout event.
func (o *Orchestrator) waitForAgent(id registry.VmId, hostSocketPath string) {
	client := agent.New(hostSocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), agentReadyTimeout)
	defer cancel()

	if err := client.WaitReady(ctx, agentReadyTimeout); err != nil {
		o.log.Warn("agent did not become ready", "vm_id", id, "err", err)
		o.events.Emit("vm.agent_timeout", "lifecycle", id.String(), "", map[string]string{"err": err.Error()})
	}
}

// DeleteVM runs the five-step destruction order: remove
// from the registry, stop the hypervisor child, tear down the TAP,
// release the IP, unlink the host-side guest socket. The TAP's source-IP
// pin rule is not removed; it stays in the shared table until the
// fabric's Close removes the table. Every step after the first is
// best-effort: one resource's absence never strands another.
func (o *Orchestrator) DeleteVM(ctx context.Context, id registry.VmId) error {
	entry, err := o.reg.Remove(id)
	if err != nil {
		return err
	}

	if mgr, ok := entry.Manager.(*vmlifecycle.Manager); ok {
		if err := mgr.Stop(ctx); err != nil {
			o.log.Warn("vm stop failed during delete", "vm_id", id, "err", err)
		}
	}

	o.mu.Lock()
	tap := o.taps[id]
	delete(o.taps, id)
	o.mu.Unlock()

	if tap != nil {
		if err := o.fabric.DetachVM(tap); err != nil {
			o.log.Warn("tap teardown failed during delete", "vm_id", id, "tap", entry.TapName, "err", err)
		}
	}

	o.releaseIP(entry.IPv4)

	if err := removeSocket(entry.DatagramSock); err != nil {
		o.log.Warn("guest datagram socket unlink failed during delete", "vm_id", id, "path", entry.DatagramSock, "err", err)
	}

	o.events.Emit("vm.delete.succeeded", "lifecycle", id.String(), "", nil)
	return nil
}

// VMInfo is list_vms's per-entry shape.
type VMInfo struct {
	ID                registry.VmId
	State             string
	IPv4              net.IP
	VcpuCount         int
	MemSizeMiB        int
	CreatedAtUnix     int64
	ControlSocketPath string
}

// ListVMs returns an internally consistent snapshot of every live VM.
func (o *Orchestrator) ListVMs() []VMInfo {
	summaries := o.reg.List()
	out := make([]VMInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, VMInfo{
			ID:                s.ID,
			State:             s.State,
			IPv4:              s.IPv4,
			VcpuCount:         s.VcpuCount,
			MemSizeMiB:        s.MemSizeMiB,
			CreatedAtUnix:     s.CreatedAt.Unix(),
			ControlSocketPath: o.controlSocketPath(s.ID),
		})
	}
	return out
}

// ExecResult is exec_vm's success output.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ExecVM dials the target VM's in-guest agent over its host/guest
// datagram socket and runs command to completion.
func (o *Orchestrator) ExecVM(ctx context.Context, id registry.VmId, command []string, env map[string]string, workingDir string) (ExecResult, error) {
	entry, err := o.reg.Get(id)
	if err != nil {
		return ExecResult{}, err
	}

	client := agent.New(entry.DatagramSock)
	result, err := client.Exec(ctx, agent.ExecRequest{Command: command, Env: env, WorkingDir: workingDir})
	if err != nil {
		return ExecResult{}, errx.Wrap(clawpoterr.ErrUnavailable, err)
	}
	return ExecResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}, nil
}

// StreamVM starts a streamed execution against the target VM's in-guest
// agent, whose first response frame is a "started" frame carrying the
// stream id. The returned session outlives this call; the caller
// drains its Chunks and may feed stdin concurrently.
func (o *Orchestrator) StreamVM(ctx context.Context, id registry.VmId, command []string, env map[string]string, workingDir string) (*agent.StreamSession, error) {
	entry, err := o.reg.Get(id)
	if err != nil {
		return nil, err
	}

	client := agent.New(entry.DatagramSock)
	session, err := client.Stream(ctx, agent.StreamStart{Command: command, Env: env, WorkingDir: workingDir})
	if err != nil {
		return nil, errx.Wrap(clawpoterr.ErrUnavailable, err)
	}
	return session, nil
}

// Shutdown iterates the registry snapshot and runs the destruction
// pipeline for every remaining VM; failures are logged, never
// propagated, matching the shutdown cancellation semantics used elsewhere.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, s := range o.reg.List() {
		if err := o.DeleteVM(ctx, s.ID); err != nil {
			o.log.Warn("teardown failed during shutdown", "vm_id", s.ID, "err", err)
		}
	}
}

func (o *Orchestrator) releaseIP(ip net.IP) {
	if err := o.ips.Release(ip); err != nil {
		o.log.Warn("ip release failed", "ip", ip, "err", err)
	}
}

func (o *Orchestrator) allocateCID() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	cid := o.nextCID
	o.nextCID++
	return cid
}

// compactID strips the hyphens from a VM id's canonical string form,
// matching the 32-char hex form the socket paths are built from.
func compactID(id registry.VmId) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func (o *Orchestrator) controlSocketPath(id registry.VmId) string {
	return fmt.Sprintf("%s/fc-%s.sock", o.cfg.SocketDir, compactID(id))
}

func (o *Orchestrator) datagramSocketPath(id registry.VmId) string {
	return fmt.Sprintf("%s/fc-%s.vsock", o.cfg.SocketDir, compactID(id))
}

func tapNameFor(id registry.VmId) string {
	return "tap" + id.String()[:8]
}

func removeSocket(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
