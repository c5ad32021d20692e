package vmlifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
	"github.com/clawpot/clawpotd/internal/hypervisor"
)

const (
	socketPollAttempts   = 50
	socketPollInterval   = 100 * time.Millisecond
	socketStabilizeDelay = 50 * time.Millisecond
	stopGracePeriod      = 2 * time.Second
)

// Manager owns one hypervisor child process, its control-socket path, and
// the in-process state machine driving it. Per-VM ownership of its
// child and sockets means it needs no global "live children" registry:
// on Close/Drop it kills its own child and unlinks its own sockets,
// nothing more.
type Manager struct {
	socketPath string
	binary     string
	client     *hypervisor.Client
	sm         *stateMachine
	log        *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
}

// New creates a manager for a hypervisor that will listen on socketPath.
// binary is the hypervisor executable name (e.g. "firecracker").
func New(socketPath, binary string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		socketPath: socketPath,
		binary:     binary,
		client:     hypervisor.New(socketPath),
		sm:         newStateMachine(),
		log:        log,
	}
}

// State returns the current lifecycle state's display string, satisfying
// registry.Lifecycle.
func (m *Manager) State() string {
	return m.sm.current().String()
}

// ControlSocketPath returns the hypervisor's control-socket path,
// satisfying registry.Lifecycle.
func (m *Manager) ControlSocketPath() string {
	return m.socketPath
}

// Start drives the manager through the staged bring-up sequence.
// On any failure past "spawn" it drives the manager to
// Stopping -> Stopped, kills the child if alive, and returns an error
// naming the failed stage; the caller is responsible for rolling back
// side effects outside the manager (IP allocation, TAP device, registry).
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	cur := m.sm.current()
	if cur != NotStarted && cur != Stopped {
		return errx.With(clawpoterr.ErrInvalidState, " cannot start from %s", cur)
	}
	if err := m.sm.transitionTo(Starting); err != nil {
		return err
	}

	if err := m.removeStaleSocket(); err != nil {
		return m.abort("remove_stale_socket", err)
	}

	if err := m.spawn(ctx); err != nil {
		return m.abort("spawn", err)
	}

	if err := m.waitForSocket(ctx); err != nil {
		return m.abort("wait_for_socket", err)
	}

	if err := m.configure(ctx, cfg); err != nil {
		return m.abort("configure", err)
	}

	if err := m.client.StartInstance(ctx); err != nil {
		return m.abort("start_instance", err)
	}

	if err := m.sm.transitionTo(Running); err != nil {
		return m.abort("transition_running", err)
	}

	return nil
}

// abort kills the child (if spawned) and drives the manager to Stopped,
// returning an error naming the failed stage.
func (m *Manager) abort(stage string, cause error) error {
	_ = m.sm.transitionTo(Stopping)
	m.killChild()
	_ = m.sm.transitionTo(Stopped)
	return errx.With(clawpoterr.ErrInternal, " stage %q failed: %v", stage, cause)
}

func (m *Manager) removeStaleSocket() error {
	if _, err := os.Stat(m.socketPath); err == nil {
		m.log.Warn("removing stale control socket", "path", m.socketPath)
		return os.Remove(m.socketPath)
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.binary, "--api-sock", m.socketPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", m.binary, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) waitForSocket(ctx context.Context) error {
	for attempt := 1; attempt <= socketPollAttempts; attempt++ {
		if _, err := os.Stat(m.socketPath); err == nil {
			time.Sleep(socketStabilizeDelay)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(socketPollInterval):
		}
	}
	return clawpoterr.ErrTimeout
}

func (m *Manager) configure(ctx context.Context, cfg Config) error {
	if err := m.client.SetBootSource(ctx, hypervisor.BootSource{
		KernelImagePath: cfg.KernelPath,
		BootArgs:        cfg.Cmdline,
	}); err != nil {
		return err
	}

	if err := m.client.SetDrive(ctx, hypervisor.Drive{
		DriveID:      "rootfs",
		PathOnHost:   cfg.RootfsPath,
		IsRootDevice: true,
		IsReadOnly:   false,
	}); err != nil {
		return err
	}

	if err := m.client.SetMachineConfig(ctx, hypervisor.MachineConfig{
		VcpuCount:  cfg.VcpuCount,
		MemSizeMiB: cfg.MemSizeMiB,
	}); err != nil {
		return err
	}

	if cfg.HasNetwork() {
		if err := m.client.SetNetworkInterface(ctx, hypervisor.NetworkInterface{
			IfaceID:     "eth0",
			HostDevName: cfg.TapName,
		}); err != nil {
			return err
		}
	}

	if cfg.HasDatagramSocket() {
		if err := m.client.SetVsock(ctx, hypervisor.VsockDevice{
			GuestCID: cfg.GuestCID,
			UDSPath:  cfg.HostSocketPath,
		}); err != nil {
			return err
		}
	}

	return nil
}

// Stop transitions through Stopping, attempts graceful shutdown, waits a
// grace period, then kills the child. A failed graceful step is only
// logged. From Not Started or Error, which have no transition to
// Stopped, it returns invalid_state and the state is unchanged.
func (m *Manager) Stop(ctx context.Context) error {
	_ = m.sm.transitionTo(Stopping)

	if err := m.client.SendCtrlAltDel(ctx); err != nil {
		m.log.Warn("graceful shutdown failed", "err", err)
	}

	select {
	case <-time.After(stopGracePeriod):
	case <-ctx.Done():
	}

	m.killChild()

	if err := os.Remove(m.socketPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove control socket", "path", m.socketPath, "err", err)
	}

	return m.sm.transitionTo(Stopped)
}

func (m *Manager) killChild() {
	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// Status reads instance info from the control socket and composes it
// with the local state.
func (m *Manager) Status(ctx context.Context) (State, hypervisor.InstanceInfo, error) {
	info, err := m.client.GetInstanceInfo(ctx)
	return m.sm.current(), info, err
}

// Close runs best-effort kill + socket unlink, so a panic cannot leak a
// hypervisor child on drop.
func (m *Manager) Close() error {
	m.killChild()
	if err := os.Remove(m.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
