// Command clawpotd is the server entrypoint: it wires every leaf
// component (event store, IP allocator, certificate authority, network
// fabric, the three guest-facing proxies) into an orchestrator and
// serves the control RPC surface, using the same cobra/viper wiring
// pattern as the rest of this tree's commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clawpot/clawpotd/internal/authz"
	"github.com/clawpot/clawpotd/internal/bodystore"
	"github.com/clawpot/clawpotd/internal/ca"
	"github.com/clawpot/clawpotd/internal/dnsproxy"
	"github.com/clawpot/clawpotd/internal/eventstore"
	"github.com/clawpot/clawpotd/internal/httpproxy"
	"github.com/clawpot/clawpotd/internal/ipalloc"
	"github.com/clawpot/clawpotd/internal/llm"
	"github.com/clawpot/clawpotd/internal/logging"
	"github.com/clawpot/clawpotd/internal/netfabric"
	"github.com/clawpot/clawpotd/internal/orchestrator"
	"github.com/clawpot/clawpotd/internal/registry"
	"github.com/clawpot/clawpotd/internal/rpcserver"
	"github.com/clawpot/clawpotd/internal/tlsmitm"
)

const serverVersion = "0.1.0"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clawpotd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clawpotd",
		Short: "single-host microVM orchestrator with transparent egress proxying",
		RunE:  runServe,
	}

	flags := cmd.Flags()
	flags.String("root", "", "workspace root (env CLAWPOT_ROOT)")
	flags.String("kernel", "", "kernel image path")
	flags.String("rootfs", "", "rootfs image path")
	flags.String("hypervisor-binary", "firecracker", "hypervisor executable name")
	flags.String("rpc-addr", rpcserver.DefaultListenAddr, "control RPC listen address")
	flags.Bool("debug", false, "enable debug console logging")

	viper.SetEnvPrefix("clawpot")
	viper.AutomaticEnv()
	for _, name := range []string{"root", "kernel", "rootfs", "hypervisor-binary", "rpc-addr", "debug"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	_ = viper.BindEnv("root", "CLAWPOT_ROOT")
	_ = viper.BindEnv("events-db", "CLAWPOT_EVENTS_DB")
	_ = viper.BindEnv("events-persist", "CLAWPOT_EVENTS_PERSIST")
	_ = viper.BindEnv("auth-addr", "CLAWPOT_AUTH_ADDR")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := logging.NewDefaultConsole(viper.GetBool("debug"))

	workspaceRoot := viper.GetString("root")
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "clawpot")
	}
	dataDir := filepath.Join(workspaceRoot, "data")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	eventsDBPath := viper.GetString("events-db")
	if eventsDBPath == "" {
		eventsDBPath = filepath.Join(dataDir, "events.db")
	}
	persistMode := eventstore.PersistModeFromEnv(viper.GetString("events-persist"))

	events, err := eventstore.Open(eventsDBPath, uuid.NewString(), serverVersion, "{}", persistMode, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	bodies, err := bodystore.New(filepath.Join(dataDir, "bodies"))
	if err != nil {
		return fmt.Errorf("open body store: %w", err)
	}

	certAuthority, err := ca.Load(filepath.Join(workspaceRoot, "ca"))
	if err != nil {
		return fmt.Errorf("load certificate authority: %w", err)
	}

	ips := ipalloc.New()
	fabric, err := netfabric.New(ips.Gateway())
	if err != nil {
		return fmt.Errorf("initialize network fabric: %w", err)
	}
	defer fabric.Close()

	reg := registry.New()
	orch := orchestrator.New(orchestrator.Config{
		KernelPath:       viper.GetString("kernel"),
		RootfsPath:       viper.GetString("rootfs"),
		HypervisorBinary: viper.GetString("hypervisor-binary"),
	}, ips, fabric, reg, events, log)

	authzClient := authz.New(viper.GetString("auth-addr"), log)
	keys := llm.KeyStoreFromEnv()
	resolver := orchestrator.RegistryResolver{Reg: reg}

	dnsProxy, err := dnsproxy.New(dnsproxy.Config{}, resolver, authzClient, events, log)
	if err != nil {
		return fmt.Errorf("start dns proxy: %w", err)
	}
	dnsProxy.Start()
	defer dnsProxy.Close()

	httpProxy, err := httpproxy.New(httpproxy.Config{}, resolver, authzClient, events, bodies, keys, log)
	if err != nil {
		return fmt.Errorf("start http proxy: %w", err)
	}
	httpProxy.Start()
	defer httpProxy.Close()

	mitm, err := tlsmitm.New(tlsmitm.Config{}, certAuthority, log)
	if err != nil {
		return fmt.Errorf("start tls mitm proxy: %w", err)
	}
	mitm.Start()
	defer mitm.Close()

	rpcSrv, err := rpcserver.New(viper.GetString("rpc-addr"), orch, log)
	if err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	rpcSrv.Start()
	defer rpcSrv.Close()

	log.Info("clawpotd ready", "rpc_addr", rpcSrv.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down, tearing down live VMs")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)

	return nil
}
