package netfabric

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/clawpot/clawpotd/internal/errx"
)

const (
	// BridgeName is the single shared bridge every VM's TAP device attaches
	// to. One bridge, one nftables table, shared by the whole fleet.
	BridgeName = "clawpot0"
	bridgeCIDR = "192.168.100.1/24"
)

// EnsureBridge creates the bridge device if it does not already exist,
// assigns it the gateway address, brings it up, and enables IPv4
// forwarding. Safe to call repeatedly.
func EnsureBridge(gateway net.IP) error {
	if linkExists(BridgeName) {
		return nil
	}

	if out, err := exec.Command("ip", "link", "add", BridgeName, "type", "bridge").CombinedOutput(); err != nil {
		return errx.With(ErrBridgeCreate, " %v: %s", err, out)
	}

	addr := fmt.Sprintf("%s/24", gateway.String())
	if out, err := exec.Command("ip", "addr", "add", addr, "dev", BridgeName).CombinedOutput(); err != nil {
		return errx.With(ErrBridgeCreate, " assign %s: %v: %s", addr, err, out)
	}

	if out, err := exec.Command("ip", "link", "set", BridgeName, "up").CombinedOutput(); err != nil {
		return errx.With(ErrBridgeUp, " %v: %s", err, out)
	}

	return enableIPForwarding()
}

func linkExists(name string) bool {
	return exec.Command("ip", "link", "show", name).Run() == nil
}

func enableIPForwarding() error {
	const path = "/proc/sys/net/ipv4/ip_forward"
	err := os.WriteFile(path, []byte("1"), 0644)
	if err == nil {
		return nil
	}
	if !os.IsPermission(err) {
		return errx.Wrap(ErrForwarding, err)
	}

	current, readErr := os.ReadFile(path)
	if readErr != nil {
		return errx.Wrap(ErrForwarding, readErr)
	}
	if string(current) == "1\n" || string(current) == "1" {
		return nil
	}
	return errx.With(ErrForwarding, " disabled and cannot be enabled: %v", err)
}

// AttachTap attaches a TAP device to the shared bridge as its master.
func AttachTap(tapName string) error {
	out, err := exec.Command("ip", "link", "set", tapName, "master", BridgeName).CombinedOutput()
	if err != nil {
		return errx.With(ErrTAPAttach, " %s -> %s: %v: %s", tapName, BridgeName, err, out)
	}
	return nil
}
