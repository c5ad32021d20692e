// Package netfabric owns the host-side network plumbing shared by every
// VM: the bridge, each VM's TAP device, and the nftables rules that
// redirect guest HTTP/HTTPS/DNS traffic into the local proxies while
// pinning each TAP to its assigned source address.
package netfabric

import "net"

// Fabric wires bridge setup, per-VM TAP lifecycle and the shared packet
// filter behind one entry point, grounded on clawpot-server's bridge.rs +
// iptables.rs split but expressed with google/nftables primitives
// instead of shelling out to iptables(8).
type Fabric struct {
	filter  *Filter
	gateway net.IP
}

// New ensures the shared bridge exists and installs the bridge-wide
// nftables rules. Call once at startup.
func New(gateway net.IP) (*Fabric, error) {
	if err := EnsureBridge(gateway); err != nil {
		return nil, err
	}

	filter, err := NewFilter()
	if err != nil {
		return nil, err
	}
	if err := filter.Setup(); err != nil {
		return nil, err
	}

	return &Fabric{filter: filter, gateway: gateway}, nil
}

// AttachVM creates a TAP device for a VM, attaches it to the bridge and
// installs its source-IP pin rule. The returned Tap holds the host-side
// descriptor; the hypervisor is configured with the TAP's name.
func (fb *Fabric) AttachVM(tapName string, ip net.IP) (*Tap, error) {
	tap, err := CreateTap(tapName, ip)
	if err != nil {
		return nil, err
	}
	if err := fb.filter.PinSourceIP(tapName, ip); err != nil {
		_ = DeleteTap(tapName)
		tap.Close()
		return nil, err
	}
	return tap, nil
}

// DetachVM tears down a VM's TAP device. Best-effort: errors are
// collected but every step still runs, mirroring the "never leave a
// half-torn-down VM" destruction order.
func (fb *Fabric) DetachVM(tap *Tap) error {
	if tap == nil {
		return nil
	}
	tap.Close()
	return DeleteTap(tap.Name)
}

// Close tears down the shared packet filter. The bridge device itself
// is left in place for the next run.
func (fb *Fabric) Close() error {
	if fb.filter == nil {
		return nil
	}
	return fb.filter.Cleanup()
}
