// Package ipalloc implements the host-private /24 address allocator
// described by the network fabric: a fixed 192.168.100.0/24 block, a
// reserved gateway at .1, and a round-robin bitmap over .2-.254.
package ipalloc

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
)

const (
	slots = 253 // .2 through .254
)

// Allocator hands out and reclaims addresses from a single /24. It is
// guarded by its own mutex; the caller (the RPC service, per the
// concurrency model) must not hold it across an await on the hypervisor.
type Allocator struct {
	mu         sync.Mutex
	networkBase uint32 // 192.168.100.0 as a big-endian uint32
	gateway     net.IP
	allocated   []bool // index i == ip networkBase+2+i
	nextIndex   int
}

// New creates an allocator for 192.168.100.0/24 with gateway .1.
func New() *Allocator {
	base := ipToUint32(net.IPv4(192, 168, 100, 0))
	return &Allocator{
		networkBase: base,
		gateway:     net.IPv4(192, 168, 100, 1).To4(),
		allocated:   make([]bool, slots),
	}
}

// Gateway returns the bridge gateway address.
func (a *Allocator) Gateway() net.IP {
	return a.gateway
}

// Allocate returns the next free address, scanning round-robin from the
// cursor left by the previous call. On success the cursor advances one
// past the hit.
func (a *Allocator) Allocate() (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(a.allocated); i++ {
		idx := (a.nextIndex + i) % len(a.allocated)
		if !a.allocated[idx] {
			a.allocated[idx] = true
			a.nextIndex = (idx + 1) % len(a.allocated)
			return uint32ToIP(a.networkBase + 2 + uint32(idx)), nil
		}
	}

	return nil, errx.With(clawpoterr.ErrResourceExhausted, " no available addresses in 192.168.100.0/24")
}

// Release returns ip to the pool. It fails if ip is outside [.2, .254]
// or is the gateway itself.
func (a *Allocator) Release(ip net.IP) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v4 := ip.To4()
	if v4 == nil {
		return errx.With(clawpoterr.ErrInvalidArgument, " %v is not an IPv4 address", ip)
	}
	val := ipToUint32(v4)

	if val < a.networkBase+2 || val > a.networkBase+254 {
		return errx.With(clawpoterr.ErrInvalidArgument, " %v is not in the allocatable range 192.168.100.2-254", ip)
	}

	idx := int(val - a.networkBase - 2)
	a.allocated[idx] = false
	return nil
}

// AllocatedCount returns the number of addresses currently in use.
func (a *Allocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.allocated {
		if b {
			n++
		}
	}
	return n
}

// AvailableCount returns the number of addresses currently free.
func (a *Allocator) AvailableCount() int {
	return slots - a.AllocatedCount()
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}
