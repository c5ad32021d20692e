// Package registry implements the concurrent VM registry:
// a mapping from VmId to VmEntry plus a derived SourceIP -> VmId index
// consulted by the proxies on every guest request.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
	"github.com/google/uuid"
)

// VmId is the opaque unique identifier; its stringified form (a UUID) is
// stable for logs and RPC.
type VmId = uuid.UUID

// Lifecycle is the narrow view of a VM lifecycle manager the registry
// needs: enough to report state without importing vmlifecycle, avoiding
// a package cycle (vmlifecycle doesn't need to know about the registry).
type Lifecycle interface {
	State() string
	ControlSocketPath() string
}

// Entry is a registry record. Once inserted it is owned exclusively by
// the registry; callers must not retain it across an await/blocking call.
type Entry struct {
	ID            VmId
	Manager       Lifecycle
	IPv4          net.IP
	TapName       string
	CreatedAt     time.Time
	VcpuCount     int
	MemSizeMiB    int
	DatagramSock  string // host-side guest datagram-socket path
}

// Summary is the read-only snapshot shape returned by List.
type Summary struct {
	ID           VmId
	State        string
	IPv4         net.IP
	TapName      string
	VcpuCount    int
	MemSizeMiB   int
	CreatedAt    time.Time
	DatagramSock string
}

// Registry is a concurrent VmId -> Entry map with a derived IPv4 -> VmId
// index. All mutating methods serialize on a writer lock; readers use a
// shared lock.
type Registry struct {
	mu      sync.RWMutex
	vms     map[VmId]*Entry
	byIP    map[string]VmId
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		vms:  make(map[VmId]*Entry),
		byIP: make(map[string]VmId),
	}
}

// Insert adds entry under id. Fails if id is already present.
func (r *Registry) Insert(id VmId, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vms[id]; ok {
		return errx.With(clawpoterr.ErrInvalidArgument, " vm %s already registered", id)
	}

	r.vms[id] = entry
	r.byIP[entry.IPv4.String()] = id
	return nil
}

// Remove deletes id and returns the owned entry. Fails if absent.
func (r *Registry) Remove(id VmId) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.vms[id]
	if !ok {
		return nil, errx.With(clawpoterr.ErrNotFound, " vm %s", id)
	}
	delete(r.vms, id)
	delete(r.byIP, entry.IPv4.String())
	return entry, nil
}

// Get returns the entry for id. Fails if absent.
func (r *Registry) Get(id VmId) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.vms[id]
	if !ok {
		return nil, errx.With(clawpoterr.ErrNotFound, " vm %s", id)
	}
	return entry, nil
}

// FindByIP resolves a source address to a VmId via the derived index.
func (r *Registry) FindByIP(ip net.IP) (VmId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIP[ip.String()]
	return id, ok
}

// DatagramSocketPath returns the host-side guest datagram-socket path
// for id. Fails if absent.
func (r *Registry) DatagramSocketPath(id VmId) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.vms[id]
	if !ok {
		return "", errx.With(clawpoterr.ErrNotFound, " vm %s", id)
	}
	return entry.DatagramSock, nil
}

// List returns an internally consistent snapshot of every entry. No lock
// is held once this returns, so callers may safely await afterward.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.vms))
	for id, entry := range r.vms {
		out = append(out, Summary{
			ID:           id,
			State:        entry.Manager.State(),
			IPv4:         entry.IPv4,
			TapName:      entry.TapName,
			VcpuCount:    entry.VcpuCount,
			MemSizeMiB:   entry.MemSizeMiB,
			CreatedAt:    entry.CreatedAt,
			DatagramSock: entry.DatagramSock,
		})
	}
	return out
}

// Count returns the number of registered VMs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vms)
}
