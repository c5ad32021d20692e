package orchestrator

import (
	"net"

	"github.com/clawpot/clawpotd/internal/registry"
)

// RegistryResolver adapts *registry.Registry's FindByIP (which returns a
// uuid.UUID VmId) to the plain-string Resolver interface the DNS and
// HTTP proxies declare, so neither proxy package needs to import
// internal/registry or the uuid type directly.
type RegistryResolver struct {
	Reg *registry.Registry
}

// FindByIP satisfies both dnsproxy.Resolver and httpproxy.Resolver.
func (r RegistryResolver) FindByIP(ip net.IP) (string, bool) {
	id, ok := r.Reg.FindByIP(ip)
	if !ok {
		return "", false
	}
	return id.String(), true
}
