// Package clawpoterr defines the error kinds the orchestrator distinguishes.
//
// Every error that crosses a component boundary is classified against one
// of these sentinels with errors.Is; RPC and proxy code map the sentinel
// onto a protocol-specific status (§7 of the design).
package clawpoterr

import "errors"

var (
	// ErrInvalidArgument marks a malformed vm_id or out-of-range config.
	ErrInvalidArgument = errors.New("invalid_argument")
	// ErrNotFound marks a registry miss.
	ErrNotFound = errors.New("not_found")
	// ErrResourceExhausted marks an exhausted allocator.
	ErrResourceExhausted = errors.New("resource_exhausted")
	// ErrUnavailable marks an unreachable agent or authorization endpoint.
	ErrUnavailable = errors.New("unavailable")
	// ErrInternal marks a hypervisor, netlink, or packet-filter failure.
	ErrInternal = errors.New("internal")
	// ErrPermissionDenied marks a policy-forbidden request.
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrTimeout marks a bring-up or upstream timeout.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidState marks an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid_state")
)

// Kind returns the sentinel err is classified under, or ErrInternal if none match.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalidArgument,
		ErrNotFound,
		ErrResourceExhausted,
		ErrUnavailable,
		ErrPermissionDenied,
		ErrTimeout,
		ErrInvalidState,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
