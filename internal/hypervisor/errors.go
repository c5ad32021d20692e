package hypervisor

import "errors"

var (
	// ErrStageFailed wraps a non-2xx response from the control socket.
	ErrStageFailed = errors.New("hypervisor: stage failed")
)
