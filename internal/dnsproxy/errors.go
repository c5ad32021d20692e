package dnsproxy

import "errors"

var (
	ErrListen   = errors.New("dnsproxy: listen")
	ErrUpstream = errors.New("dnsproxy: upstream query failed")
)
