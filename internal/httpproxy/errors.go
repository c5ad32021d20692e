package httpproxy

import "errors"

var (
	ErrListen       = errors.New("httpproxy: listen")
	ErrUpstreamDial = errors.New("httpproxy: upstream dial")
)
