package agent

import "errors"

var (
	ErrDial        = errors.New("agent: dial datagram socket")
	ErrHandshake   = errors.New("agent: CONNECT handshake")
	ErrEncode      = errors.New("agent: encode frame")
	ErrDecode      = errors.New("agent: decode frame")
	ErrExecTimeout = errors.New("agent: exec timed out")
	ErrNotReady    = errors.New("agent: not ready")
)
