package tlsmitm

import "errors"

var (
	ErrListen      = errors.New("tlsmitm: listen")
	ErrNoSNI       = errors.New("tlsmitm: no SNI in client hello")
	ErrCert        = errors.New("tlsmitm: certificate generation failed")
	ErrHandshake   = errors.New("tlsmitm: handshake failed")
	ErrUpstreamTCP = errors.New("tlsmitm: failed to connect to http proxy")
)
