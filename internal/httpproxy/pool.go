package httpproxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// pooledConn is one idle upstream connection kept for reuse, paired
// with the buffered reader already built around it.
type pooledConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// connPool caches one idle upstream connection per target address,
// get/put keyed by target host.
type connPool struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[string]*pooledConn)}
}

func (p *connPool) get(target string) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[target]
	if !ok {
		return nil
	}
	delete(p.conns, target)
	return pc
}

func (p *connPool) put(target string, pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns[target]; ok {
		old.conn.Close()
	}
	p.conns[target] = pc
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		pc.conn.Close()
	}
	p.conns = make(map[string]*pooledConn)
}

// dial returns a connection to target, reused from the pool when
// available, dialing fresh (TLS for the https scheme) otherwise.
func (p *connPool) dial(target, scheme string) (*pooledConn, bool, error) {
	if pc := p.get(target); pc != nil {
		return pc, true, nil
	}

	var conn net.Conn
	var err error
	if scheme == "https" {
		conn, err = tls.Dial("tcp", target, &tls.Config{ServerName: hostOnly(target)})
	} else {
		conn, err = net.DialTimeout("tcp", target, upstreamDialTimeout)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrUpstreamDial, target, err)
	}

	return &pooledConn{conn: conn, reader: bufio.NewReader(conn)}, false, nil
}
