// Package tlsmitm terminates TLS from the guest using a per-domain
// leaf minted by internal/ca, recovered via a hand-rolled SNI peek
// then hands the decrypted bytes to the HTTP proxy's
// loopback listener fronted by a PROXY protocol v1 header so the HTTP
// proxy can recover the real guest source address.
package tlsmitm

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/clawpot/clawpotd/internal/proxyproto"
)

const (
	// DefaultListenAddr is where guests' TLS connections land after
	// the bridge-wide nftables redirect.
	DefaultListenAddr = "0.0.0.0:10443"
	// DefaultUpstreamAddr is the HTTP proxy's decrypted-TLS listener.
	DefaultUpstreamAddr = "127.0.0.1:10081"

	peekBufSize = 4096
)

// CertSource mints or fetches a TLS leaf certificate for a domain.
// Implemented by internal/ca.CA.
type CertSource interface {
	GetOrCreateCert(domain string) (*tls.Certificate, error)
}

// Config configures a Proxy.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.UpstreamAddr == "" {
		c.UpstreamAddr = DefaultUpstreamAddr
	}
	return c
}

// Proxy is the TLS-terminating, SNI-routed MITM listener.
type Proxy struct {
	ln       net.Listener
	upstream string
	certs    CertSource
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New binds the listener but does not start serving; call Start.
func New(cfg Config, certs CertSource, log *slog.Logger) (*Proxy, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrListen, cfg.ListenAddr, err)
	}

	return &Proxy{ln: ln, upstream: cfg.UpstreamAddr, certs: certs, log: log}, nil
}

// Start begins accepting connections in a background goroutine.
func (p *Proxy) Start() {
	p.wg.Add(1)
	go p.acceptLoop()
}

// Close stops the listener and waits for in-flight connections to
// finish. Safe to call more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.ln.Close()
	p.wg.Wait()
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.isClosed() {
				return
			}
			p.log.Warn("tlsmitm accept failed", "err", err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.handleConn(conn); err != nil {
				p.log.Warn("tlsmitm connection failed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

func (p *Proxy) handleConn(guestConn net.Conn) error {
	defer guestConn.Close()

	buf := make([]byte, peekBufSize)
	n, err := guestConn.Read(buf)
	if err != nil {
		return fmt.Errorf("peek client hello: %w", err)
	}

	sni, ok := extractSNI(buf[:n])
	if !ok || sni == "" {
		return ErrNoSNI
	}

	cert, err := p.certs.GetOrCreateCert(sni)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCert, sni, err)
	}

	prefixed := &prefixedConn{Conn: guestConn, prefix: buf[:n]}
	tlsConn := tls.Server(prefixed, &tls.Config{
		Certificates: []tls.Certificate{*cert},
	})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer tlsConn.Close()

	upstreamConn, err := net.Dial("tcp", p.upstream)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamTCP, err)
	}
	defer upstreamConn.Close()

	if err := writeProxyHeader(upstreamConn, guestConn.RemoteAddr(), guestConn.LocalAddr()); err != nil {
		return fmt.Errorf("write proxy protocol header: %w", err)
	}

	return splice(tlsConn, upstreamConn)
}

// writeProxyHeader sends a PROXY protocol v1 header describing the
// guest's real address, so the HTTP proxy on the other end of the
// loopback hop can recover it after TLS termination.
func writeProxyHeader(w net.Conn, client, server net.Addr) error {
	clientTCP, ok := client.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("tlsmitm: client addr is not tcp: %v", client)
	}
	serverTCP, ok := server.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("tlsmitm: server addr is not tcp: %v", server)
	}
	return proxyproto.WriteHeader(w, clientTCP, serverTCP)
}

func splice(a, b net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	copyFn := func(dst, src net.Conn) {
		defer wg.Done()
		io.Copy(dst, src)
		if tcp, ok := dst.(interface{ CloseWrite() error }); ok {
			tcp.CloseWrite()
		} else {
			dst.Close()
		}
	}

	go copyFn(b, a)
	go copyFn(a, b)
	wg.Wait()
	return nil
}

// prefixedConn replays the bytes already consumed from the peek read
// before continuing to read fresh bytes from the underlying conn, so
// the TLS handshake sees the ClientHello exactly once from the start.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
