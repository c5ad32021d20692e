// Package dnsproxy intercepts guest DNS queries, authorizes each one
// against the configured policy endpoint, and forwards allowed queries
// upstream. Denied queries get a synthesized REFUSED reply that
// preserves the original ID and question section.
package dnsproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/clawpot/clawpotd/internal/authz"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr is the bridge-facing address guests are
	// redirected to by the bridge-wide nftables filter.
	DefaultListenAddr = "0.0.0.0:10053"
	// DefaultUpstreamAddr is the resolver queries are forwarded to
	// when a guest's lookup is authorized.
	DefaultUpstreamAddr = "8.8.8.8:53"

	upstreamTimeout = 5 * time.Second
)

// Resolver maps a guest's source IP to its vm_id. Implemented by
// internal/registry; kept narrow here so this package doesn't need to
// import it directly.
type Resolver interface {
	FindByIP(ip net.IP) (vmID string, ok bool)
}

// Authorizer is the subset of internal/authz.Client this package needs.
type Authorizer interface {
	AuthorizeDNS(ctx context.Context, requestID, vmID, queryName, queryType string) authz.Decision
}

// EventSink is the subset of internal/eventstore.Store this package
// needs to log requests and decisions.
type EventSink interface {
	Emit(eventType, category, vmID, correlationID string, data interface{}) int64
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

// Proxy is a dual UDP/TCP DNS interception proxy, one per host.
type Proxy struct {
	udpConn net.PacketConn
	tcpLn   net.Listener

	upstream   string
	resolver   Resolver
	authorizer Authorizer
	events     EventSink
	log        *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New binds the UDP and TCP listeners but does not start serving yet;
// call Start to do that.
func New(cfg Config, resolver Resolver, authorizer Authorizer, events EventSink, log *slog.Logger) (*Proxy, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	udpConn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: udp %s: %v", ErrListen, cfg.ListenAddr, err)
	}

	tcpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: tcp %s: %v", ErrListen, cfg.ListenAddr, err)
	}

	return &Proxy{
		udpConn:    udpConn,
		tcpLn:      tcpLn,
		upstream:   cfg.UpstreamAddr,
		resolver:   resolver,
		authorizer: authorizer,
		events:     events,
		log:        log,
	}, nil
}

// Start begins serving UDP and TCP queries in background goroutines.
func (p *Proxy) Start() {
	p.wg.Add(2)
	go p.udpLoop()
	go p.tcpLoop()
}

// Close stops both listeners and waits for in-flight handlers to exit.
// Safe to call more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.udpConn.Close()
	p.tcpLn.Close()
	p.wg.Wait()
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) udpLoop() {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, addr, err := p.udpConn.ReadFrom(buf)
		if err != nil {
			if p.isClosed() {
				return
			}
			p.log.Warn("dns udp read failed", "err", err)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		udpAddr, _ := addr.(*net.UDPAddr)

		go func() {
			resp := p.handleQuery(context.Background(), packet, sourceIP(udpAddr))
			if resp != nil {
				p.udpConn.WriteTo(resp, addr)
			}
		}()
	}
}

func (p *Proxy) tcpLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.tcpLn.Accept()
		if err != nil {
			if p.isClosed() {
				return
			}
			p.log.Warn("dns tcp accept failed", "err", err)
			continue
		}

		p.wg.Add(1)
		go p.handleTCPConn(conn)
	}
}

func (p *Proxy) handleTCPConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint16(lenBuf[:])

		packet := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, packet); err != nil {
			return
		}

		tcpAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
		resp := p.handleQuery(context.Background(), packet, sourceIPFromTCP(tcpAddr))
		if resp == nil {
			return
		}

		var respLen [2]byte
		binary.BigEndian.PutUint16(respLen[:], uint16(len(resp)))
		if _, err := conn.Write(respLen[:]); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// handleQuery is the shared pipeline for both transports: parse the
// question, resolve the requesting VM, authorize, and either
// synthesize a REFUSED reply or forward upstream.
func (p *Proxy) handleQuery(ctx context.Context, packet []byte, srcIP net.IP) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil || len(msg.Question) == 0 {
		p.log.Warn("dropping malformed dns query", "err", err)
		return nil
	}
	q := msg.Question[0]
	queryName := q.Name
	queryType := dns.TypeToString[q.Qtype]
	if queryType == "" {
		queryType = "OTHER"
	}

	var vmID string
	if p.resolver != nil {
		vmID, _ = p.resolver.FindByIP(srcIP)
	}

	requestID := fmt.Sprintf("%d", msg.Id)
	if p.events != nil {
		p.events.Emit("network.dns.request", "network", vmID, requestID, map[string]string{
			"query_name": queryName,
			"query_type": queryType,
			"source_ip":  srcIP.String(),
		})
	}

	decision := authz.Decision{Allow: true, Reason: "authorization disabled"}
	if p.authorizer != nil {
		decision = p.authorizer.AuthorizeDNS(ctx, requestID, vmID, queryName, queryType)
	}

	if !decision.Allow {
		if p.events != nil {
			p.events.Emit("network.dns.denied", "network", vmID, requestID, map[string]string{
				"query_name": queryName,
				"reason":     decision.Reason,
			})
		}
		refused := new(dns.Msg)
		refused.SetRcode(msg, dns.RcodeRefused)
		out, err := refused.Pack()
		if err != nil {
			p.log.Warn("failed to pack refused dns response", "err", err)
			return nil
		}
		return out
	}

	respBytes, err := p.forwardUpstream(ctx, packet)
	if err != nil {
		p.log.Warn("dns upstream query failed", "err", err, "query", queryName)
		if p.events != nil {
			p.events.Emit("network.dns.upstream_error", "network", vmID, requestID, map[string]string{
				"query_name": queryName,
				"error":      err.Error(),
			})
		}
		return nil
	}

	if p.events != nil {
		rcode := dns.RcodeSuccess
		if reply := new(dns.Msg); reply.Unpack(respBytes) == nil {
			rcode = reply.Rcode
		}
		p.events.Emit("network.dns.response", "network", vmID, requestID, map[string]interface{}{
			"query_name": queryName,
			"rcode":      rcode,
		})
	}

	return respBytes
}

func (p *Proxy) forwardUpstream(ctx context.Context, packet []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", p.upstream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(upstreamTimeout))

	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func sourceIP(addr *net.UDPAddr) net.IP {
	if addr == nil {
		return nil
	}
	return addr.IP
}

func sourceIPFromTCP(addr *net.TCPAddr) net.IP {
	if addr == nil {
		return nil
	}
	return addr.IP
}
