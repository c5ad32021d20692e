package tlsmitm

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/clawpot/clawpotd/internal/proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCertSource struct{}

func (fakeCertSource) GetOrCreateCert(domain string) (*tls.Certificate, error) {
	cert, err := generateSelfSigned(domain)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func TestPrefixedConnReplaysPeekedBytes(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { b.Write([]byte("rest")) }()

	pc := &prefixedConn{Conn: a, prefix: []byte("peeked-")}
	buf := make([]byte, 7)
	n, err := pc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "peeked-", string(buf[:n]))

	buf2 := make([]byte, 4)
	n2, err := pc.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, "rest", string(buf2[:n2]))
}

func TestHandleConnHandshakesAndSendsProxyHeader(t *testing.T) {
	// fake HTTP-proxy-side listener that reads the PROXY header and
	// reports the source IP it carries.
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()

	receivedIP := make(chan net.IP, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ip, err := proxyproto.ReadHeader(conn)
		if err != nil {
			return
		}
		receivedIP <- ip
	}()

	p, err := New(Config{ListenAddr: "127.0.0.1:0", UpstreamAddr: upstreamLn.Addr().String()},
		fakeCertSource{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	p.Start()
	defer p.Close()

	clientConn, err := net.DialTimeout("tcp", p.ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	tlsClient := tls.Client(clientConn, &tls.Config{ServerName: "example.com", InsecureSkipVerify: true})
	tlsClient.SetDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, tlsClient.Handshake())

	select {
	case ip := <-receivedIP:
		assert.NotNil(t, ip)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proxy protocol header on upstream side")
	}
}
