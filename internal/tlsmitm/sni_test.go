package tlsmitm

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSigned(domain string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func TestExtractSNINoneForNonTLS(t *testing.T) {
	_, ok := extractSNI([]byte("GET / HTTP/1.1\r\n"))
	assert.False(t, ok)
	_, ok = extractSNI(nil)
	assert.False(t, ok)
}

// captureClientHello records the raw bytes a real tls.Client sends for
// its ClientHello, by running a real handshake against a tls.Server
// over an in-memory pipe and tee-ing the client's writes.
func captureClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	var captured bytes.Buffer
	teeClient := &teeConn{Conn: clientConn, tee: &captured}

	serverCert, err := generateSelfSigned(serverName)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{serverCert}})
		srv.Handshake()
	}()

	cli := tls.Client(teeClient, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
	cli.SetDeadline(time.Now().Add(2 * time.Second))
	cli.Handshake()
	clientConn.Close()
	<-done

	return captured.Bytes()
}

type teeConn struct {
	net.Conn
	tee *bytes.Buffer
}

func (c *teeConn) Write(p []byte) (int, error) {
	c.tee.Write(p)
	return c.Conn.Write(p)
}

func TestExtractSNIFromRealClientHello(t *testing.T) {
	raw := captureClientHello(t, "example.com")
	require.NotEmpty(t, raw)

	sni, ok := extractSNI(raw)
	require.True(t, ok)
	assert.Equal(t, "example.com", sni)
}
