package httpproxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawpot/clawpotd/internal/authz"
	"github.com/clawpot/clawpotd/internal/bodystore"
	"github.com/clawpot/clawpotd/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{ vmID string }

func (f fakeResolver) FindByIP(ip net.IP) (string, bool) { return f.vmID, f.vmID != "" }

type fakeAuthorizer struct {
	allow  bool
	reason string
}

func (f fakeAuthorizer) AuthorizeHTTP(ctx context.Context, requestID, vmID, method, url string, headers map[string]string, body []byte) authz.Decision {
	return authz.Decision{Allow: f.allow, Reason: f.reason}
}

type recordedEvent struct {
	eventType string
	vmID      string
}

type fakeEvents struct {
	events []recordedEvent
	nextID int64
}

func (f *fakeEvents) Emit(eventType, category, vmID, correlationID string, data interface{}) int64 {
	f.nextID++
	f.events = append(f.events, recordedEvent{eventType: eventType, vmID: vmID})
	return f.nextID
}

func (f *fakeEvents) EmitWithDuration(eventType, category, vmID, correlationID string, durationMS int64, success bool, data interface{}) int64 {
	return f.Emit(eventType, category, vmID, correlationID, data)
}

func newTestProxy(t *testing.T, resolver Resolver, authorizer Authorizer, events EventSink) (*Proxy, func()) {
	t.Helper()
	bs, err := bodystore.New(t.TempDir())
	require.NoError(t, err)

	p, err := New(Config{PlainAddr: "127.0.0.1:0", TLSAddr: "127.0.0.1:0"},
		resolver, authorizer, events, bs, llm.KeyStoreFromEnv(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	p.Start()
	return p, func() { p.Close() }
}

func TestPlainProxyForwardsAllowedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("world"))
	}))
	defer upstream.Close()

	events := &fakeEvents{}
	p, closeFn := newTestProxy(t, fakeResolver{vmID: "vm-1"}, fakeAuthorizer{allow: true}, events)
	defer closeFn()

	conn, err := net.Dial("tcp", p.plainLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	upstreamHost := upstream.Listener.Addr().String()
	req, _ := http.NewRequest("GET", "http://"+upstreamHost+"/hello", nil)
	req.Write(conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "world", string(body))

	var sawRequest, sawResponse bool
	for _, e := range events.events {
		if e.eventType == "network.http.request" {
			sawRequest = true
			assert.Equal(t, "vm-1", e.vmID)
		}
		if e.eventType == "network.http.response" {
			sawResponse = true
		}
	}
	assert.True(t, sawRequest)
	assert.True(t, sawResponse)
}

func TestPlainProxyDeniedReturns403(t *testing.T) {
	events := &fakeEvents{}
	p, closeFn := newTestProxy(t, fakeResolver{vmID: "vm-1"}, fakeAuthorizer{allow: false, reason: "blocked"}, events)
	defer closeFn()

	conn, err := net.Dial("tcp", p.plainLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, _ := http.NewRequest("GET", "http://example.com/secret", nil)
	req.Write(conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var sawDenied bool
	for _, e := range events.events {
		if e.eventType == "network.http.denied" {
			sawDenied = true
		}
	}
	assert.True(t, sawDenied)
}

func TestHostOnlyAndPortForScheme(t *testing.T) {
	assert.Equal(t, "example.com", hostOnly("example.com:8080"))
	assert.Equal(t, "example.com", hostOnly("example.com"))
	assert.Equal(t, "8080", portForScheme("example.com:8080", "http"))
	assert.Equal(t, "80", portForScheme("example.com", "http"))
	assert.Equal(t, "443", portForScheme("example.com", "https"))
}
