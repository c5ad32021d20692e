package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsAllowAll(t *testing.T) {
	c := New("", nil)
	d := c.AuthorizeHTTP(context.Background(), "1", "vm-1", "GET", "http://x/", nil, nil)
	assert.True(t, d.Allow)
}

func TestAuthorizeHTTPAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.HTTP)
		assert.Equal(t, "GET", req.HTTP.Method)

		json.NewEncoder(w).Encode(wireResponse{Allow: true, Reason: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	d := c.AuthorizeHTTP(context.Background(), "1", "vm-1", "GET", "http://x/", map[string]string{"a": "b"}, nil)
	assert.True(t, d.Allow)
	assert.Equal(t, "ok", d.Reason)
}

func TestAuthorizeDenyOnTransportFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", nil) // nothing listens here
	d := c.AuthorizeHTTP(context.Background(), "1", "vm-1", "GET", "http://x/", nil, nil)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "unreachable")
}

func TestAuthorizeHTTPTruncatesLargeBody(t *testing.T) {
	var gotLen int
	var gotTruncated bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotLen = len(req.HTTP.Body)
		gotTruncated = req.HTTP.Truncated
		json.NewEncoder(w).Encode(wireResponse{Allow: true})
	}))
	defer srv.Close()

	big := make([]byte, MaxBodyBytes+100)
	c := New(srv.URL, nil)
	c.AuthorizeHTTP(context.Background(), "1", "vm-1", "POST", "http://x/", nil, big)

	assert.Equal(t, MaxBodyBytes, gotLen)
	assert.True(t, gotTruncated)
}

func TestAuthorizeDNS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		require.NotNil(t, req.DNS)
		assert.Equal(t, "example.com", req.DNS.QueryName)
		json.NewEncoder(w).Encode(wireResponse{Allow: false, Reason: "blocked"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	d := c.AuthorizeDNS(context.Background(), "1", "vm-1", "example.com", "A")
	assert.False(t, d.Allow)
	assert.Equal(t, "blocked", d.Reason)
}
