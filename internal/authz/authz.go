// Package authz is the authorization collaborator client: one unary
// call per HTTP or DNS request, with fail-closed
// semantics when the endpoint is unreachable and an explicit allow-all
// when none is configured.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// MaxBodyBytes bounds how much of a request body is sent to the
// authorization endpoint; larger bodies are truncated and flagged.
const MaxBodyBytes = 1024 * 1024

// HTTPRequest is the HTTP-shaped half of an authorization call.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Truncated bool            `json:"body_truncated"`
}

// DNSRequest is the DNS-shaped half of an authorization call.
type DNSRequest struct {
	QueryName string `json:"query_name"`
	QueryType string `json:"query_type"`
}

type wireRequest struct {
	RequestID string       `json:"request_id"`
	VmID      string       `json:"vm_id"`
	Timestamp string       `json:"timestamp"`
	HTTP      *HTTPRequest `json:"http,omitempty"`
	DNS       *DNSRequest  `json:"dns,omitempty"`
}

type wireResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Decision is the outcome of an authorize call.
type Decision struct {
	Allow  bool
	Reason string
}

// Client talks to the external policy endpoint over HTTP+JSON. A Client
// with an empty addr is always allow-all.
type Client struct {
	addr string
	http *http.Client
	log  *slog.Logger
}

// New returns a client targeting addr (the value of CLAWPOT_AUTH_ADDR).
// An empty addr disables authorization entirely.
func New(addr string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		log.Info("no auth endpoint configured, authorization disabled (allow-all)")
	} else {
		log.Info("authorization endpoint configured", "addr", addr)
	}
	return &Client{
		addr: addr,
		http: &http.Client{Timeout: 5 * time.Second},
		log:  log,
	}
}

// AuthorizeHTTP authorizes one HTTP request. On transport failure the
// request is denied with the error as reason.
func (c *Client) AuthorizeHTTP(ctx context.Context, requestID, vmID, method, url string, headers map[string]string, body []byte) Decision {
	if c.addr == "" {
		return Decision{Allow: true, Reason: "authorization disabled"}
	}

	truncated := len(body) > MaxBodyBytes
	sent := body
	if truncated {
		sent = body[:MaxBodyBytes]
	}

	req := wireRequest{
		RequestID: requestID,
		VmID:      vmID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		HTTP: &HTTPRequest{
			Method:    method,
			URL:       url,
			Headers:   headers,
			Body:      sent,
			Truncated: truncated,
		},
	}
	return c.call(ctx, req)
}

// AuthorizeDNS authorizes one DNS query.
func (c *Client) AuthorizeDNS(ctx context.Context, requestID, vmID, queryName, queryType string) Decision {
	if c.addr == "" {
		return Decision{Allow: true, Reason: "authorization disabled"}
	}

	req := wireRequest{
		RequestID: requestID,
		VmID:      vmID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DNS:       &DNSRequest{QueryName: queryName, QueryType: queryType},
	}
	return c.call(ctx, req)
}

func (c *Client) call(ctx context.Context, req wireRequest) Decision {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{Allow: false, Reason: fmt.Sprintf("encode authorization request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr, bytes.NewReader(body))
	if err != nil {
		return Decision{Allow: false, Reason: fmt.Sprintf("build authorization request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Warn("auth service call failed, denying", "err", err)
		return Decision{Allow: false, Reason: fmt.Sprintf("auth service unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("auth service returned non-200, denying", "status", resp.StatusCode)
		return Decision{Allow: false, Reason: fmt.Sprintf("auth service returned %d", resp.StatusCode)}
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.log.Warn("auth service returned unparseable response, denying", "err", err)
		return Decision{Allow: false, Reason: fmt.Sprintf("malformed auth response: %v", err)}
	}

	return Decision{Allow: out.Allow, Reason: out.Reason}
}
