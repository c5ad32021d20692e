// Package llm detects requests aimed at known LLM APIs, injects
// server-managed credentials in place of whatever the guest supplied,
// and reassembles SSE streaming responses into a single JSON document
// for event logging.
package llm

import (
	"os"
	"strings"
)

// endpoint is a specific path within a provider's API surface.
type endpoint struct {
	name       string
	pathPrefix string
}

// provider is a known LLM API host and how to authenticate against it.
type provider struct {
	name         string
	host         string
	envVar       string
	authHeader   string
	bearerFormat bool
	endpoints    []endpoint
}

var providers = []provider{
	{
		name:       "anthropic",
		host:       "api.anthropic.com",
		envVar:     "CLAWPOT_ANTHROPIC_API_KEY",
		authHeader: "x-api-key",
		endpoints: []endpoint{
			{name: "messages", pathPrefix: "/v1/messages"},
		},
	},
	{
		name:         "openai",
		host:         "api.openai.com",
		envVar:       "CLAWPOT_OPENAI_API_KEY",
		authHeader:   "authorization",
		bearerFormat: true,
		endpoints: []endpoint{
			{name: "chat_completions", pathPrefix: "/v1/chat/completions"},
			{name: "responses", pathPrefix: "/v1/responses"},
		},
	},
}

// KeyStore holds the server-managed API keys loaded from the
// environment, keyed by provider name.
type KeyStore struct {
	keys map[string]string
}

// KeyStoreFromEnv reads the provider env vars named in the provider
// table (CLAWPOT_ANTHROPIC_API_KEY, CLAWPOT_OPENAI_API_KEY).
func KeyStoreFromEnv() *KeyStore {
	keys := make(map[string]string)
	for _, p := range providers {
		if key := os.Getenv(p.envVar); key != "" {
			keys[p.name] = key
		}
	}
	return &KeyStore{keys: keys}
}

func (k *KeyStore) get(providerName string) (string, bool) {
	v, ok := k.keys[providerName]
	return v, ok
}

// Detection describes how a request should be rewritten before it is
// dispatched upstream.
type Detection struct {
	Provider string
	Endpoint string
	// StripHeader names the guest-supplied auth header to remove, if any.
	StripHeader string
	// InjectHeaderName and InjectHeaderValue, if non-empty, are the
	// (name, value) pair to set with the server-managed key.
	InjectHeaderName  string
	InjectHeaderValue string
}

// Detect checks whether host/path target a known LLM API and, if so,
// how the request's auth header should be rewritten.
func Detect(host, path string, keys *KeyStore) (Detection, bool) {
	hostBare := host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		hostBare = host[:i]
	}

	for _, p := range providers {
		if !strings.EqualFold(hostBare, p.host) {
			continue
		}

		endpointName := "unknown"
		for _, ep := range p.endpoints {
			if strings.HasPrefix(path, ep.pathPrefix) {
				endpointName = ep.name
				break
			}
		}

		det := Detection{Provider: p.name, Endpoint: endpointName}
		if key, ok := keys.get(p.name); ok {
			value := key
			if p.bearerFormat {
				value = "Bearer " + key
			}
			det.StripHeader = p.authHeader
			det.InjectHeaderName = p.authHeader
			det.InjectHeaderValue = value
		}
		return det, true
	}

	return Detection{}, false
}
