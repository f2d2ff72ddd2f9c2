// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Endpoint roles.
const (
	RoleWrite = "write"
	RoleRead  = "read"
)

// Endpoint is a configured upstream origin.
type Endpoint struct {
	Role  string
	Index int // priority within its role; 0 is most preferred
	URL   *url.URL
}

// String returns the endpoint origin.
func (e Endpoint) String() string {
	return e.URL.Scheme + "://" + e.URL.Host
}

// Topology is the immutable set of upstreams the proxy routes between.
type Topology struct {
	Write Endpoint
	Reads []Endpoint
}

// NewTopology parses the write endpoint and the ordered read endpoints.
func NewTopology(write string, reads []string) (*Topology, error) {
	wu, err := parseEndpointURL(write)
	if err != nil {
		return nil, fmt.Errorf("write endpoint: %w", err)
	}
	if len(reads) == 0 {
		return nil, fmt.Errorf("at least one read endpoint is required")
	}

	t := &Topology{
		Write: Endpoint{Role: RoleWrite, URL: wu},
		Reads: make([]Endpoint, 0, len(reads)),
	}
	for i, r := range reads {
		ru, err := parseEndpointURL(r)
		if err != nil {
			return nil, fmt.Errorf("read endpoint %d: %w", i, err)
		}
		t.Reads = append(t.Reads, Endpoint{Role: RoleRead, Index: i, URL: ru})
	}
	return t, nil
}

func parseEndpointURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	return u, nil
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Context returns the request context, defaulting to context.Background.
func (p *ProxyRequest) Context() context.Context {
	if p.Ctx == nil {
		return context.Background()
	}
	return p.Ctx
}

// ContextKeyUpstream is the echo context key under which the handler stores
// the Endpoint that produced the relayed response.
const ContextKeyUpstream = "upstream"

// ProxyResponse is a fully read upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Endpoint   Endpoint // set by the forwarder
}

// OK reports whether the status is in the 2xx range.
func (r *ProxyResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
