// Package service implements request forwarding and read/write failover routing.
package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"rwsplit-proxy/internal/client"
	"rwsplit-proxy/internal/config"
	"rwsplit-proxy/internal/model"
)

// Forwarder sends a single request to a single endpoint. It never retries.
type Forwarder struct {
	client      *client.UpstreamClient
	logger      *slog.Logger
	compactJSON bool
}

// NewForwarder creates a Forwarder.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:      c,
		logger:      logger.With("component", "forwarder"),
		compactJSON: cfg.Upstream.CompactJSON,
	}
}

// Forward rebases the request onto the endpoint origin and executes it.
// Errors wrap client.ErrTransport when no response was obtained.
func (f *Forwarder) Forward(ep model.Endpoint, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := buildUpstreamURL(ep.URL, pr)
	header := buildRequestHeader(pr.Header)
	body := f.requestBody(pr)

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"endpoint", ep.String(),
		"path", pr.Path,
	)

	resp, err := f.client.Do(pr.Context(), pr.Method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", ep, err)
	}
	model.RemoveHopByHop(resp.Header)
	resp.Endpoint = ep
	return resp, nil
}

// buildUpstreamURL keeps only the endpoint origin and the inbound path. The
// inbound query is layered over any query configured on the endpoint; without
// one it is forwarded byte-for-byte.
func buildUpstreamURL(base *url.URL, pr *model.ProxyRequest) string {
	u := url.URL{
		Scheme:  base.Scheme,
		Host:    base.Host,
		Path:    pr.Path,
		RawPath: pr.RawPath,
	}
	if u.Path == "" {
		u.Path = "/"
	}

	if base.RawQuery == "" {
		u.RawQuery = pr.RawQuery
		return u.String()
	}

	q := base.Query()
	inbound, _ := url.ParseQuery(pr.RawQuery)
	for k, v := range inbound {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// buildRequestHeader copies inbound headers minus Host and hop-by-hop headers.
// Content-Length is recomputed from the outbound body.
func buildRequestHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	dst.Del("Content-Length")
	model.RemoveHopByHop(dst)
	return dst
}

// requestBody returns nil for GET and HEAD. Other methods forward the inbound
// bytes. With compact_json set, JSON bodies lose insignificant whitespace;
// key order, duplicate keys and number spelling are kept as sent.
func (f *Forwarder) requestBody(pr *model.ProxyRequest) []byte {
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead {
		return nil
	}
	if !f.compactJSON || len(pr.Body) == 0 || !isJSON(pr.Header.Get("Content-Type")) {
		return pr.Body
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, pr.Body); err != nil {
		f.logger.Debug("body is not valid JSON; forwarding raw bytes", "err", err)
		return pr.Body
	}
	return buf.Bytes()
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
