// Package upstream builds and forwards the proxied request to the real
// service, injecting the broker's credential and stripping the headers
// that must never leave the gateway's edge.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUpstream is returned for any connection failure, TLS failure, or
// timeout talking to the upstream service. It maps to upstream_error (502)
// at the gateway boundary.
var ErrUpstream = errors.New("upstream: request failed")

// hopByHop headers are stripped in both directions per RFC 7230 §6.1; they
// describe the connection to the immediate peer, not the resource.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Transfer-Encoding":   {},
	"TE":                  {},
	"Trailer":             {},
	"Upgrade":             {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
}

// sessionHeader is stripped from the forwarded request even though it is
// not hop-by-hop: it is the gateway's own credential, never the upstream's.
const sessionHeader = "X-Session-Id"

// Request is everything the gateway has extracted from the ingress request
// needed to build the outbound call.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   io.Reader
}

// Response is the upstream's answer, ready to be written back verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client forwards requests to service base URLs with an injected bearer
// credential.
type Client struct {
	http *http.Client
}

// New builds a Client with the given upstream timeout (cmd/server passes
// config.Settings.UpstreamTimeout); a non-positive timeout selects 30s.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Forward builds a request to baseURL+req.Path, copies method, filtered
// headers, query, and body, sets the Authorization header from tokenType
// and accessToken, and returns the upstream's response unread and
// unbuffered — the caller is responsible for closing Response.Body.
//
// The access token is never logged: it only ever appears in the
// Authorization header of the outbound request this function builds.
func (c *Client) Forward(ctx context.Context, baseURL string, req Request, tokenType, accessToken string) (*Response, error) {
	url := strings.TrimRight(baseURL, "/") + req.Path
	if req.Query != "" {
		url += "?" + req.Query
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, url, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}

	copyFilteredHeaders(outReq.Header, req.Header)
	outReq.Header.Set("Authorization", tokenType+" "+accessToken)

	resp, err := c.http.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	outHeader := make(http.Header, len(resp.Header))
	copyFilteredHeaders(outHeader, resp.Header)

	return &Response{StatusCode: resp.StatusCode, Header: outHeader, Body: resp.Body}, nil
}

func copyFilteredHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, blocked := hopByHop[canonical]; blocked {
			continue
		}
		if canonical == sessionHeader {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}
