package proxyfix

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Transport repairs traffic between this service and a chat-completions proxy
// that mishandles tool calling: outbound request bodies are normalized to one
// tool call per assistant message, and inbound response bodies have mangled
// tool names and off-by-one tool-call indexes rewritten as they stream.
type Transport struct {
	base http.RoundTripper
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	outbound := req
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("proxyfix: read request body: %w", err)
		}
		normalized := NormalizeRequestBody(body)
		outbound = req.Clone(req.Context())
		outbound.Body = io.NopCloser(bytes.NewReader(normalized))
		outbound.ContentLength = int64(len(normalized))
		outbound.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(normalized)), nil
		}
	}

	resp, err := t.base.RoundTrip(outbound)
	if err != nil {
		return nil, err
	}
	if resp.Body != nil {
		resp.Body = NewRewriteBody(resp.Body)
	}
	return resp, nil
}
