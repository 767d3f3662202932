package swarm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// defaultHTTPTimeout bounds a single node request.
	defaultHTTPTimeout = 20 * time.Second

	// maxResponseSize caps a node response body.
	maxResponseSize = 16 << 20
)

// Transport delivers an encoded request to a node and returns the raw reply.
// A non-nil error means the node was unreachable; rejections are reported
// through status.
type Transport interface {
	Send(ctx context.Context, node Node, payload []byte) (status int, body []byte, err error)
}

// SeedTransport posts JSON-RPC payloads to a bootstrap endpoint.
type SeedTransport interface {
	PostJSON(ctx context.Context, url string, payload []byte) (status int, body []byte, err error)
}

// HTTPTransport talks to nodes directly over HTTPS.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a direct transport. Storage nodes present
// self-signed certificates, so verification is skipped when insecure is set.
func NewHTTPTransport(timeout time.Duration, insecure bool) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewHTTPTransportWithClient wraps an existing http.Client.
func NewHTTPTransportWithClient(c *http.Client) *HTTPTransport {
	return &HTTPTransport{client: c}
}

// Send posts payload to the node's storage RPC endpoint.
func (t *HTTPTransport) Send(ctx context.Context, node Node, payload []byte) (int, []byte, error) {
	return t.PostJSON(ctx, node.URL(), payload)
}

// PostJSON posts payload to url and returns status and body.
func (t *HTTPTransport) PostJSON(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s:\n%w", url, err)
	}

	return resp.StatusCode, body, nil
}

// encodeRequest serializes a request for the wire.
func encodeRequest(req SubRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s:\n%w", req.Method, err)
	}

	return b, nil
}

// decodeJSON unmarshals a response body.
func decodeJSON(body []byte, out any) error {
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}

	return json.Unmarshal(body, out)
}
