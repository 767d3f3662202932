package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"SwarmSync/internal/swarm"
)

const (
	// defaultRequestTimeout bounds a relayed request when ctx has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// ErrTargetUnreachable is returned when the relay could not reach the node.
var ErrTargetUnreachable = errors.New("relay target unreachable")

// ClientConfig configures a relay client.
type ClientConfig struct {
	Addr      string            // Addr is the relay UDP address
	RelayKey  ed25519.PublicKey // RelayKey pins the relay identity; nil trusts any relay
	Timeout   time.Duration     // Timeout is the forward timeout asked of the relay
	DialLimit time.Duration     // DialLimit bounds connection establishment
}

// Client sends storage requests through a relay daemon. It implements
// swarm.Transport and swarm.SeedTransport and redials lazily after the
// connection drops.
type Client struct {
	addr       string
	timeout    time.Duration
	dialLimit  time.Duration
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu   sync.Mutex
	conn *quic.Conn
}

var (
	_ swarm.Transport     = (*Client)(nil)
	_ swarm.SeedTransport = (*Client)(nil)
)

// NewClient creates a relay client. No connection is made until the first request.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("relay address is required")
	}

	dialLimit := cfg.DialLimit
	if dialLimit <= 0 {
		dialLimit = 10 * time.Second
	}

	return &Client{
		addr:      cfg.Addr,
		timeout:   cfg.Timeout,
		dialLimit: dialLimit,
		tlsConfig: &tls.Config{
			InsecureSkipVerify:    true, // identity is checked against RelayKey
			VerifyPeerCertificate: pinnedKey(cfg.RelayKey),
			NextProtos:            []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}, nil
}

// Send relays payload to the node's storage endpoint.
func (c *Client) Send(ctx context.Context, node swarm.Node, payload []byte) (int, []byte, error) {
	return c.PostJSON(ctx, node.URL(), payload)
}

// PostJSON relays payload to url.
func (c *Client) PostJSON(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.roundTrip(ctx, conn, request{target: url, payload: payload, timeout: c.timeout})
	if err != nil {
		c.drop(conn)
		return 0, nil, err
	}

	if resp.err != "" {
		return 0, nil, fmt.Errorf("%w: %s", ErrTargetUnreachable, resp.err)
	}

	return resp.status, resp.body, nil
}

// Close closes the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.CloseWithError(0, "closed")
	c.conn = nil

	return err
}

func (c *Client) roundTrip(ctx context.Context, conn *quic.Conn, req request) (response, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return response{}, fmt.Errorf("open relay stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, encodeRequest(req)); err != nil {
		return response{}, err
	}

	data, err := readFrame(stream)
	if err != nil {
		return response{}, err
	}

	return decodeResponse(data)
}

// connection returns the live connection, dialing when there is none.
func (c *Client) connection(ctx context.Context) (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialLimit)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, c.addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s:\n%w", c.addr, err)
	}
	c.conn = conn

	return conn, nil
}

// drop forgets conn so the next request redials.
func (c *Client) drop(conn *quic.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		conn.CloseWithError(1, "stream failure")
		c.conn = nil
	}
}
