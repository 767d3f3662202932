package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the control API of a running swarm client daemon.
type Client struct {
	baseURL string       // baseURL is the API root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http is the underlying HTTP client
}

// Status is the daemon state reported by GET /status.
type Status struct {
	Account       string            `json:"account"`
	Pool          int               `json:"pool"`
	ClockOffsetMs int64             `json:"clockOffsetMs"`
	User          string            `json:"user"`
	Groups        map[string]string `json:"groups"`
}

// PollResult reports a manual poll.
type PollResult struct {
	Target   string `json:"target"`
	Messages int    `json:"messages"`
}

// SendRequest addresses and describes a text message.
//
// To alone sends to a contact (05) or closed group (03). Legacy marks a
// legacy group. Server with ServerKey and Room posts to a community room;
// Server with ServerKey and a blinded To sends a community direct message.
type SendRequest struct {
	To          string `json:"to"`
	Legacy      bool   `json:"legacy,omitempty"`
	Server      string `json:"server,omitempty"`
	ServerKey   string `json:"serverKey,omitempty"`
	Room        string `json:"room,omitempty"`
	Text        string `json:"text"`
	ExpireTimer uint32 `json:"expireTimer,omitempty"`
}

// SendResult reports an accepted message.
type SendResult struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	ServerID  int64  `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	Synced    bool   `json:"synced"`
}

// New creates a client for the daemon listening on addr, given as
// host:port or a full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: 45 * time.Second},
	}
}

// Health checks the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the daemon state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

// PollUser runs a poll of the own swarm and waits for it.
func (c *Client) PollUser(ctx context.Context) (PollResult, error) {
	return c.poll(ctx, "user")
}

// PollGroup runs a poll of a closed group given by its hex id.
func (c *Client) PollGroup(ctx context.Context, group string) (PollResult, error) {
	return c.poll(ctx, group)
}

func (c *Client) poll(ctx context.Context, target string) (PollResult, error) {
	var res PollResult
	err := c.do(ctx, http.MethodPost, "/poll?target="+url.QueryEscape(target), nil, &res)
	return res, err
}

// Send sends a text message.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var res SendResult
	err := c.do(ctx, http.MethodPost, "/send", req, &res)
	return res, err
}
