// Package opengroup talks to community servers: request signing with
// optional blinding, the /sequence batch, room posts and direct messages.
package opengroup

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"

	"SwarmSync/internal/account"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultCacheSize = 64
	maxResponseSize  = 16 << 20
)

// ErrNoKeys is returned when a signed request is made without keys.
var ErrNoKeys = errors.New("open group requests need signing keys")

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Keys       *account.Keys
	Logger     *slog.Logger
	Now        func() time.Time
	CacheSize  int // CacheSize bounds the capabilities cache, in servers
}

// Client issues signed requests to community servers. Capabilities are
// cached per server.
type Client struct {
	http *http.Client
	keys *account.Keys
	log  *slog.Logger
	now  func() time.Time
	caps *lru.Cache
}

// NewClient creates a community client.
func NewClient(cfg Config) (*Client, error) {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	caps, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create capabilities cache:\n%w", err)
	}

	return &Client{http: hc, keys: cfg.Keys, log: log, now: now, caps: caps}, nil
}

// ===== signing =====

// signedHeaders computes the X-SOGS-* headers of a request. The signed
// message is server key, nonce, timestamp, method, path and the BLAKE2b
// hash of the body when there is one.
func (c *Client) signedHeaders(server Server, method, path string, body []byte, blind bool) (http.Header, error) {
	if c.keys == nil {
		return nil, ErrNoKeys
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce:\n%w", err)
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)

	msg := append([]byte(nil), server.PubKey...)
	msg = append(msg, nonce...)
	msg = append(msg, ts...)
	msg = append(msg, method...)
	msg = append(msg, path...)
	if len(body) > 0 {
		h := blake2b.Sum512(body)
		msg = append(msg, h[:]...)
	}

	var (
		pub string
		sig []byte
	)

	if blind {
		id, err := c.keys.BlindedID(server.PubKey)
		if err != nil {
			return nil, err
		}
		pub = id.Hex()

		sig, err = c.keys.BlindedSign(server.PubKey, msg)
		if err != nil {
			return nil, fmt.Errorf("blinded sign:\n%w", err)
		}
	} else {
		pub = "00" + hex.EncodeToString(c.keys.Ed25519Public())
		sig = c.keys.Sign(msg)
	}

	h := http.Header{}
	h.Set("X-SOGS-Pubkey", pub)
	h.Set("X-SOGS-Nonce", base64.StdEncoding.EncodeToString(nonce))
	h.Set("X-SOGS-Timestamp", ts)
	h.Set("X-SOGS-Signature", base64.StdEncoding.EncodeToString(sig))

	return h, nil
}

// do sends one request. A nil out discards the body.
func (c *Client) do(ctx context.Context, server Server, method, path string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal %s %s:\n%w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, server.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		blind, err := c.blinded(ctx, server, path)
		if err != nil {
			return err
		}

		h, err := c.signedHeaders(server, method, req.URL.EscapedPath(), body, blind)
		if err != nil {
			return err
		}
		for k, v := range h {
			req.Header[k] = v
		}
	}

	start := c.now()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s:\n%w", path, err)
	}

	c.log.Debug("open group request", "server", server.BaseURL, "method", method, "path", path,
		"status", resp.StatusCode, "took", c.now().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s:\n%w", path, err)
	}

	return nil
}

// blinded reports whether requests to server must use the blinded id.
// The capabilities request itself is always unblinded.
func (c *Client) blinded(ctx context.Context, server Server, path string) (bool, error) {
	if path == "/capabilities" {
		return false, nil
	}

	caps, err := c.Capabilities(ctx, server)
	if err != nil {
		return false, err
	}

	return caps.Has(CapabilityBlind), nil
}

// ===== endpoints =====

// Capabilities returns the server capabilities, fetching them once.
func (c *Client) Capabilities(ctx context.Context, server Server) (Capabilities, error) {
	if v, ok := c.caps.Get(server.BaseURL); ok {
		return v.(Capabilities), nil
	}

	var caps Capabilities
	if err := c.do(ctx, server, http.MethodGet, "/capabilities", nil, &caps, false); err != nil {
		return Capabilities{}, fmt.Errorf("fetch capabilities of %s:\n%w", server.BaseURL, err)
	}

	c.caps.Add(server.BaseURL, caps)

	return caps, nil
}

// SetCapabilities records capabilities learned from a batch response.
func (c *Client) SetCapabilities(server Server, caps Capabilities) {
	c.caps.Add(server.BaseURL, caps)
}

// Sequence sends reqs as one /sequence batch. Sub-requests run in order
// on the server; each reports its own status.
func (c *Client) Sequence(ctx context.Context, server Server, reqs []BatchRequest) ([]BatchResponse, error) {
	var resp []BatchResponse
	if err := c.do(ctx, server, http.MethodPost, "/sequence", reqs, &resp, true); err != nil {
		return nil, err
	}

	if len(resp) != len(reqs) {
		return nil, fmt.Errorf("sequence returned %d responses for %d requests", len(resp), len(reqs))
	}

	return resp, nil
}

// PostMessage posts data to a room, signed by the (possibly blinded) key.
func (c *Client) PostMessage(ctx context.Context, server Server, room string, data []byte) (Message, error) {
	if c.keys == nil {
		return Message{}, ErrNoKeys
	}

	blind, err := c.blinded(ctx, server, "")
	if err != nil {
		return Message{}, err
	}

	var sig []byte
	if blind {
		if sig, err = c.keys.BlindedSign(server.PubKey, data); err != nil {
			return Message{}, err
		}
	} else {
		sig = c.keys.Sign(data)
	}

	in := map[string]string{
		"data":      base64.StdEncoding.EncodeToString(data),
		"signature": base64.StdEncoding.EncodeToString(sig),
	}

	var msg Message
	if err := c.do(ctx, server, http.MethodPost, "/room/"+url.PathEscape(room)+"/message", in, &msg, true); err != nil {
		return Message{}, fmt.Errorf("post to %s:\n%w", room, err)
	}

	return msg, nil
}

// SendDirect delivers an already encrypted message to a blinded inbox.
func (c *Client) SendDirect(ctx context.Context, server Server, recipient account.ID, ciphertext []byte) (DirectMessage, error) {
	in := map[string]string{"message": base64.StdEncoding.EncodeToString(ciphertext)}

	var dm DirectMessage
	if err := c.do(ctx, server, http.MethodPost, "/inbox/"+recipient.Hex(), in, &dm, true); err != nil {
		return DirectMessage{}, fmt.Errorf("send to inbox %s:\n%w", recipient, err)
	}

	return dm, nil
}
