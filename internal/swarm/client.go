package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"SwarmSync/internal/account"
)

const (
	// maxRetryCount bounds the attempts of one logical operation.
	maxRetryCount = 6

	// defaultRetryDelay is the base delay between attempts.
	defaultRetryDelay = 250 * time.Millisecond

	// maxRetryDelay caps the delay between attempts.
	maxRetryDelay = 5 * time.Second

	// poolFetchLimit is the number of nodes requested from a seed.
	poolFetchLimit = 256
)

// DefaultSeeds are the bootstrap endpoints of the main network.
var DefaultSeeds = []string{
	"https://seed1.getsession.org:4443",
	"https://seed2.getsession.org:4443",
	"https://seed3.getsession.org:4443",
}

// Metrics receives node-health events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveNodeError(code int)
	ObserveEviction()
	ObserveRequest(method string, d time.Duration)
}

// ClockStore persists the network clock offset.
type ClockStore interface {
	ClockOffset() (int64, error)
	SetClockOffset(offset int64) error
}

// Config configures a Client.
type Config struct {
	Transport  Transport     // Transport reaches nodes; required
	Seeds      SeedTransport // Seeds reaches bootstrap endpoints; defaults to Transport when it implements SeedTransport
	SeedURLs   []string      // SeedURLs defaults to DefaultSeeds
	Store      StateStore    // Store persists pool and swarms, may be nil
	ClockStore ClockStore    // ClockStore persists the clock offset, may be nil
	Metrics    Metrics       // Metrics may be nil
	Logger     *slog.Logger
	RetryDelay time.Duration // RetryDelay is the base delay between attempts
	Now        func() time.Time
}

// Client is the network client: node directory, clock and the operations
// of the storage RPC protocol, with retries and node-health bookkeeping.
type Client struct {
	transport  Transport
	seeds      SeedTransport
	seedURLs   []string
	dir        *Directory
	clock      *Clock
	clockStore ClockStore
	metrics    Metrics
	log        *slog.Logger
	retryDelay time.Duration

	fetch singleflight.Group

	listenersMu sync.Mutex
	listeners   []func()
}

// NewClient creates a client. The persisted clock offset is restored.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	seeds := cfg.Seeds
	if seeds == nil {
		if st, ok := cfg.Transport.(SeedTransport); ok {
			seeds = st
		}
	}

	seedURLs := cfg.SeedURLs
	if len(seedURLs) == 0 {
		seedURLs = DefaultSeeds
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	c := &Client{
		transport:  cfg.Transport,
		seeds:      seeds,
		seedURLs:   seedURLs,
		dir:        NewDirectory(cfg.Store, log),
		clock:      NewClock(cfg.Now),
		clockStore: cfg.ClockStore,
		metrics:    cfg.Metrics,
		log:        log,
		retryDelay: retryDelay,
	}

	if cfg.Metrics != nil {
		c.dir.onEvict = func(Node) { cfg.Metrics.ObserveEviction() }
	}

	if cfg.ClockStore != nil {
		if offset, err := cfg.ClockStore.ClockOffset(); err == nil {
			c.clock.SetOffset(offset)
		}
	}

	return c, nil
}

// Directory returns the node directory.
func (c *Client) Directory() *Directory { return c.dir }

// Clock returns the network clock.
func (c *Client) Clock() *Clock { return c.clock }

// OnClockOutOfSync registers fn to run whenever a node rejects a request
// with 406. fn runs synchronously and must not block.
func (c *Client) OnClockOutOfSync(fn func()) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Client) notifyClockOutOfSync() {
	c.listenersMu.Lock()
	fns := append([]func(){}, c.listeners...)
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ===== directory =====

// Pool returns the candidate pool, bootstrapping from the seeds when it
// holds fewer than the minimum number of nodes.
func (c *Client) Pool(ctx context.Context) ([]Node, error) {
	pool := c.dir.Pool()
	if len(pool) >= minimumPoolSize {
		return pool, nil
	}

	v, err, _ := c.fetch.Do("pool", func() (any, error) {
		return c.bootstrap(ctx)
	})
	if err != nil {
		if len(pool) > 0 {
			c.log.Warn("pool refresh failed, using cached nodes", "nodes", len(pool), "error", err)
			return pool, nil
		}
		return nil, err
	}

	return v.([]Node), nil
}

// bootstrap fetches the pool from the seeds in random order.
func (c *Client) bootstrap(ctx context.Context) ([]Node, error) {
	if c.seeds == nil {
		return nil, fmt.Errorf("bootstrap pool: no seed transport:\n%w", ErrEmptyPool)
	}

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "get_n_service_nodes",
		"params": map[string]any{
			"active_only": true,
			"limit":       poolFetchLimit,
			"fields": map[string]bool{
				"public_ip":              true,
				"storage_port":           true,
				"pubkey_x25519":          true,
				"pubkey_ed25519":         true,
				"storage_server_version": true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode pool request:\n%w", err)
	}

	var lastErr error = ErrEmptyPool

	for _, i := range rand.Perm(len(c.seedURLs)) {
		url := c.seedURLs[i] + "/json_rpc"

		status, body, err := c.seeds.PostJSON(ctx, url, payload)
		if err != nil {
			lastErr = err
			c.log.Warn("seed unreachable", "seed", c.seedURLs[i], "error", err)
			continue
		}
		if status != 200 {
			lastErr = &StatusError{Code: status, Body: string(body), kind: ErrUnexpectedStatus}
			continue
		}

		var resp PoolResponse
		if err := decodeJSON(body, &resp); err != nil {
			lastErr = fmt.Errorf("decode pool from %s:\n%w", c.seedURLs[i], err)
			continue
		}

		nodes := resp.Nodes()
		if len(nodes) == 0 {
			lastErr = ErrEmptyPool
			continue
		}

		c.dir.SetPool(nodes)
		c.log.Info("node pool bootstrapped", "seed", c.seedURLs[i], "nodes", len(nodes))

		return nodes, nil
	}

	return nil, fmt.Errorf("bootstrap pool:\n%w", lastErr)
}

// Swarm returns the swarm of id, fetching it through a random pool node
// when fewer than the minimum number of members are cached. Concurrent
// callers for the same account share one fetch.
func (c *Client) Swarm(ctx context.Context, id account.ID) ([]Node, error) {
	key := id.Hex()

	if swarm := c.dir.Swarm(key); len(swarm) >= minimumSwarmSize {
		return swarm, nil
	}

	v, err, _ := c.fetch.Do("swarm/"+key, func() (any, error) {
		return c.fetchSwarm(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	return v.([]Node), nil
}

func (c *Client) fetchSwarm(ctx context.Context, id account.ID) ([]Node, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetryCount; attempt++ {
		pool, err := c.Pool(ctx)
		if err != nil {
			return nil, err
		}

		node, ok := RandomNode(pool)
		if !ok {
			return nil, ErrEmptyPool
		}

		body, err := c.call(ctx, node, "", SubRequest{
			Method: "get_swarm",
			Params: map[string]any{"pubKey": id.Hex()},
		}, true)
		if err == nil {
			var resp SwarmResponse
			if err = decodeJSON(body, &resp); err == nil {
				nodes := resp.Nodes()
				c.dir.setSwarm(id.Hex(), nodes)
				c.log.Debug("swarm fetched", "account", id, "nodes", len(nodes))
				return nodes, nil
			}
			err = fmt.Errorf("decode swarm:\n%w", err)
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		if err := c.wait(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("get swarm of %s:\n%w", id, lastErr)
}

// ===== request execution =====

// call sends one request to node. A transport failure counts against the
// node like a server error.
func (c *Client) call(ctx context.Context, node Node, acct string, req SubRequest, penalty bool) ([]byte, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status, body, err := c.transport.Send(ctx, node, payload)
	if c.metrics != nil {
		c.metrics.ObserveRequest(req.Method, time.Since(start))
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if penalty {
			c.dir.penalize(node, acct)
		}
		return nil, fmt.Errorf("%w: %s unreachable:\n%w", ErrBadNode, node, err)
	}

	if status != 200 {
		return nil, c.classify(status, body, node, acct, penalty)
	}

	return body, nil
}

// RequestBuilder builds a request signed at the given network time.
// It is invoked again after a clock resync so signatures stay fresh.
type RequestBuilder func(now int64) (SubRequest, error)

// invoke runs build against random members of the swarm of id, retrying
// retryable failures up to maxRetryCount times. It returns the raw body
// of the first success.
func (c *Client) invoke(ctx context.Context, id account.ID, build RequestBuilder) ([]byte, Node, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetryCount; attempt++ {
		req, err := build(c.clock.NowMillis())
		if err != nil {
			return nil, Node{}, err
		}

		swarm, err := c.Swarm(ctx, id)
		if err != nil {
			return nil, Node{}, err
		}

		node, ok := RandomNode(swarm)
		if !ok {
			return nil, Node{}, ErrEmptyPool
		}

		body, err := c.call(ctx, node, id.Hex(), req, true)
		if err == nil {
			return body, node, nil
		}

		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		if errors.Is(err, ErrClockOutOfSync) {
			if serr := c.SyncClock(ctx); serr != nil {
				c.log.Warn("clock resync failed", "error", serr)
			}
			continue
		}

		if err := c.wait(ctx, attempt); err != nil {
			return nil, Node{}, err
		}
	}

	return nil, Node{}, lastErr
}

// wait sleeps a jittered, exponentially growing delay.
func (c *Client) wait(ctx context.Context, attempt int) error {
	d := c.retryDelay << attempt
	if d > maxRetryDelay || d <= 0 {
		d = maxRetryDelay
	}
	d = d/2 + rand.N(d/2+1)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendBatch sends one batch or sequence request to node. The batch as a
// whole is attempted once; each failed sub-request carries its classified
// error, and a node is penalized at most once per batch.
func (c *Client) SendBatch(ctx context.Context, node Node, acct account.ID, method BatchMethod, reqs []SubRequest) (BatchResponse, error) {
	key := ""
	if !acct.IsZero() {
		key = acct.Hex()
	}

	body, err := c.call(ctx, node, key, BuildBatch(method, reqs), true)
	if err != nil {
		return BatchResponse{}, err
	}

	var resp BatchResponse
	if err := decodeJSON(body, &resp); err != nil {
		return BatchResponse{}, fmt.Errorf("decode %s response:\n%w", method, err)
	}

	penalized := false
	for i := range resp.Results {
		r := &resp.Results[i]
		if r.OK() {
			continue
		}

		r.err = c.classify(r.Code, r.Body, node, key, !penalized)
		if penalizing(r.Code) {
			penalized = true
		}
	}

	return resp, nil
}

// Batch sends a batch to a random member of the swarm of id, with the
// retry policy of single requests.
func (c *Client) Batch(ctx context.Context, id account.ID, method BatchMethod, build func(now int64) ([]SubRequest, error)) (BatchResponse, error) {
	var (
		resp    BatchResponse
		lastErr error
	)

	for attempt := 0; attempt < maxRetryCount; attempt++ {
		reqs, err := build(c.clock.NowMillis())
		if err != nil {
			return resp, err
		}

		swarm, err := c.Swarm(ctx, id)
		if err != nil {
			return resp, err
		}

		node, ok := RandomNode(swarm)
		if !ok {
			return resp, ErrEmptyPool
		}

		resp, err = c.SendBatch(ctx, node, id, method, reqs)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		if errors.Is(err, ErrClockOutOfSync) {
			if serr := c.SyncClock(ctx); serr != nil {
				c.log.Warn("clock resync failed", "error", serr)
			}
			continue
		}

		if err := c.wait(ctx, attempt); err != nil {
			return resp, err
		}
	}

	return resp, lastErr
}

// ===== clock =====

// NetworkTime asks a random pool node for its time.
func (c *Client) NetworkTime(ctx context.Context) (int64, Node, error) {
	pool, err := c.Pool(ctx)
	if err != nil {
		return 0, Node{}, err
	}

	node, ok := RandomNode(pool)
	if !ok {
		return 0, Node{}, ErrEmptyPool
	}

	body, err := c.call(ctx, node, "", SubRequest{Method: "info", Params: map[string]any{}}, true)
	if err != nil {
		return 0, node, fmt.Errorf("info from %s:\n%w", node, err)
	}

	var info InfoResponse
	if err := decodeJSON(body, &info); err != nil {
		return 0, node, fmt.Errorf("decode info:\n%w", err)
	}
	if info.Timestamp == 0 {
		return 0, node, fmt.Errorf("info from %s carries no timestamp", node)
	}

	return info.Timestamp, node, nil
}

// SyncClock aligns the local clock with the network and persists the offset.
func (c *Client) SyncClock(ctx context.Context) error {
	ts, node, err := c.NetworkTime(ctx)
	if err != nil {
		return err
	}

	offset := c.clock.syncTo(ts)
	c.log.Debug("clock synced", "node", node, "offset_ms", offset)

	if c.clockStore != nil {
		if err := c.clockStore.SetClockOffset(offset); err != nil {
			c.log.Warn("persist clock offset", "error", err)
		}
	}

	return nil
}

// ===== operations =====

// Retrieve reads one namespace of the account behind auth.
func (c *Client) Retrieve(ctx context.Context, auth Auth, ns Namespace, lastHash string) ([]StoredMessage, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	body, _, err := c.invoke(ctx, auth.Account(), func(now int64) (SubRequest, error) {
		return BuildRetrieve(auth, ns, lastHash, nil, now)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve namespace %s:\n%w", ns, err)
	}

	var resp RetrieveResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode retrieve:\n%w", err)
	}

	msgs, skipped := resp.Stored(ns)
	if skipped > 0 {
		c.log.Debug("retrieve skipped items", "namespace", ns, "skipped", skipped)
	}

	return msgs, nil
}

// Store writes msg to the swarm of its recipient. auth may be nil for
// unauthenticated default-namespace stores.
func (c *Client) Store(ctx context.Context, auth Auth, msg StoreMessage) (StoreResponse, error) {
	body, _, err := c.invoke(ctx, msg.Recipient, func(now int64) (SubRequest, error) {
		return BuildStore(auth, msg, now)
	})
	if err != nil {
		return StoreResponse{}, fmt.Errorf("store to %s/%s:\n%w", msg.Recipient, msg.Namespace, err)
	}

	var resp StoreResponse
	if err := decodeJSON(body, &resp); err != nil {
		return StoreResponse{}, fmt.Errorf("decode store:\n%w", err)
	}

	return resp, nil
}

// Delete deletes hashes from the account behind auth and returns the
// signature verdict of each swarm member.
func (c *Client) Delete(ctx context.Context, auth Auth, hashes []string, required bool) (map[string]bool, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	body, _, err := c.invoke(ctx, auth.Account(), func(int64) (SubRequest, error) {
		return BuildDelete(auth, hashes, required)
	})
	if err != nil {
		return nil, fmt.Errorf("delete %d hashes:\n%w", len(hashes), err)
	}

	var resp DeleteResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode delete:\n%w", err)
	}

	verdicts := resp.Verify(auth.Account().Hex(), hashes...)
	c.logVerdicts("delete", verdicts)

	return verdicts, nil
}

// Expire updates the expiry of hashes and returns the hashes any swarm
// member updated.
func (c *Client) Expire(ctx context.Context, auth Auth, hashes []string, expiry int64, mode ExpireMode) ([]string, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	body, _, err := c.invoke(ctx, auth.Account(), func(int64) (SubRequest, error) {
		return BuildExpire(auth, hashes, expiry, mode)
	})
	if err != nil {
		return nil, fmt.Errorf("expire %d hashes:\n%w", len(hashes), err)
	}

	var resp ExpireResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode expire:\n%w", err)
	}

	return resp.UpdatedHashes(), nil
}

// GetExpiries returns the current expiry of each known hash.
func (c *Client) GetExpiries(ctx context.Context, auth Auth, hashes []string) (map[string]int64, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	body, _, err := c.invoke(ctx, auth.Account(), func(now int64) (SubRequest, error) {
		return BuildGetExpiries(auth, hashes, now)
	})
	if err != nil {
		return nil, fmt.Errorf("get expiries:\n%w", err)
	}

	var resp GetExpiriesResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode expiries:\n%w", err)
	}

	return resp.Expiries, nil
}

// DeleteAll wipes one namespace, or all of them when ns is nil. The
// request is signed with the network time of a pool node so a skewed
// local clock cannot invalidate it.
func (c *Client) DeleteAll(ctx context.Context, auth Auth, ns *Namespace) (map[string]bool, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	var signedAt int64
	body, _, err := c.invoke(ctx, auth.Account(), func(int64) (SubRequest, error) {
		ts, _, err := c.NetworkTime(ctx)
		if err != nil {
			return SubRequest{}, err
		}
		signedAt = ts
		return BuildDeleteAll(auth, ns, ts)
	})
	if err != nil {
		return nil, fmt.Errorf("delete all:\n%w", err)
	}

	var resp DeleteResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode delete_all:\n%w", err)
	}

	verdicts := resp.Verify(auth.Account().Hex(), strconv.FormatInt(signedAt, 10))
	c.logVerdicts("delete_all", verdicts)

	return verdicts, nil
}

func (c *Client) logVerdicts(op string, verdicts map[string]bool) {
	failed := 0
	for _, ok := range verdicts {
		if !ok {
			failed++
		}
	}

	if failed > 0 {
		c.log.Warn("swarm members rejected operation", "op", op, "failed", failed, "members", len(verdicts))
	}
}
