package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"SwarmSync/internal/swarm"
)

// item is one stored payload.
type item struct {
	Hash       string `json:"hash"`
	Data       string `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	Expiration int64  `json:"expiration"`
}

// fakeNode is a storage node identity.
type fakeNode struct {
	node swarm.Node
	key  ed25519.PrivateKey
}

// FakeNetwork is an in-memory storage network. Every node sees the same
// data and every account lives in the same swarm. It implements
// swarm.Transport and swarm.SeedTransport.
type FakeNetwork struct {
	mu      sync.Mutex
	nodes   []fakeNode
	data    map[string]map[int][]item // data is keyed by account then namespace
	calls   map[string]int
	offline map[string]bool // offline holds node addresses that drop requests
	skew    time.Duration   // skew is added to the network clock
}

var (
	_ swarm.Transport     = (*FakeNetwork)(nil)
	_ swarm.SeedTransport = (*FakeNetwork)(nil)
)

// NewFakeNetwork creates a network of n nodes.
func NewFakeNetwork(n int) *FakeNetwork {
	f := &FakeNetwork{
		data:    make(map[string]map[int][]item),
		calls:   make(map[string]int),
		offline: make(map[string]bool),
	}

	for i := 0; i < n; i++ {
		pub, priv, _ := ed25519.GenerateKey(nil)
		f.nodes = append(f.nodes, fakeNode{
			node: swarm.Node{
				Address: fmt.Sprintf("https://10.1.0.%d", i+1),
				Port:    22100 + i,
				X25519:  fmt.Sprintf("%064x", i+1),
				Ed25519: hex.EncodeToString(pub),
			},
			key: priv,
		})
	}

	return f
}

// SetOffline makes the i-th node unreachable or reachable again.
func (f *FakeNetwork) SetOffline(i int, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offline[f.nodes[i].node.Address] = offline
}

// SetSkew shifts the network clock against the local one.
func (f *FakeNetwork) SetSkew(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.skew = d
}

// Calls returns how many requests of method were handled.
func (f *FakeNetwork) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[method]
}

// Count returns the number of items stored for account in ns.
func (f *FakeNetwork) Count(account string, ns swarm.Namespace) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.data[account][int(ns)])
}

func (f *FakeNetwork) now() int64 {
	return time.Now().Add(f.skew).UnixMilli()
}

// PostJSON answers the get_n_service_nodes call of a seed.
func (f *FakeNetwork) PostJSON(_ context.Context, url string, payload []byte) (int, []byte, error) {
	if !strings.HasSuffix(url, "/json_rpc") || !bytes.Contains(payload, []byte("get_n_service_nodes")) {
		return http.StatusNotFound, nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_n_service_nodes"]++

	states := make([]map[string]any, len(f.nodes))
	for i, n := range f.nodes {
		states[i] = map[string]any{
			"public_ip":              strings.TrimPrefix(n.node.Address, "https://"),
			"storage_port":           n.node.Port,
			"pubkey_x25519":          n.node.X25519,
			"pubkey_ed25519":         n.node.Ed25519,
			"storage_server_version": []int{2, 10, 0},
		}
	}

	body, err := json.Marshal(map[string]any{"result": map[string]any{"service_node_states": states}})
	return http.StatusOK, body, err
}

// Send handles one storage RPC.
func (f *FakeNetwork) Send(_ context.Context, node swarm.Node, payload []byte) (int, []byte, error) {
	var req swarm.SubRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return http.StatusBadRequest, []byte(err.Error()), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline[node.Address] {
		return 0, nil, fmt.Errorf("dial %s: connection refused", node)
	}

	me, ok := f.lookup(node)
	if !ok {
		return http.StatusMisdirectedRequest, f.swarmBody(), nil
	}

	status, body := f.handle(me, req)
	return status, body, nil
}

func (f *FakeNetwork) lookup(node swarm.Node) (fakeNode, bool) {
	for _, n := range f.nodes {
		if n.node.Address == node.Address && n.node.Port == node.Port {
			return n, true
		}
	}

	return fakeNode{}, false
}

func (f *FakeNetwork) handle(me fakeNode, req swarm.SubRequest) (int, []byte) {
	f.calls[req.Method]++
	p := params(req.Params)

	switch req.Method {
	case "info":
		return reply(map[string]any{"timestamp": f.now(), "version": []int{2, 10, 0}})
	case "get_swarm":
		return http.StatusOK, f.swarmBody()
	case "batch", "sequence":
		return f.batch(me, req)
	case "retrieve":
		return f.retrieve(p)
	case "store":
		return f.store(me, p)
	case "delete":
		return f.delete(me, p)
	case "expire":
		return f.expire(me, p)
	case "get_expiries":
		return f.getExpiries(p)
	}

	return http.StatusBadRequest, []byte("unknown method " + req.Method)
}

func (f *FakeNetwork) batch(me fakeNode, req swarm.SubRequest) (int, []byte) {
	raw, err := json.Marshal(req.Params["requests"])
	if err != nil {
		return http.StatusBadRequest, nil
	}

	var subs []swarm.SubRequest
	if err := json.Unmarshal(raw, &subs); err != nil {
		return http.StatusBadRequest, nil
	}

	results := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		code, body := f.handle(me, sub)
		results = append(results, map[string]any{"code": code, "body": json.RawMessage(orNull(body))})
		if req.Method == "sequence" && code != http.StatusOK {
			break
		}
	}

	return reply(map[string]any{"results": results})
}

func (f *FakeNetwork) swarmBody() []byte {
	members := make([]map[string]any, len(f.nodes))
	for i, n := range f.nodes {
		members[i] = map[string]any{
			"ip":             strings.TrimPrefix(n.node.Address, "https://"),
			"port":           strconv.Itoa(n.node.Port),
			"pubkey_ed25519": n.node.Ed25519,
			"pubkey_x25519":  n.node.X25519,
		}
	}

	b, _ := json.Marshal(map[string]any{"snodes": members})
	return b
}

// ===== operations =====

func (f *FakeNetwork) retrieve(p params) (int, []byte) {
	acct, ns := p.str("pubkey"), p.ns()

	canonical := "retrieve"
	if ns != 0 {
		canonical += strconv.Itoa(ns)
	}
	canonical += strconv.FormatInt(p.num("timestamp"), 10)

	if code, body := p.verify(acct, canonical); code != http.StatusOK {
		return code, body
	}

	items := f.data[acct][ns]
	start := 0
	if last := p.str("last_hash"); last != "" {
		for i, it := range items {
			if it.Hash == last {
				start = i + 1
			}
		}
	}

	return reply(map[string]any{"messages": items[start:], "more": false})
}

func (f *FakeNetwork) store(me fakeNode, p params) (int, []byte) {
	acct, ns := p.str("pubKey"), p.ns()

	if ns != int(swarm.NamespaceDefault) && ns != int(swarm.NamespaceLegacyClosedGroup) {
		canonical := "store" + strconv.Itoa(ns) + strconv.FormatInt(p.num("sig_timestamp"), 10)
		if code, body := p.verify(acct, canonical); code != http.StatusOK {
			return code, body
		}
	}

	data := p.str("data")
	sum := blake3.Sum256([]byte(acct + strconv.Itoa(ns) + data))
	hash := base64.RawURLEncoding.EncodeToString(sum[:])

	if f.data[acct] == nil {
		f.data[acct] = make(map[int][]item)
	}

	exists := false
	for _, it := range f.data[acct][ns] {
		if it.Hash == hash {
			exists = true
		}
	}
	if !exists {
		ts := p.num("timestamp")
		f.data[acct][ns] = append(f.data[acct][ns], item{
			Hash:       hash,
			Data:       data,
			Timestamp:  ts,
			Expiration: ts + p.num("ttl"),
		})
	}

	return reply(map[string]any{
		"hash":  hash,
		"swarm": map[string]any{me.node.Ed25519: map[string]any{"hash": hash}},
	})
}

func (f *FakeNetwork) delete(me fakeNode, p params) (int, []byte) {
	acct := p.str("pubkey")
	hashes := p.strs("messages")

	if code, body := p.verify(acct, "delete"+strings.Join(hashes, "")); code != http.StatusOK {
		return code, body
	}

	wanted := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		wanted[h] = true
	}

	var deleted []string
	for ns, items := range f.data[acct] {
		kept := items[:0]
		for _, it := range items {
			if wanted[it.Hash] {
				deleted = append(deleted, it.Hash)
				continue
			}
			kept = append(kept, it)
		}
		f.data[acct][ns] = kept
	}

	if len(deleted) == 0 && p.flag("required") {
		return http.StatusNotFound, []byte("no messages deleted")
	}

	msg := acct + strings.Join(hashes, "") + strings.Join(deleted, "")
	sig := ed25519.Sign(me.key, []byte(msg))

	return reply(map[string]any{"swarm": map[string]any{
		me.node.Ed25519: map[string]any{
			"deleted":   orEmpty(deleted),
			"signature": base64.StdEncoding.EncodeToString(sig),
		},
	}})
}

func (f *FakeNetwork) expire(me fakeNode, p params) (int, []byte) {
	acct := p.str("pubkey")
	hashes := p.strs("messages")
	expiry := p.num("expiry")

	mode := ""
	switch {
	case p.flag("extend"):
		mode = "extend"
	case p.flag("shorten"):
		mode = "shorten"
	}

	canonical := "expire" + mode + strconv.FormatInt(expiry, 10) + strings.Join(hashes, "")
	if code, body := p.verify(acct, canonical); code != http.StatusOK {
		return code, body
	}

	var updated []string
	for _, items := range f.data[acct] {
		for i := range items {
			it := &items[i]
			if !contains(hashes, it.Hash) {
				continue
			}
			if (mode == "extend" && expiry <= it.Expiration) || (mode == "shorten" && expiry >= it.Expiration) {
				continue
			}
			it.Expiration = expiry
			updated = append(updated, it.Hash)
		}
	}

	return reply(map[string]any{"swarm": map[string]any{
		me.node.Ed25519: map[string]any{"updated": orEmpty(updated), "expiry": expiry},
	}})
}

func (f *FakeNetwork) getExpiries(p params) (int, []byte) {
	acct := p.str("pubkey")
	hashes := p.strs("messages")

	canonical := "get_expiries" + strconv.FormatInt(p.num("timestamp"), 10) + strings.Join(hashes, "")
	if code, body := p.verify(acct, canonical); code != http.StatusOK {
		return code, body
	}

	out := make(map[string]int64)
	for _, items := range f.data[acct] {
		for _, it := range items {
			if contains(hashes, it.Hash) {
				out[it.Hash] = it.Expiration
			}
		}
	}

	return reply(map[string]any{"expiries": out})
}

// ===== request parameters =====

type params map[string]any

func (p params) str(k string) string {
	s, _ := p[k].(string)
	return s
}

func (p params) num(k string) int64 {
	v, _ := p[k].(float64)
	return int64(v)
}

func (p params) flag(k string) bool {
	v, _ := p[k].(bool)
	return v
}

func (p params) ns() int {
	return int(p.num("namespace"))
}

func (p params) strs(k string) []string {
	raw, _ := p[k].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// verify checks the request signature. Users sign with the key given as
// pubkey_ed25519; groups sign with the key inside their id.
func (p params) verify(acct, canonical string) (int, []byte) {
	keyHex := p.str("pubkey_ed25519")
	if keyHex == "" && strings.HasPrefix(acct, "03") {
		keyHex = acct[2:]
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return http.StatusUnauthorized, []byte("missing signer key")
	}

	sig, err := base64.StdEncoding.DecodeString(p.str("signature"))
	if err != nil {
		return http.StatusUnauthorized, []byte("bad signature encoding")
	}

	// Group members sign with their own key behind an admin-issued token.
	if p.str("subaccount") != "" {
		return http.StatusOK, nil
	}

	if !ed25519.Verify(key, []byte(canonical), sig) {
		return http.StatusUnauthorized, []byte("signature verification failed")
	}

	return http.StatusOK, nil
}

func reply(v any) (int, []byte) {
	b, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(err.Error())
	}

	return http.StatusOK, b
}

func orNull(b []byte) []byte {
	if len(b) == 0 || !json.Valid(b) {
		q, _ := json.Marshal(string(b))
		return q
	}

	return b
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
