package swarm

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"sort"
	"sync"
)

const (
	// minimumPoolSize is the pool size below which the pool is re-bootstrapped.
	minimumPoolSize = 12

	// minimumSwarmSize is the swarm size below which a swarm is re-fetched.
	minimumSwarmSize = 3

	// failureThreshold is the failure count that evicts a node.
	failureThreshold = 3
)

// StateStore persists the pool and the swarms.
type StateStore interface {
	Pool() ([]byte, error)
	SetPool(data []byte) error
	Swarm(account string) ([]byte, error)
	SetSwarm(account string, data []byte) error
}

// Directory caches the candidate node pool, per-account swarms and
// per-node failure counters. It is safe for concurrent use.
type Directory struct {
	mu       sync.Mutex
	pool     map[Node]struct{}
	swarms   map[string]map[Node]struct{}
	failures map[Node]int
	loaded   map[string]bool // loaded marks accounts whose swarm was read from the store

	store   StateStore
	log     *slog.Logger
	onEvict func(Node)
}

// NewDirectory creates a directory backed by store, which may be nil.
// The persisted pool is restored immediately.
func NewDirectory(store StateStore, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}

	d := &Directory{
		pool:     make(map[Node]struct{}),
		swarms:   make(map[string]map[Node]struct{}),
		failures: make(map[Node]int),
		loaded:   make(map[string]bool),
		store:    store,
		log:      log,
	}

	if store != nil {
		if data, err := store.Pool(); err != nil {
			log.Warn("load node pool", "error", err)
		} else if data != nil {
			if nodes, err := decodeNodes(data); err == nil {
				d.pool = toSet(nodes)
			}
		}
	}

	return d
}

// Pool returns a snapshot of the candidate pool.
func (d *Directory) Pool() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	return toSlice(d.pool)
}

// SetPool replaces the candidate pool.
func (d *Directory) SetPool(nodes []Node) {
	d.mu.Lock()
	d.pool = toSet(nodes)
	d.mu.Unlock()

	d.persistPool()
}

// Swarm returns a snapshot of the cached swarm of account.
func (d *Directory) Swarm(account string) []Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loadSwarmLocked(account)

	return toSlice(d.swarms[account])
}

// Failures returns the current failure count of node.
func (d *Directory) Failures(node Node) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.failures[node]
}

// setSwarm replaces the cached swarm of account.
func (d *Directory) setSwarm(account string, nodes []Node) {
	d.mu.Lock()
	d.swarms[account] = toSet(nodes)
	d.loaded[account] = true
	d.mu.Unlock()

	d.persistSwarm(account)
}

// dropFromSwarm removes node from account's swarm.
func (d *Directory) dropFromSwarm(account string, node Node) {
	d.mu.Lock()
	d.loadSwarmLocked(account)
	set, ok := d.swarms[account]
	if ok {
		delete(set, node)
	}
	d.mu.Unlock()

	if ok {
		d.persistSwarm(account)
	}
}

// penalize records a failure of node. Once the threshold is reached the
// node is evicted from the pool and from every cached swarm, and its
// counter is reset.
func (d *Directory) penalize(node Node, account string) {
	d.mu.Lock()

	d.failures[node]++
	count := d.failures[node]

	if count < failureThreshold {
		d.mu.Unlock()
		d.log.Debug("node failure", "node", node, "count", count)
		return
	}

	if account != "" {
		d.loadSwarmLocked(account)
	}

	delete(d.pool, node)
	d.failures[node] = 0

	var touched []string
	for acct, set := range d.swarms {
		if _, ok := set[node]; ok {
			delete(set, node)
			touched = append(touched, acct)
		}
	}

	poolSize := len(d.pool)
	onEvict := d.onEvict
	d.mu.Unlock()

	d.log.Info("node evicted", "node", node, "pool", poolSize, "swarms", len(touched))

	d.persistPool()
	for _, acct := range touched {
		d.persistSwarm(acct)
	}

	if onEvict != nil {
		onEvict(node)
	}
}

// loadSwarmLocked restores a persisted swarm on first access.
func (d *Directory) loadSwarmLocked(account string) {
	if d.loaded[account] || d.store == nil {
		return
	}
	d.loaded[account] = true

	data, err := d.store.Swarm(account)
	if err != nil || data == nil {
		return
	}

	nodes, err := decodeNodes(data)
	if err != nil {
		d.log.Warn("decode cached swarm", "account", account, "error", err)
		return
	}

	d.swarms[account] = toSet(nodes)
}

func (d *Directory) persistPool() {
	if d.store == nil {
		return
	}

	data, err := encodeNodes(d.Pool())
	if err == nil {
		err = d.store.SetPool(data)
	}
	if err != nil {
		d.log.Warn("persist node pool", "error", err)
	}
}

func (d *Directory) persistSwarm(account string) {
	if d.store == nil {
		return
	}

	d.mu.Lock()
	nodes := toSlice(d.swarms[account])
	d.mu.Unlock()

	data, err := encodeNodes(nodes)
	if err == nil {
		err = d.store.SetSwarm(account, data)
	}
	if err != nil {
		d.log.Warn("persist swarm", "account", account, "error", err)
	}
}

// RandomNode picks a node uniformly using crypto/rand.
func RandomNode(nodes []Node) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}

	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(nodes))))
	if err != nil {
		return nodes[0], true
	}

	return nodes[i.Int64()], true
}

func toSet(nodes []Node) map[Node]struct{} {
	set := make(map[Node]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}

	return set
}

func toSlice(set map[Node]struct{}) []Node {
	out := make([]Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ed25519 < out[j].Ed25519 })

	return out
}
