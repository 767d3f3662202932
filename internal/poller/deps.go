// Package poller implements the retrieval loops: the user swarm poller,
// one poller per closed group, one per community server, and the manager
// that starts and stops them as group memberships change.
package poller

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/swarm"
)

// Network is the part of swarm.Client the pollers use.
type Network interface {
	Swarm(ctx context.Context, id account.ID) ([]swarm.Node, error)
	SendBatch(ctx context.Context, node swarm.Node, acct account.ID, method swarm.BatchMethod, reqs []swarm.SubRequest) (swarm.BatchResponse, error)
	Clock() *swarm.Clock
}

// CursorStore persists the last retrieved hash per account and namespace.
// storage.State implements it.
type CursorStore interface {
	LastHash(account string, namespace int) (string, bool, error)
	SetLastHash(account string, namespace int, hash string) error
}

// Deduper filters messages already delivered. Commit is called once the
// batch was fully processed.
type Deduper interface {
	Filter(account string, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]swarm.StoredMessage, error)
	Commit(account string, ns swarm.Namespace, msgs []swarm.StoredMessage) error
}

// Configs is the part of config.Engine the pollers use.
type Configs interface {
	MergeUserConfigs(kind config.Kind, msgs []swarm.StoredMessage) (config.MergeResult, error)
	MergeGroupConfigs(id account.ID, keys, info, members []swarm.StoredMessage) (config.MergeResult, error)
	UserActiveHashes() []string
	HasProfile() bool
	GroupActiveHashes(id account.ID) []string
	GroupAdminKey(id account.ID) (ed25519.PrivateKey, bool)
	WithUserConfigs(fn func(config.UserReader) error) error
	WithGroupConfigs(id account.ID, fn func(config.GroupReader) error) error
}

// Sink receives new messages for the receive pipeline.
type Sink interface {
	// Deliver hands over new messages of owner in server order. An error
	// fails the pass so the messages are retrieved again. The returned
	// hashes were queued for a later attempt and are left out of the
	// dedup set; the sink records them once handled.
	Deliver(ctx context.Context, owner account.ID, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]string, error)
}

// pollPool rotates through the nodes of one swarm. A node is removed when
// picked, so a failing node is not retried by the next pass.
type pollPool struct {
	mu    sync.Mutex
	nodes []swarm.Node
}

func (p *pollPool) next(ctx context.Context, net Network, id account.ID) (swarm.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.nodes) == 0 {
		nodes, err := net.Swarm(ctx, id)
		if err != nil {
			return swarm.Node{}, err
		}
		p.nodes = append(p.nodes[:0], nodes...)
	}

	node, ok := swarm.RandomNode(p.nodes)
	if !ok {
		return swarm.Node{}, swarm.ErrEmptyPool
	}

	for i, n := range p.nodes {
		if n == node {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			break
		}
	}

	return node, nil
}

// retrieved decodes result i of a batch as the messages of ns.
func retrieved(resp swarm.BatchResponse, i int, ns swarm.Namespace) ([]swarm.StoredMessage, error) {
	r, err := swarm.DecodeBatchItem[swarm.RetrieveResponse](resp, i)
	if err != nil {
		return nil, err
	}

	msgs, _ := r.Stored(ns)

	return msgs, nil
}

// process filters msgs through the dedup set, hands the fresh ones to
// handle, then records them and moves the cursor to the last returned
// hash. Nothing is recorded when handle fails, and the hashes handle
// returns as still pending are never recorded here.
func process(cursors CursorStore, dedup Deduper, owner account.ID, ns swarm.Namespace, msgs []swarm.StoredMessage, handle func([]swarm.StoredMessage) ([]string, error)) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	acct := owner.Hex()

	fresh, err := dedup.Filter(acct, ns, msgs)
	if err != nil {
		return 0, fmt.Errorf("filter %s/%s:\n%w", owner, ns, err)
	}

	var pending []string
	if len(fresh) > 0 {
		if pending, err = handle(fresh); err != nil {
			return 0, err
		}
	}

	if err := dedup.Commit(acct, ns, without(msgs, pending)); err != nil {
		return 0, fmt.Errorf("record %s/%s:\n%w", owner, ns, err)
	}

	if err := cursors.SetLastHash(acct, int(ns), msgs[len(msgs)-1].Hash); err != nil {
		return 0, fmt.Errorf("advance cursor %s/%s:\n%w", owner, ns, err)
	}

	return len(fresh), nil
}

// without returns msgs minus the ones whose hash is in hashes.
func without(msgs []swarm.StoredMessage, hashes []string) []swarm.StoredMessage {
	if len(hashes) == 0 {
		return msgs
	}

	skip := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		skip[h] = true
	}

	out := make([]swarm.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		if !skip[m.Hash] {
			out = append(out, m)
		}
	}

	return out
}

// buildRetrieve builds a retrieve of ns from the stored cursor.
func buildRetrieve(cursors CursorStore, auth swarm.Auth, ns swarm.Namespace, maxSize int, now int64) (swarm.SubRequest, error) {
	last, _, err := cursors.LastHash(auth.Account().Hex(), int(ns))
	if err != nil {
		return swarm.SubRequest{}, fmt.Errorf("load cursor %s:\n%w", ns, err)
	}

	return swarm.BuildRetrieve(auth, ns, last, &maxSize, now)
}
