package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/swarm"
)

// ErrGroupGone stops the poller of a group the user was kicked from or
// that was destroyed.
var ErrGroupGone = errors.New("group kicked or destroyed")

// groupNamespaces is the batch layout of a group pass.
var groupNamespaces = []swarm.Namespace{
	swarm.NamespaceRevokedGroupMessages,
	swarm.NamespaceGroupMessages,
	swarm.NamespaceGroupKeys,
	swarm.NamespaceGroupInfo,
	swarm.NamespaceGroupMembers,
}

// GroupPass describes one group poll pass.
type GroupPass struct {
	Node     swarm.Node
	Messages int
	Revoked  int
}

// GroupConfig configures a GroupPoller.
type GroupConfig struct {
	Group   account.ID
	Keys    *account.Keys
	Network Network
	Cursors CursorStore
	Dedup   Deduper
	Configs Configs
	Sink    Sink
	Logger  *slog.Logger
	Metrics Metrics
}

// GroupPoller polls the swarm of one closed group.
type GroupPoller struct {
	*loop[GroupPass]

	group   account.ID
	keys    *account.Keys
	net     Network
	cursors CursorStore
	dedup   Deduper
	configs Configs
	sink    Sink
	log     *slog.Logger

	pool    pollPool
	backoff *Backoff
}

// NewGroupPoller creates a group poller. Run starts it.
func NewGroupPoller(cfg GroupConfig) (*GroupPoller, error) {
	if !cfg.Group.IsGroup() {
		return nil, fmt.Errorf("%s is not a group", cfg.Group)
	}
	if cfg.Keys == nil {
		return nil, swarm.ErrNotAuthenticated
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &GroupPoller{
		group:   cfg.Group,
		keys:    cfg.Keys,
		net:     cfg.Network,
		cursors: cfg.Cursors,
		dedup:   cfg.Dedup,
		configs: cfg.Configs,
		sink:    cfg.Sink,
		log:     log.With("component", "group-poller", "group", cfg.Group),
		backoff: NewBackoff(baseRetryInterval, maxRetryInterval),
	}

	p.loop = newLoop("group", p.poll, p.nextDelay)
	p.loop.metrics = cfg.Metrics

	return p, nil
}

// Run polls periodically until ctx is done or the group is gone.
func (p *GroupPoller) Run(ctx context.Context) error {
	return p.loop.run(ctx, true)
}

func (p *GroupPoller) nextDelay(err error, _ GroupPass) time.Duration {
	if err != nil {
		return p.backoff.Failure()
	}

	return p.backoff.Success()
}

// auth signs as admin when the admin key is held, otherwise with the
// member's sub-account token.
func (p *GroupPoller) auth() (swarm.Auth, error) {
	var (
		entry config.GroupEntry
		found bool
	)

	err := p.configs.WithUserConfigs(func(r config.UserReader) error {
		entry, found = r.UserGroups().Group(p.group)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !found || entry.Kicked || entry.Destroyed {
		return nil, Final(ErrGroupGone)
	}

	if admin, ok := p.configs.GroupAdminKey(p.group); ok {
		return swarm.NewGroupAdminAuth(p.group, admin)
	}

	auth, err := swarm.NewSubAccountAuth(p.group, entry.AuthToken, entry.AuthSig, p.keys)
	if err != nil {
		return nil, Final(err)
	}

	return auth, nil
}

// poll runs one pass: configs are merged keys first, then messages are
// delivered. Revoked messages are handled last, whatever failed before.
func (p *GroupPoller) poll(ctx context.Context) (pass GroupPass, err error) {
	auth, err := p.auth()
	if err != nil {
		return pass, err
	}

	node, err := p.pool.next(ctx, p.net, p.group)
	if err != nil {
		return pass, fmt.Errorf("pick node:\n%w", err)
	}
	pass.Node = node

	now := p.net.Clock().NowMillis()

	reqs := make([]swarm.SubRequest, 0, len(groupNamespaces)+1)
	for _, ns := range groupNamespaces {
		req, err := buildRetrieve(p.cursors, auth, ns, configRetrieveSize, now)
		if err != nil {
			return pass, err
		}
		reqs = append(reqs, req)
	}

	if _, admin := p.configs.GroupAdminKey(p.group); admin {
		if hashes := p.configs.GroupActiveHashes(p.group); len(hashes) > 0 {
			req, err := swarm.BuildExpire(auth, hashes, now+configTTLExtension.Milliseconds(), swarm.ExpireExtend)
			if err != nil {
				return pass, err
			}
			reqs = append(reqs, req)
		}
	}

	resp, err := p.net.SendBatch(ctx, node, p.group, swarm.MethodBatch, reqs)
	if err != nil {
		return pass, fmt.Errorf("poll %s:\n%w", node, err)
	}

	// the node already left the poll pool; a fault only needs reporting
	for i, r := range resp.Results {
		if swarm.IsNodeFault(r.Err()) {
			p.log.Debug("node fault in group poll", "node", node, "index", i, "error", r.Err())
		}
	}

	defer func() {
		n, rerr := p.deliver(ctx, resp, 0, swarm.NamespaceRevokedGroupMessages)
		pass.Revoked = n
		if err == nil {
			err = rerr
		}
	}()

	if err := p.mergeConfigs(resp); err != nil {
		return pass, err
	}

	pass.Messages, err = p.deliver(ctx, resp, 1, swarm.NamespaceGroupMessages)
	if err != nil {
		return pass, err
	}

	return pass, nil
}

// deliver hands the new messages of result i to the sink.
func (p *GroupPoller) deliver(ctx context.Context, resp swarm.BatchResponse, i int, ns swarm.Namespace) (int, error) {
	msgs, err := retrieved(resp, i, ns)
	if err != nil {
		return 0, fmt.Errorf("retrieve %s:\n%w", ns, err)
	}

	return process(p.cursors, p.dedup, p.group, ns, msgs, func(fresh []swarm.StoredMessage) ([]string, error) {
		return p.sink.Deliver(ctx, p.group, ns, fresh)
	})
}

// mergeConfigs merges the keys, info and members results in one call so
// info and members can use keys from the same pass.
func (p *GroupPoller) mergeConfigs(resp swarm.BatchResponse) error {
	acct := p.group.Hex()

	all := make(map[swarm.Namespace][]swarm.StoredMessage, 3)
	fresh := make(map[swarm.Namespace][]swarm.StoredMessage, 3)

	for i, ns := range groupNamespaces[2:] {
		msgs, err := retrieved(resp, i+2, ns)
		if err != nil {
			p.log.Warn("group config retrieve failed", "namespace", ns, "error", err)
			continue
		}

		f, err := p.dedup.Filter(acct, ns, msgs)
		if err != nil {
			return err
		}

		all[ns] = msgs
		fresh[ns] = f
	}

	if len(fresh[swarm.NamespaceGroupKeys])+len(fresh[swarm.NamespaceGroupInfo])+len(fresh[swarm.NamespaceGroupMembers]) > 0 {
		res, err := p.configs.MergeGroupConfigs(p.group,
			fresh[swarm.NamespaceGroupKeys], fresh[swarm.NamespaceGroupInfo], fresh[swarm.NamespaceGroupMembers])
		if err != nil {
			return fmt.Errorf("merge group configs:\n%w", err)
		}
		if res.Rejected > 0 {
			p.log.Debug("group config messages rejected", "count", res.Rejected)
		}
	}

	for ns, msgs := range all {
		if _, err := process(p.cursors, p.dedup, p.group, ns, msgs, func([]swarm.StoredMessage) ([]string, error) { return nil, nil }); err != nil {
			return err
		}
	}

	destroyed := false
	_ = p.configs.WithGroupConfigs(p.group, func(r config.GroupReader) error {
		destroyed = r.Info().Destroyed()
		return nil
	})
	if destroyed {
		return Final(ErrGroupGone)
	}

	return nil
}
