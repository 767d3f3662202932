package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/swarm"
)

const (
	messageRetrieveSize = -2
	configRetrieveSize  = -8

	// configTTLExtension is how far active config messages are extended.
	configTTLExtension = 14 * 24 * time.Hour
)

// UserPass describes one user poll pass.
type UserPass struct {
	Node        swarm.Node
	ProfileOnly bool // ProfileOnly is set for passes made before the profile was known
	Messages    int  // Messages counts the new default-namespace messages
}

// UserConfig configures a UserPoller.
type UserConfig struct {
	Keys    *account.Keys
	Network Network
	Cursors CursorStore
	Dedup   Deduper
	Configs Configs
	Sink    Sink
	Logger  *slog.Logger
	Metrics Metrics
}

// UserPoller polls the swarm of the local account: its messages and
// its config namespaces.
type UserPoller struct {
	*loop[UserPass]

	keys    *account.Keys
	net     Network
	cursors CursorStore
	dedup   Deduper
	configs Configs
	sink    Sink
	log     *slog.Logger

	pool        pollPool
	backoff     *Backoff
	profileSeen bool
}

// NewUserPoller creates a user poller. Run starts it.
func NewUserPoller(cfg UserConfig) (*UserPoller, error) {
	if cfg.Keys == nil {
		return nil, swarm.ErrNotAuthenticated
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &UserPoller{
		keys:    cfg.Keys,
		net:     cfg.Network,
		cursors: cfg.Cursors,
		dedup:   cfg.Dedup,
		configs: cfg.Configs,
		sink:    cfg.Sink,
		log:     log.With("component", "user-poller"),
		backoff: NewBackoff(baseRetryInterval, maxRetryInterval),
	}

	p.loop = newLoop("user", p.poll, p.nextDelay)
	p.loop.metrics = cfg.Metrics

	return p, nil
}

// Run polls periodically until ctx is done.
func (p *UserPoller) Run(ctx context.Context) error {
	return p.loop.run(ctx, true)
}

func (p *UserPoller) nextDelay(err error, pass UserPass) time.Duration {
	if err != nil {
		d := p.backoff.Failure()
		p.log.Warn("poll failed", "error", err, "retry_in", d)
		return d
	}

	p.backoff.Success()
	if pass.ProfileOnly {
		return 0
	}

	return p.backoff.Next()
}

// poll runs one pass. Config namespaces are merged before messages are
// delivered; a config failure is logged and skipped while a message
// failure fails the pass.
func (p *UserPoller) poll(ctx context.Context) (UserPass, error) {
	auth, err := swarm.NewUserAuth(p.keys)
	if err != nil {
		return UserPass{}, Final(err)
	}

	id := p.keys.ID()
	pass := UserPass{ProfileOnly: !p.profileSeen && !p.configs.HasProfile()}

	kinds := config.UserKinds
	if pass.ProfileOnly {
		kinds = []config.Kind{config.KindUserProfile}
	}

	node, err := p.pool.next(ctx, p.net, id)
	if err != nil {
		return pass, fmt.Errorf("pick node:\n%w", err)
	}
	pass.Node = node

	now := p.net.Clock().NowMillis()

	var reqs []swarm.SubRequest
	if !pass.ProfileOnly {
		req, err := buildRetrieve(p.cursors, auth, swarm.NamespaceDefault, messageRetrieveSize, now)
		if err != nil {
			return pass, err
		}
		reqs = append(reqs, req)
	}

	configStart := len(reqs)
	for _, k := range kinds {
		req, err := buildRetrieve(p.cursors, auth, k.Namespace(), configRetrieveSize, now)
		if err != nil {
			return pass, err
		}
		reqs = append(reqs, req)
	}

	expireAt := -1
	if hashes := p.configs.UserActiveHashes(); len(hashes) > 0 {
		req, err := swarm.BuildExpire(auth, hashes, now+configTTLExtension.Milliseconds(), swarm.ExpireExtend)
		if err != nil {
			return pass, err
		}
		expireAt = len(reqs)
		reqs = append(reqs, req)
	}

	resp, err := p.net.SendBatch(ctx, node, id, swarm.MethodBatch, reqs)
	if err != nil {
		return pass, fmt.Errorf("poll %s:\n%w", node, err)
	}

	for i, k := range kinds {
		p.mergeConfig(id, k, resp, configStart+i)
	}

	if expireAt >= 0 && expireAt < len(resp.Results) {
		if err := resp.Results[expireAt].Err(); err != nil {
			p.log.Debug("config ttl extension failed", "error", err)
		}
	}

	if !pass.ProfileOnly {
		msgs, err := retrieved(resp, 0, swarm.NamespaceDefault)
		if err != nil {
			return pass, fmt.Errorf("retrieve messages from %s:\n%w", node, err)
		}

		pass.Messages, err = process(p.cursors, p.dedup, id, swarm.NamespaceDefault, msgs, func(fresh []swarm.StoredMessage) ([]string, error) {
			return p.sink.Deliver(ctx, id, swarm.NamespaceDefault, fresh)
		})
		if err != nil {
			return pass, err
		}
	}

	p.profileSeen = true

	return pass, nil
}

// mergeConfig merges result i as the messages of kind.
func (p *UserPoller) mergeConfig(id account.ID, kind config.Kind, resp swarm.BatchResponse, i int) {
	msgs, err := retrieved(resp, i, kind.Namespace())
	if err != nil {
		p.log.Warn("config retrieve failed", "kind", kind, "error", err)
		return
	}

	_, err = process(p.cursors, p.dedup, id, kind.Namespace(), msgs, func(fresh []swarm.StoredMessage) ([]string, error) {
		res, err := p.configs.MergeUserConfigs(kind, fresh)
		if err != nil {
			return nil, err
		}
		if res.Rejected > 0 {
			p.log.Debug("config messages rejected", "kind", kind, "count", res.Rejected)
		}
		return nil, nil
	})
	if err != nil {
		p.log.Warn("config merge failed", "kind", kind, "error", err)
	}
}
