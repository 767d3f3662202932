package poller

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"sync"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
)

// GroupRegistry is the part of config.Engine that tracks group owners.
type GroupRegistry interface {
	AddGroup(id account.ID, adminKey ed25519.PrivateKey) error
	Subscribe(l config.Listener)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Keys             *account.Keys
	Network          Network
	Cursors          CursorStore
	Dedup            Deduper
	Configs          Configs
	Registry         GroupRegistry
	Sink             Sink
	OpenGroups       OpenGroups
	CommunityCursors CommunityCursors
	CommunitySink    CommunitySink
	Logger           *slog.Logger
	Metrics          Metrics
}

type running[P any] struct {
	poller P
	cancel context.CancelFunc
}

// Manager keeps one GroupPoller per active closed group and one
// CommunityPoller per joined community server in line with the
// UserGroups config.
type Manager struct {
	cfg  ManagerConfig
	log  *slog.Logger
	wake chan struct{}

	mu          sync.Mutex
	ctx         context.Context
	groups      map[account.ID]running[*GroupPoller]
	communities map[string]running[*CommunityPoller]
	gone        map[account.ID]bool
	wg          sync.WaitGroup
}

// NewManager creates a manager and subscribes it to config changes.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:         cfg,
		log:         log.With("component", "poller-manager"),
		wake:        make(chan struct{}, 1),
		groups:      make(map[account.ID]running[*GroupPoller]),
		communities: make(map[string]running[*CommunityPoller]),
		gone:        make(map[account.ID]bool),
	}

	cfg.Registry.Subscribe(m.onEvent)

	return m
}

func (m *Manager) onEvent(ev config.Event) {
	e, ok := ev.(config.UserConfigsModified)
	if !ok {
		return
	}

	for _, k := range e.Kinds {
		if k == config.KindUserGroups {
			m.signal()
			return
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run reconciles pollers until ctx is done, then waits for them to stop.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	defer m.wg.Wait()

	m.reconcile()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			m.reconcile()
		}
	}
}

// Group returns the running poller of a group.
func (m *Manager) Group(id account.ID) (*GroupPoller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.groups[id]
	return r.poller, ok
}

// Community returns the running poller of a community server.
func (m *Manager) Community(baseURL string) (*CommunityPoller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.communities[baseURL]
	return r.poller, ok
}

// Groups returns the ids of the groups currently polled.
func (m *Manager) Groups() []account.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]account.ID, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}

	return out
}

// reconcile starts pollers for new entries and stops those whose entry
// went away or became inactive.
func (m *Manager) reconcile() {
	var (
		groups  []config.GroupEntry
		servers = make(map[string]bool)
	)

	err := m.cfg.Configs.WithUserConfigs(func(r config.UserReader) error {
		ug := r.UserGroups()
		for _, g := range ug.Groups() {
			if g.Active() {
				groups = append(groups, g)
			}
		}
		for _, c := range ug.Communities() {
			servers[c.BaseURL] = true
		}
		return nil
	})
	if err != nil {
		m.log.Warn("read user groups failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	active := make(map[account.ID]bool, len(groups))
	for _, g := range groups {
		active[g.ID] = true
		if _, ok := m.groups[g.ID]; ok || m.gone[g.ID] {
			continue
		}
		m.startGroup(g)
	}

	for id := range m.gone {
		if !active[id] {
			delete(m.gone, id)
		}
	}

	for id, r := range m.groups {
		if !active[id] {
			m.log.Info("stopping group poller", "group", id)
			r.cancel()
			delete(m.groups, id)
		}
	}

	if m.cfg.OpenGroups == nil {
		return
	}

	for url := range servers {
		if _, ok := m.communities[url]; !ok {
			m.startCommunity(url)
		}
	}

	for url, r := range m.communities {
		if !servers[url] {
			m.log.Info("stopping community poller", "server", url)
			r.cancel()
			delete(m.communities, url)
		}
	}
}

// startGroup must be called with mu held.
func (m *Manager) startGroup(g config.GroupEntry) {
	var admin ed25519.PrivateKey
	if len(g.AdminKey) == ed25519.PrivateKeySize {
		admin = ed25519.PrivateKey(g.AdminKey)
	}

	if err := m.cfg.Registry.AddGroup(g.ID, admin); err != nil {
		m.log.Warn("register group failed", "group", g.ID, "error", err)
		return
	}

	p, err := NewGroupPoller(GroupConfig{
		Group:   g.ID,
		Keys:    m.cfg.Keys,
		Network: m.cfg.Network,
		Cursors: m.cfg.Cursors,
		Dedup:   m.cfg.Dedup,
		Configs: m.cfg.Configs,
		Sink:    m.cfg.Sink,
		Logger:  m.log,
		Metrics: m.cfg.Metrics,
	})
	if err != nil {
		m.log.Warn("create group poller failed", "group", g.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.groups[g.ID] = running[*GroupPoller]{poller: p, cancel: cancel}

	m.log.Info("starting group poller", "group", g.ID, "admin", admin != nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		err := p.Run(ctx)
		gone := errors.Is(err, ErrGroupGone)
		if gone {
			m.log.Info("group gone, poller stopped", "group", g.ID)
		} else if err != nil && ctx.Err() == nil {
			m.log.Warn("group poller stopped", "group", g.ID, "error", err)
		}

		m.mu.Lock()
		if r, ok := m.groups[g.ID]; ok && r.poller == p {
			delete(m.groups, g.ID)
		}
		// a destroyed group stays stopped until its entry changes
		if gone {
			m.gone[g.ID] = true
		}
		m.mu.Unlock()
	}()
}

// startCommunity must be called with mu held.
func (m *Manager) startCommunity(url string) {
	p := NewCommunityPoller(CommunityConfig{
		BaseURL:    url,
		OpenGroups: m.cfg.OpenGroups,
		Cursors:    m.cfg.CommunityCursors,
		Configs:    m.cfg.Configs,
		Sink:       m.cfg.CommunitySink,
		Logger:     m.log,
		Metrics:    m.cfg.Metrics,
	})

	ctx, cancel := context.WithCancel(m.ctx)
	m.communities[url] = running[*CommunityPoller]{poller: p, cancel: cancel}

	m.log.Info("starting community poller", "server", url)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("community poller stopped", "server", url, "error", err)
		}
	}()
}
