package integration

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/poller"
	"SwarmSync/internal/receiver"
	"SwarmSync/internal/sender"
	"SwarmSync/internal/storage"
	"SwarmSync/internal/swarm"
)

// quietLogger discards component logs.
var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// =============================================================================
// Inbox
// =============================================================================

// MemInbox records handled messages per thread. It implements
// receiver.ThreadStore and receiver.Handler.
type MemInbox struct {
	mu       sync.Mutex
	ids      map[receiver.Thread]int64
	messages map[int64][]receiver.Received
	lastSeen map[int64]int64
	unread   map[int64]int
}

func newMemInbox() *MemInbox {
	return &MemInbox{
		ids:      make(map[receiver.Thread]int64),
		messages: make(map[int64][]receiver.Received),
		lastSeen: make(map[int64]int64),
		unread:   make(map[int64]int),
	}
}

func (b *MemInbox) ThreadID(t receiver.Thread) receiver.Option[int64] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.ids[t]; ok {
		return receiver.Some(id)
	}

	return receiver.None[int64]()
}

func (b *MemInbox) LastSeen(id int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastSeen[id]
}

func (b *MemInbox) MarkConversationRead(id int64, upTo int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if upTo > b.lastSeen[id] {
		b.lastSeen[id] = upTo
		b.unread[id] = 0
	}

	return nil
}

func (b *MemInbox) UpdateThread(id int64, u receiver.ThreadUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unread[id] += u.Unread
	return nil
}

func (b *MemInbox) Handle(_ context.Context, thread receiver.Option[int64], r receiver.Received) (receiver.Option[int64], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := thread.Get()
	if !ok {
		id = int64(len(b.ids) + 1)
		b.ids[r.Thread] = id
	}

	b.messages[id] = append(b.messages[id], r)

	return receiver.Some(id), nil
}

func (b *MemInbox) Revoked(context.Context, account.ID, []byte) error { return nil }

func (b *MemInbox) Deleted(context.Context, receiver.Thread, []int64) error { return nil }

func (b *MemInbox) RoomInfo(opengroup.Server, string, opengroup.RoomPollInfo) {}

// Messages returns the messages handled in thread t.
func (b *MemInbox) Messages(t receiver.Thread) []receiver.Received {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.ids[t]
	if !ok {
		return nil
	}

	return append([]receiver.Received(nil), b.messages[id]...)
}

// Unread returns the unread count of thread t.
func (b *MemInbox) Unread(t receiver.Thread) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.unread[b.ids[t]]
}

// Total returns the number of handled messages.
func (b *MemInbox) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, msgs := range b.messages {
		n += len(msgs)
	}

	return n
}

// =============================================================================
// Peers
// =============================================================================

// Peer is one client device wired like the daemon, against a fake network.
type Peer struct {
	Keys     *account.Keys
	DB       *storage.Storage
	State    *storage.State
	Network  *swarm.Client
	Engine   *config.Engine
	Uploader *config.Uploader
	Inbox    *MemInbox
	Dedup    *receiver.Deduper
	Receiver *receiver.Receiver
	User     *poller.UserPoller
	Manager  *poller.Manager
	Sender   *sender.Sender

	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// newKey returns a fresh account key.
func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return priv
}

// NewPeer opens a device with its own store and starts its loops.
func NewPeer(t *testing.T, net *FakeNetwork, priv ed25519.PrivateKey) *Peer {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return OpenPeer(t, net, priv, db)
}

// OpenPeer starts a device over an existing store.
func OpenPeer(t *testing.T, net *FakeNetwork, priv ed25519.PrivateKey, db *storage.Storage) *Peer {
	t.Helper()

	keys, err := account.NewKeys(priv)
	require.NoError(t, err)

	p := &Peer{Keys: keys, DB: db, State: storage.NewState(db), Inbox: newMemInbox()}

	p.Network, err = swarm.NewClient(swarm.Config{
		Transport:  net,
		SeedURLs:   []string{"https://seed.test:4443"},
		Store:      p.State,
		ClockStore: p.State,
		Logger:     quietLogger,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	p.Engine, err = config.NewEngine(config.EngineConfig{Keys: keys, Store: p.State, Logger: quietLogger})
	require.NoError(t, err)
	p.Uploader = config.NewUploader(p.Engine, p.Network, quietLogger)

	p.Dedup = receiver.NewDeduper(p.State, 0)
	p.Receiver, err = receiver.New(receiver.Config{
		Keys:    keys,
		Dedup:   p.Dedup,
		Groups:  p.Engine,
		Configs: p.Engine,
		Threads: p.Inbox,
		Handler: p.Inbox,
		Logger:  quietLogger,
	})
	require.NoError(t, err)

	p.User, err = poller.NewUserPoller(poller.UserConfig{
		Keys:    keys,
		Network: p.Network,
		Cursors: p.State,
		Dedup:   p.Dedup,
		Configs: p.Engine,
		Sink:    p.Receiver,
		Logger:  quietLogger,
	})
	require.NoError(t, err)

	p.Manager = poller.NewManager(poller.ManagerConfig{
		Keys:     keys,
		Network:  p.Network,
		Cursors:  p.State,
		Dedup:    p.Dedup,
		Configs:  p.Engine,
		Registry: p.Engine,
		Sink:     p.Receiver,
		Logger:   quietLogger,
	})

	p.Sender = sender.New(sender.Config{
		Keys:    keys,
		Network: p.Network,
		Groups:  p.Engine,
		Logger:  quietLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(3)
	go func() { defer p.wg.Done(); p.User.Run(ctx) }()
	go func() { defer p.wg.Done(); p.Manager.Run(ctx) }()
	go func() { defer p.wg.Done(); p.Receiver.Run(ctx) }()

	t.Cleanup(p.Stop)

	return p
}

// Stop stops the loops of p and waits for them. The store stays open.
func (p *Peer) Stop() {
	p.stop.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.Dedup.Close()
		p.Engine.Close()
	})
}

// ID returns the account id of p.
func (p *Peer) ID() account.ID { return p.Keys.ID() }

// PollUntil polls the own swarm until cond holds.
func (p *Peer) PollUntil(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		p.User.PollOnce(ctx)
		return cond()
	}, 10*time.Second, 20*time.Millisecond)
}

// PollGroupUntil polls a group swarm until cond holds. The group
// poller is started by the manager from the UserGroups config.
func (p *Peer) PollGroupUntil(t *testing.T, group account.ID, cond func() bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		gp, ok := p.Manager.Group(group)
		if !ok {
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		gp.PollOnce(ctx)
		return cond()
	}, 10*time.Second, 20*time.Millisecond)
}

// contactThread is the thread of a one-to-one conversation with id.
func contactThread(id account.ID) receiver.Thread {
	return receiver.Thread{Kind: receiver.ThreadContact, ID: id.Hex()}
}
