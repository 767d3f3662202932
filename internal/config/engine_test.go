package config

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/storage"
	"SwarmSync/internal/swarm"
)

// =============================================================================
// Fixtures
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKeys(t *testing.T) *account.Keys {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keys, err := account.NewKeys(priv)
	require.NoError(t, err)

	return keys
}

func newEngine(t *testing.T, keys *account.Keys, store DumpStore) *Engine {
	t.Helper()

	e, err := NewEngine(EngineConfig{Keys: keys, Store: store, Logger: quietLogger})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return e
}

func newGroup(t *testing.T) (account.ID, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id, err := account.New(account.PrefixGroup, pub)
	require.NoError(t, err)

	return id, priv
}

// fakeSwarm keeps stored messages per account and namespace.
type fakeSwarm struct {
	mu      sync.Mutex
	n       int
	stored  map[string][]swarm.StoredMessage
	deleted []string
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{stored: make(map[string][]swarm.StoredMessage)}
}

func (f *fakeSwarm) Store(_ context.Context, _ swarm.Auth, msg swarm.StoreMessage) (swarm.StoreResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.n++
	hash := fmt.Sprintf("hash-%d", f.n)
	key := fmt.Sprintf("%s/%d", msg.Recipient, msg.Namespace)
	f.stored[key] = append(f.stored[key], swarm.StoredMessage{
		Hash:      hash,
		Data:      msg.Data,
		Timestamp: int64(f.n),
		Namespace: msg.Namespace,
	})

	return swarm.StoreResponse{Hash: hash}, nil
}

func (f *fakeSwarm) Delete(_ context.Context, _ swarm.Auth, hashes []string, _ bool) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, hashes...)

	return map[string]bool{}, nil
}

func (f *fakeSwarm) messages(id account.ID, kind Kind) []swarm.StoredMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]swarm.StoredMessage(nil), f.stored[fmt.Sprintf("%s/%d", id, kind.Namespace())]...)
}

// =============================================================================
// User configs
// =============================================================================

func TestUserConfigsSyncBetweenDevices(t *testing.T) {
	keys := newKeys(t)
	friend := newKeys(t).ID()
	net := newFakeSwarm()

	a := newEngine(t, keys, nil)
	b := newEngine(t, keys, nil)

	err := a.WithMutableUserConfigs(func(w UserWriter) error {
		w.Profile().SetName("alice")
		w.Contacts().Set(Contact{ID: friend, Name: "bob", Approved: true})
		return nil
	})
	require.NoError(t, err)

	up := NewUploader(a, net, quietLogger)
	require.NoError(t, up.SyncUser(context.Background()))

	require.Len(t, net.messages(keys.ID(), KindUserProfile), 1)
	require.Len(t, net.messages(keys.ID(), KindContacts), 1)
	require.Len(t, a.UserActiveHashes(), 2)
	require.True(t, a.HasProfile())

	res, err := b.MergeUserConfigs(KindUserProfile, net.messages(keys.ID(), KindUserProfile))
	require.NoError(t, err)
	require.Len(t, res.Merged, 1)
	require.Zero(t, res.Rejected)

	_, err = b.MergeUserConfigs(KindContacts, net.messages(keys.ID(), KindContacts))
	require.NoError(t, err)

	err = b.WithUserConfigs(func(r UserReader) error {
		require.Equal(t, "alice", r.Profile().Name())

		c, ok := r.Contacts().Get(friend)
		require.True(t, ok)
		require.Equal(t, "bob", c.Name)
		require.True(t, c.Approved)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeRejectsForeignAccount(t *testing.T) {
	net := newFakeSwarm()
	a := newEngine(t, newKeys(t), nil)
	other := newEngine(t, newKeys(t), nil)

	require.NoError(t, a.WithMutableUserConfigs(func(w UserWriter) error {
		w.Profile().SetName("alice")
		return nil
	}))
	require.NoError(t, NewUploader(a, net, quietLogger).SyncUser(context.Background()))

	res, err := other.MergeUserConfigs(KindUserProfile, net.messages(a.keys.ID(), KindUserProfile))
	require.NoError(t, err)
	require.Equal(t, 1, res.Rejected)
	require.Empty(t, res.Merged)

	_, err = other.MergeUserConfigs(KindGroupInfo, nil)
	require.True(t, errors.Is(err, ErrWrongKind))
}

func TestUserNotifications(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys, nil)

	events := make(chan Event, 4)
	e.Subscribe(func(ev Event) { events <- ev })

	require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
		w.ConvoInfoVolatile().Set(Convo{Key: OneToOneConvo(keys.ID()), LastRead: 10})
		return nil
	}))

	// a writer that changes nothing is silent
	require.NoError(t, e.WithMutableUserConfigs(func(UserWriter) error { return nil }))

	select {
	case ev := <-events:
		mod, ok := ev.(UserConfigsModified)
		require.True(t, ok)
		require.Equal(t, []Kind{KindConvoInfoVolatile}, mod.Kinds)
		require.False(t, mod.FromMerge)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseTwice(t *testing.T) {
	e := newEngine(t, newKeys(t), nil)

	require.NotPanics(t, func() {
		e.Close()
		e.Close()
	})
}

func TestUserConfigsRestoredFromDumps(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer db.Close()

	state := storage.NewState(db)
	keys := newKeys(t)

	a := newEngine(t, keys, state)
	require.NoError(t, a.WithMutableUserConfigs(func(w UserWriter) error {
		w.Profile().SetName("alice")
		return nil
	}))

	b := newEngine(t, keys, state)
	require.NoError(t, b.WithUserConfigs(func(r UserReader) error {
		require.Equal(t, "alice", r.Profile().Name())
		return nil
	}))

	// the unconfirmed change is still pending after a restart
	ups, err := b.userUploads()
	require.NoError(t, err)
	require.Len(t, ups, 1)
	require.Equal(t, KindUserProfile, ups[0].kind)
}

func TestCanPerformChange(t *testing.T) {
	keys := newKeys(t)
	a := newEngine(t, keys, nil)
	b := newEngine(t, keys, nil)

	require.NoError(t, a.WithMutableUserConfigs(func(w UserWriter) error {
		w.Profile().SetName("alice")
		return nil
	}))

	ups, err := a.userUploads()
	require.NoError(t, err)

	const appliedAt = 10_000_000
	_, err = b.MergeUserConfigs(KindUserProfile, []swarm.StoredMessage{
		{Hash: "h1", Data: ups[0].data, Timestamp: appliedAt},
	})
	require.NoError(t, err)

	require.True(t, b.CanPerformChange(KindUserProfile, keys.ID(), appliedAt-time.Minute.Milliseconds()))
	require.False(t, b.CanPerformChange(KindUserProfile, keys.ID(), appliedAt-3*time.Minute.Milliseconds()))
	require.True(t, b.CanPerformChange(KindContacts, keys.ID(), 0))
}

func TestConversationVisible(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys, nil)
	friend, hidden, stranger := newKeys(t).ID(), newKeys(t).ID(), newKeys(t).ID()
	group, _ := newGroup(t)

	require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
		w.Contacts().Set(Contact{ID: friend, Approved: true})
		w.Contacts().Set(Contact{ID: hidden, Priority: PriorityHidden})
		w.UserGroups().SetGroup(GroupEntry{ID: group, Name: "club"})
		w.UserGroups().SetCommunity(Community{BaseURL: "https://open.example", Room: "lobby"})
		return nil
	}))

	require.True(t, e.ConversationVisible(keys.ID()))
	require.True(t, e.ConversationVisible(friend))
	require.True(t, e.ConversationVisible(group))
	require.False(t, e.ConversationVisible(hidden))
	require.False(t, e.ConversationVisible(stranger))

	require.True(t, e.CommunityJoined("https://open.example", "lobby"))
	require.False(t, e.CommunityJoined("https://open.example", "other"))

	require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
		w.Profile().SetNoteToSelfPriority(PriorityHidden)
		return nil
	}))
	require.False(t, e.ConversationVisible(keys.ID()))
}

// =============================================================================
// Group configs
// =============================================================================

func TestGroupConfigsReachMembers(t *testing.T) {
	net := newFakeSwarm()
	group, adminKey := newGroup(t)

	adminKeys := newKeys(t)
	memberKeys := newKeys(t)

	admin := newEngine(t, adminKeys, nil)
	member := newEngine(t, memberKeys, nil)
	outsider := newEngine(t, newKeys(t), nil)

	require.NoError(t, admin.AddGroup(group, adminKey))
	require.NoError(t, member.AddGroup(group, nil))
	require.NoError(t, outsider.AddGroup(group, nil))

	require.NoError(t, admin.WithMutableGroupConfigs(group, func(w GroupWriter) error {
		w.Info().SetName("team")
		w.Members().Set(Member{ID: adminKeys.ID(), Admin: true})
		w.Members().Set(Member{ID: memberKeys.ID(), Name: "m"})
		_, err := w.Rekey()
		return err
	}))

	require.NoError(t, NewUploader(admin, net, quietLogger).SyncGroup(context.Background(), group))

	fetch := func(k Kind) []swarm.StoredMessage { return net.messages(group, k) }

	res, err := member.MergeGroupConfigs(group, fetch(KindGroupKeys), fetch(KindGroupInfo), fetch(KindGroupMembers))
	require.NoError(t, err)
	require.Len(t, res.Merged, 3)

	require.NoError(t, member.WithGroupConfigs(group, func(r GroupReader) error {
		require.False(t, r.IsAdmin())
		require.Equal(t, "team", r.Info().Name())
		require.Len(t, r.Members().All(), 2)
		require.Equal(t, 0, r.Keys().Generation())
		return nil
	}))

	// the outsider merges the keys but cannot read any of them
	res, err = outsider.MergeGroupConfigs(group, fetch(KindGroupKeys), fetch(KindGroupInfo), fetch(KindGroupMembers))
	require.NoError(t, err)
	require.Equal(t, 2, res.Rejected)

	err = member.WithMutableGroupConfigs(group, func(GroupWriter) error { return nil })
	require.True(t, errors.Is(err, ErrNotAdmin))
}

func TestGroupUploadRekeysFirst(t *testing.T) {
	net := newFakeSwarm()
	group, adminKey := newGroup(t)
	admin := newEngine(t, newKeys(t), nil)
	require.NoError(t, admin.AddGroup(group, adminKey))

	require.NoError(t, admin.WithMutableGroupConfigs(group, func(w GroupWriter) error {
		w.Info().SetName("team")
		return nil
	}))

	require.NoError(t, NewUploader(admin, net, quietLogger).SyncGroup(context.Background(), group))
	require.Len(t, net.messages(group, KindGroupKeys), 1)
	require.Len(t, net.messages(group, KindGroupInfo), 1)

	require.NoError(t, admin.WithGroupConfigs(group, func(r GroupReader) error {
		_, ok := r.Keys().CurrentKey()
		require.True(t, ok)
		return nil
	}))
	require.Len(t, admin.GroupActiveHashes(group), 2)
}

func TestAddGroupRejectsForeignAdminKey(t *testing.T) {
	e := newEngine(t, newKeys(t), nil)
	group, _ := newGroup(t)
	_, other := newGroup(t)

	require.True(t, errors.Is(e.AddGroup(group, other), ErrNotAdmin))
	require.Error(t, e.AddGroup(e.keys.ID(), nil))

	require.NoError(t, e.AddGroup(group, nil))
	require.Equal(t, []account.ID{group}, e.Groups())

	require.NoError(t, e.RemoveGroup(group))
	require.Empty(t, e.Groups())
	require.True(t, errors.Is(e.WithGroupConfigs(group, func(GroupReader) error { return nil }), ErrUnknownGroup))
}

// =============================================================================
// Uploader
// =============================================================================

func TestUploaderDebouncesChanges(t *testing.T) {
	net := newFakeSwarm()
	keys := newKeys(t)
	e := newEngine(t, keys, nil)

	up := NewUploader(e, net, quietLogger)
	up.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go up.Run(ctx)

	for i := range 5 {
		require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
			w.Profile().SetName(fmt.Sprintf("name-%d", i))
			return nil
		}))
	}

	require.Eventually(t, func() bool {
		return len(net.messages(keys.ID(), KindUserProfile)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, net.messages(keys.ID(), KindUserProfile), 1)
}

func TestUploaderDeletesObsolete(t *testing.T) {
	net := newFakeSwarm()
	keys := newKeys(t)
	e := newEngine(t, keys, nil)
	up := NewUploader(e, net, quietLogger)

	for _, name := range []string{"one", "two"} {
		require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
			w.Profile().SetName(name)
			return nil
		}))
		require.NoError(t, up.SyncUser(context.Background()))
	}

	require.Equal(t, []string{"hash-1"}, net.deleted)
	require.Equal(t, []string{"hash-2"}, e.UserActiveHashes())
}
