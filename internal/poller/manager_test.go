package poller

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/config"
)

// =============================================================================
// Manager
// =============================================================================

func TestManagerFollowsUserGroups(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys)
	gid, admin := newGroup(t)

	m := NewManager(ManagerConfig{
		Keys:             keys,
		Network:          newFakeNet(),
		Cursors:          newState(t),
		Dedup:            newMemDedup(),
		Configs:          e,
		Registry:         e,
		Sink:             &recordSink{},
		OpenGroups:       &fakeOpenGroups{},
		CommunityCursors: newState(t),
		CommunitySink:    &communityRecorder{},
		Logger:           quietLogger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	joinGroup(t, e, config.GroupEntry{ID: gid, AdminKey: admin})
	require.NoError(t, e.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.UserGroups().SetCommunity(config.Community{BaseURL: testServer, Room: "lobby", PubKey: hex.EncodeToString(make([]byte, 32))})
		return nil
	}))

	require.Eventually(t, func() bool {
		_, ok := m.Group(gid)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := m.Community(testServer)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, tracked := e.GroupAdminKey(gid)
	require.True(t, tracked, "manager registers the admin key")

	require.NoError(t, e.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.UserGroups().EraseGroup(gid)
		w.UserGroups().EraseCommunity(testServer, "lobby")
		return nil
	}))

	require.Eventually(t, func() bool {
		_, group := m.Group(gid)
		_, community := m.Community(testServer)
		return !group && !community
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
