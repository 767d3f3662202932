package integration

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/message"
	"SwarmSync/internal/receiver"
	"SwarmSync/internal/sender"
	"SwarmSync/internal/swarm"
)

const (
	// e2eNumNodes is the size of the fake network; above the minimum pool.
	e2eNumNodes = 16
)

func text(msgs []receiver.Received) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if v, ok := m.Message.Body.(*message.Visible); ok {
			out = append(out, v.Text)
		}
	}

	return out
}

// =============================================================================
// One-to-one messages
// =============================================================================

// TestDirectMessageRoundTrip sends from alice to bob and checks both the
// delivery and the copy alice keeps for her other devices.
func TestDirectMessageRoundTrip(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	alice := NewPeer(t, net, newKey(t))
	bob := NewPeer(t, net, newKey(t))

	res, err := alice.Sender.Send(context.Background(), message.New(&message.Visible{Text: "hello bob"}), sender.Contact{ID: bob.ID()})
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.NotEmpty(t, res.Hash)

	fromAlice := contactThread(alice.ID())
	bob.PollUntil(t, func() bool { return len(bob.Inbox.Messages(fromAlice)) == 1 })

	got := bob.Inbox.Messages(fromAlice)[0]
	require.Equal(t, alice.ID(), got.Message.Sender)
	require.False(t, got.Outgoing)
	require.Equal(t, 1, bob.Inbox.Unread(fromAlice))

	toBob := contactThread(bob.ID())
	alice.PollUntil(t, func() bool { return len(alice.Inbox.Messages(toBob)) == 1 })

	echo := alice.Inbox.Messages(toBob)[0]
	require.True(t, echo.Outgoing)
	require.Equal(t, []string{"hello bob"}, text([]receiver.Received{echo}))
	require.Zero(t, alice.Inbox.Unread(toBob))
}

// TestConversationKeepsOrder sends a burst and expects it in send order.
func TestConversationKeepsOrder(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	alice := NewPeer(t, net, newKey(t))
	bob := NewPeer(t, net, newKey(t))

	var want []string
	for i := 0; i < 8; i++ {
		body := fmt.Sprintf("message %d", i)
		want = append(want, body)

		_, err := alice.Sender.Send(context.Background(), message.New(&message.Visible{Text: body}), sender.Contact{ID: bob.ID()})
		require.NoError(t, err)
	}

	thread := contactThread(alice.ID())
	bob.PollUntil(t, func() bool { return len(bob.Inbox.Messages(thread)) == len(want) })

	require.Equal(t, want, text(bob.Inbox.Messages(thread)))
	require.Equal(t, len(want), bob.Inbox.Unread(thread))
}

// TestRestartDoesNotRedeliver replays the whole namespace after a
// restart and expects nothing to be handled twice.
func TestRestartDoesNotRedeliver(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	alice := NewPeer(t, net, newKey(t))
	bobKey := newKey(t)
	bob := NewPeer(t, net, bobKey)

	_, err := alice.Sender.Send(context.Background(), message.New(&message.Visible{Text: "once"}), sender.Contact{ID: bob.ID()})
	require.NoError(t, err)

	thread := contactThread(alice.ID())
	bob.PollUntil(t, func() bool { return len(bob.Inbox.Messages(thread)) == 1 })
	bob.Stop()

	// forget the cursor so the next pass returns everything again
	require.NoError(t, bob.State.SetLastHash(bob.ID().Hex(), int(swarm.NamespaceDefault), ""))

	again := OpenPeer(t, net, bobKey, bob.DB)

	_, err = alice.Sender.Send(context.Background(), message.New(&message.Visible{Text: "twice"}), sender.Contact{ID: bob.ID()})
	require.NoError(t, err)

	again.PollUntil(t, func() bool { return again.Inbox.Total() >= 1 })
	require.Equal(t, []string{"twice"}, text(again.Inbox.Messages(thread)))
}

// =============================================================================
// Network faults
// =============================================================================

// TestSendSurvivesOfflineNodes takes part of the swarm down.
func TestSendSurvivesOfflineNodes(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	for i := 0; i < 3; i++ {
		net.SetOffline(i, true)
	}

	alice := NewPeer(t, net, newKey(t))
	bob := NewPeer(t, net, newKey(t))

	for i := 0; i < 5; i++ {
		_, err := alice.Sender.Send(context.Background(), message.New(&message.Visible{Text: "up"}), sender.Contact{ID: bob.ID()})
		require.NoError(t, err)
	}

	thread := contactThread(alice.ID())
	bob.PollUntil(t, func() bool { return len(bob.Inbox.Messages(thread)) == 5 })
}

// TestClockSkewIsCorrected signs against the network time, not the local one.
func TestClockSkewIsCorrected(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	net.SetSkew(time.Hour)

	alice := NewPeer(t, net, newKey(t))
	require.NoError(t, alice.Network.SyncClock(context.Background()))

	offset := alice.Network.Clock().Offset()
	require.InDelta(t, time.Hour.Milliseconds(), offset, float64(5*time.Second.Milliseconds()))

	stored, err := alice.State.ClockOffset()
	require.NoError(t, err)
	require.Equal(t, offset, stored)
}

// =============================================================================
// Configs
// =============================================================================

// TestProfileSyncsAcrossDevices pushes a profile from one device and
// pulls it on another of the same account.
func TestProfileSyncsAcrossDevices(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	key := newKey(t)

	phone := NewPeer(t, net, key)
	require.NoError(t, phone.Engine.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.Profile().SetName("alice")
		return nil
	}))
	require.NoError(t, phone.Uploader.SyncUser(context.Background()))
	require.Positive(t, net.Count(phone.ID().Hex(), swarm.NamespaceUserProfile))

	laptop := NewPeer(t, net, key)
	laptop.PollUntil(t, func() bool {
		name := ""
		laptop.Engine.WithUserConfigs(func(r config.UserReader) error {
			name = r.Profile().Name()
			return nil
		})
		return name == "alice"
	})

	require.True(t, laptop.Engine.HasProfile())
}

// =============================================================================
// Closed groups
// =============================================================================

// TestClosedGroupConversation creates a group, shares its keys and
// exchanges a message through the group swarm.
func TestClosedGroupConversation(t *testing.T) {
	net := NewFakeNetwork(e2eNumNodes)
	admin := NewPeer(t, net, newKey(t))
	member := NewPeer(t, net, newKey(t))

	pub, adminKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	group, err := account.New(account.PrefixGroup, pub)
	require.NoError(t, err)

	require.NoError(t, admin.Engine.AddGroup(group, adminKey))
	require.NoError(t, admin.Engine.WithMutableGroupConfigs(group, func(w config.GroupWriter) error {
		w.Info().SetName("team")
		w.Members().Set(config.Member{ID: admin.ID(), Admin: true})
		w.Members().Set(config.Member{ID: member.ID()})
		_, err := w.Rekey()
		return err
	}))
	require.NoError(t, admin.Uploader.SyncGroup(context.Background(), group))

	require.NoError(t, admin.Engine.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.UserGroups().SetGroup(config.GroupEntry{ID: group, Name: "team", AdminKey: adminKey})
		return nil
	}))
	require.NoError(t, member.Engine.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.UserGroups().SetGroup(config.GroupEntry{ID: group, Name: "team", AuthToken: []byte("token"), AuthSig: []byte("sig")})
		return nil
	}))

	_, err = admin.Sender.Send(context.Background(), message.New(&message.Visible{Text: "welcome"}), sender.ClosedGroup{ID: group})
	require.NoError(t, err)

	thread := receiver.Thread{Kind: receiver.ThreadClosedGroup, ID: group.Hex()}
	member.PollGroupUntil(t, group, func() bool { return len(member.Inbox.Messages(thread)) == 1 })

	got := member.Inbox.Messages(thread)[0]
	require.Equal(t, admin.ID(), got.Message.Sender)
	require.Equal(t, []string{"welcome"}, text([]receiver.Received{got}))

	require.NoError(t, member.Engine.WithGroupConfigs(group, func(r config.GroupReader) error {
		require.Equal(t, "team", r.Info().Name())
		return nil
	}))

	// the admin's own poller sees the message as outgoing
	admin.PollGroupUntil(t, group, func() bool { return len(admin.Inbox.Messages(thread)) == 1 })
	require.True(t, admin.Inbox.Messages(thread)[0].Outgoing)
}
