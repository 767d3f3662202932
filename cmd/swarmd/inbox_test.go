package main

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/message"
	"SwarmSync/internal/receiver"
	"SwarmSync/internal/storage"
)

// =============================================================================
// Fixtures
// =============================================================================

func newTestInbox(t *testing.T) (*inbox, *storage.Threads) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	threads := storage.NewThreads(db)
	return newInbox(threads, slog.New(slog.NewTextHandler(io.Discard, nil))), threads
}

func testPeer(t *testing.T) account.ID {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id, err := account.New(account.PrefixStandard, pub)
	require.NoError(t, err)

	return id
}

func received(peer account.ID, sentAt int64, body message.Body) receiver.Received {
	msg := message.New(body)
	msg.SentAt = sentAt
	msg.Sender = peer

	return receiver.Received{
		Thread:  receiver.Thread{Kind: receiver.ThreadContact, ID: peer.Hex()},
		Message: msg,
	}
}

func storedKeys(t *testing.T, threads *storage.Threads, tid int64) []string {
	t.Helper()

	var keys []string
	require.NoError(t, threads.Messages(tid, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))

	return keys
}

// =============================================================================
// Handler
// =============================================================================

func TestInboxCreatesThreadOnFirstMessage(t *testing.T) {
	box, threads := newTestInbox(t)
	peer := testPeer(t)
	ctx := context.Background()

	msg := received(peer, 100, &message.Visible{Text: "hi"})
	require.False(t, box.ThreadID(msg.Thread).IsSome())

	got, err := box.Handle(ctx, receiver.None[int64](), msg)
	require.NoError(t, err)

	tid, ok := got.Get()
	require.True(t, ok)
	require.Equal(t, got, box.ThreadID(msg.Thread))
	require.Len(t, storedKeys(t, threads, tid), 1)
}

func TestInboxSkipsControlAndAppliesUnsend(t *testing.T) {
	box, threads := newTestInbox(t)
	peer := testPeer(t)
	ctx := context.Background()

	typing, err := box.Handle(ctx, receiver.None[int64](), received(peer, 50, &message.Typing{Started: true}))
	require.NoError(t, err)
	require.False(t, typing.IsSome(), "control messages must not create threads")

	id, err := box.Handle(ctx, receiver.None[int64](), received(peer, 100, &message.Visible{Text: "one"}))
	require.NoError(t, err)
	_, err = box.Handle(ctx, id, received(peer, 200, &message.Visible{Text: "two"}))
	require.NoError(t, err)

	_, err = box.Handle(ctx, id, received(peer, 300, &message.Unsend{Author: peer, Timestamp: 100}))
	require.NoError(t, err)

	tid, _ := id.Get()
	keys := storedKeys(t, threads, tid)
	require.Len(t, keys, 1)
	require.Contains(t, keys[0], "00000000000000000200/")
}

func TestInboxDeletedCommunityMessages(t *testing.T) {
	box, threads := newTestInbox(t)
	ctx := context.Background()
	room := receiver.Thread{Kind: receiver.ThreadCommunity, ID: "https://og.example/lobby"}

	var id receiver.Option[int64]
	for _, sid := range []int64{7, 8} {
		msg := received(testPeer(t), sid*10, &message.Visible{Text: "x"})
		msg.Thread = room
		msg.Params.ServerID = sid

		var err error
		id, err = box.Handle(ctx, id, msg)
		require.NoError(t, err)
	}

	require.NoError(t, box.Deleted(ctx, room, []int64{7}))

	tid, _ := id.Get()
	require.Equal(t, []string{"00000000000000000008"}, storedKeys(t, threads, tid))
}

// =============================================================================
// Thread store
// =============================================================================

func TestInboxUnreadAccounting(t *testing.T) {
	box, threads := newTestInbox(t)

	tid, err := threads.CreateThread("contact", "05aa")
	require.NoError(t, err)

	require.NoError(t, box.UpdateThread(tid, receiver.ThreadUpdate{LastMessage: 100, Unread: 2}))
	require.NoError(t, box.UpdateThread(tid, receiver.ThreadUpdate{LastMessage: 50, Unread: 1}))

	unread, _ := threads.Field(tid, storage.ThreadUnread)
	last, _ := threads.Field(tid, storage.ThreadLastMessage)
	require.EqualValues(t, 3, unread)
	require.EqualValues(t, 100, last)

	require.NoError(t, box.MarkConversationRead(tid, 120))
	require.EqualValues(t, 120, box.LastSeen(tid))

	unread, _ = threads.Field(tid, storage.ThreadUnread)
	require.Zero(t, unread)

	// An older read marker does not move the thread back.
	require.NoError(t, box.MarkConversationRead(tid, 80))
	require.EqualValues(t, 120, box.LastSeen(tid))
}
