package main

import (
	"context"
	"fmt"
	"log/slog"

	"SwarmSync/internal/account"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/receiver"
	"SwarmSync/internal/storage"
)

// inbox persists received conversations. It implements
// receiver.ThreadStore and receiver.Handler.
type inbox struct {
	threads *storage.Threads
	log     *slog.Logger
}

var (
	_ receiver.ThreadStore = (*inbox)(nil)
	_ receiver.Handler     = (*inbox)(nil)
)

func newInbox(threads *storage.Threads, log *slog.Logger) *inbox {
	return &inbox{threads: threads, log: log.With("component", "inbox")}
}

// messageKey orders stored messages: by server id in communities,
// by sent time and author elsewhere.
func messageKey(r receiver.Received) string {
	if r.Params.ServerID > 0 {
		return fmt.Sprintf("%020d", r.Params.ServerID)
	}

	return fmt.Sprintf("%020d/%s", r.Message.SentAt, r.Message.Sender.Hex())
}

func (b *inbox) ThreadID(t receiver.Thread) receiver.Option[int64] {
	tid, ok, err := b.threads.ThreadID(t.Kind.String(), t.ID)
	if err != nil {
		b.log.Warn("thread lookup failed", "thread", t, "error", err)
		return receiver.None[int64]()
	}
	if !ok {
		return receiver.None[int64]()
	}

	return receiver.Some(tid)
}

func (b *inbox) LastSeen(id int64) int64 {
	v, err := b.threads.Field(id, storage.ThreadLastSeen)
	if err != nil {
		b.log.Warn("read last seen failed", "thread", id, "error", err)
	}

	return v
}

func (b *inbox) MarkConversationRead(id int64, upTo int64) error {
	seen, err := b.threads.Field(id, storage.ThreadLastSeen)
	if err != nil {
		return err
	}
	if upTo <= seen {
		return nil
	}

	if err := b.threads.SetField(id, storage.ThreadLastSeen, upTo); err != nil {
		return err
	}

	return b.threads.SetField(id, storage.ThreadUnread, 0)
}

func (b *inbox) UpdateThread(id int64, u receiver.ThreadUpdate) error {
	last, err := b.threads.Field(id, storage.ThreadLastMessage)
	if err != nil {
		return err
	}
	if u.LastMessage > last {
		if err := b.threads.SetField(id, storage.ThreadLastMessage, u.LastMessage); err != nil {
			return err
		}
	}

	if u.Unread == 0 {
		return nil
	}

	unread, err := b.threads.Field(id, storage.ThreadUnread)
	if err != nil {
		return err
	}

	return b.threads.SetField(id, storage.ThreadUnread, unread+int64(u.Unread))
}

// Handle stores content messages and applies unsends. Other control
// messages only touch the thread.
func (b *inbox) Handle(_ context.Context, thread receiver.Option[int64], r receiver.Received) (receiver.Option[int64], error) {
	if u, ok := r.Message.Body.(*message.Unsend); ok {
		tid, exists := thread.Get()
		if !exists {
			return thread, nil
		}
		key := fmt.Sprintf("%020d/%s", u.Timestamp, u.Author.Hex())
		return thread, b.threads.DeleteMessage(tid, key)
	}

	if r.Message.IsControl() {
		return thread, nil
	}

	tid, ok := thread.Get()
	if !ok {
		var err error
		if tid, err = b.threads.CreateThread(r.Thread.Kind.String(), r.Thread.ID); err != nil {
			return thread, err
		}
		b.log.Debug("thread created", "thread", r.Thread, "id", tid)
	}

	content, err := message.EncodeContent(r.Message)
	if err != nil {
		return thread, fmt.Errorf("encode %s:\n%w", r.Message.Kind(), err)
	}

	if err := b.threads.PutMessage(tid, messageKey(r), content); err != nil {
		return thread, err
	}

	return receiver.Some(tid), nil
}

func (b *inbox) Revoked(_ context.Context, group account.ID, data []byte) error {
	b.log.Warn("group revoked members", "group", group, "size", len(data))
	return nil
}

func (b *inbox) Deleted(_ context.Context, t receiver.Thread, serverIDs []int64) error {
	tid, ok, err := b.threads.ThreadID(t.Kind.String(), t.ID)
	if err != nil || !ok {
		return err
	}

	for _, id := range serverIDs {
		if err := b.threads.DeleteMessage(tid, fmt.Sprintf("%020d", id)); err != nil {
			return fmt.Errorf("delete %s/%d:\n%w", t, id, err)
		}
	}

	return nil
}

func (b *inbox) RoomInfo(server opengroup.Server, room string, info opengroup.RoomPollInfo) {
	b.log.Debug("room info", "server", server.BaseURL, "room", room, "active", info.ActiveUsers)
}
