package receiver

import (
	"context"
	"strconv"

	"SwarmSync/internal/account"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/swarm"
)

// ThreadKind is the kind of conversation a message belongs to.
type ThreadKind uint8

const (
	ThreadContact ThreadKind = iota + 1
	ThreadClosedGroup
	ThreadLegacyGroup
	ThreadCommunity
	ThreadCommunityInbox
)

var threadKindNames = map[ThreadKind]string{
	ThreadContact:        "contact",
	ThreadClosedGroup:    "closed_group",
	ThreadLegacyGroup:    "legacy_group",
	ThreadCommunity:      "community",
	ThreadCommunityInbox: "community_inbox",
}

func (k ThreadKind) String() string {
	if s, ok := threadKindNames[k]; ok {
		return s
	}

	return "thread(" + strconv.Itoa(int(k)) + ")"
}

// Thread identifies a conversation. ID is the hex account or group id,
// or "baseURL/room" and "baseURL/peer" for communities.
type Thread struct {
	Kind ThreadKind
	ID   string
}

func (t Thread) String() string { return t.Kind.String() + ":" + t.ID }

// Room locates a community room message.
type Room struct {
	Server    opengroup.Server
	Name      string
	Sender    string // Sender is the session id the server reports
	Signature []byte
}

// Inbox locates a community direct message.
type Inbox struct {
	Server     opengroup.Server
	Peer       account.ID // Peer is the other side of the conversation
	FromOutbox bool
}

// Parameters is one received item before parsing.
type Parameters struct {
	Owner           account.ID      // Owner is the swarm the item was read from, zero for communities
	Namespace       swarm.Namespace // Namespace is the swarm namespace
	Hash            string          // Hash is the swarm hash
	Data            []byte          // Data is the stored payload; decrypted content for inbox items
	ServerTimestamp int64           // ServerTimestamp is the store or post time in milliseconds
	ServerID        int64           // ServerID is the community message id
	Room            Option[Room]
	Inbox           Option[Inbox]
}

// key returns the dedup key of p.
func (p Parameters) key() Key {
	if room, ok := p.Room.Get(); ok {
		return Key{Account: "room:" + room.Server.BaseURL + "/" + room.Name, Hash: strconv.FormatInt(p.ServerID, 10)}
	}

	if inbox, ok := p.Inbox.Get(); ok {
		ns := 0
		if inbox.FromOutbox {
			ns = 1
		}
		return Key{Account: "inbox:" + inbox.Server.BaseURL, Namespace: ns, Hash: strconv.FormatInt(p.ServerID, 10)}
	}

	return Key{Account: p.Owner.Hex(), Namespace: int(p.Namespace), Hash: p.Hash}
}

// order is the server order of p within its stream.
func (p Parameters) order() int64 {
	if p.Room.IsSome() || p.Inbox.IsSome() {
		return p.ServerID
	}

	return p.ServerTimestamp
}

// Received is a parsed message ready for its thread.
type Received struct {
	Params   Parameters
	Thread   Thread
	Message  *message.Message
	Outgoing bool // Outgoing is set for messages the local account sent
}

// ThreadUpdate is applied to a thread once a batch was handled.
type ThreadUpdate struct {
	LastMessage int64 // LastMessage is the newest sent time handled
	Unread      int   // Unread is the number of new unread messages
}

// ThreadStore resolves and updates conversations.
type ThreadStore interface {
	// ThreadID returns the local id of t if it exists.
	ThreadID(t Thread) Option[int64]

	// LastSeen returns the sent time up to which thread id was read.
	LastSeen(id int64) int64

	MarkConversationRead(id int64, upTo int64) error
	UpdateThread(id int64, u ThreadUpdate) error
}

// Handler applies messages to the application.
type Handler interface {
	// Handle applies msg to thread, which is absent when the thread does
	// not exist yet. It returns the thread the message landed in.
	Handle(ctx context.Context, thread Option[int64], msg Received) (Option[int64], error)

	// Revoked receives the payload of a revoked-members notice of a group.
	Revoked(ctx context.Context, group account.ID, data []byte) error

	// Deleted reports community messages removed by the server.
	Deleted(ctx context.Context, t Thread, serverIDs []int64) error

	// RoomInfo reports updated room details.
	RoomInfo(server opengroup.Server, room string, info opengroup.RoomPollInfo)
}
