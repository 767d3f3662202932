// Package message defines the messages exchanged between accounts and
// their protobuf wire form.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"SwarmSync/internal/account"
)

var (
	// ErrMalformed is returned when wire data cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrEmpty is returned for a message without a body.
	ErrEmpty = errors.New("message has no body")
)

const (
	// DefaultTTL is the storage lifetime of ordinary messages.
	DefaultTTL = 14 * 24 * time.Hour

	// TypingTTL is the storage lifetime of typing indicators.
	TypingTTL = 20 * time.Second
)

// Kind identifies the body carried by a Message.
type Kind uint8

const (
	KindVisible Kind = iota + 1
	KindReadReceipt
	KindTyping
	KindUnsend
	KindExpirationTimerUpdate
	KindGroupUpdate
)

var kindNames = map[Kind]string{
	KindVisible:               "visible",
	KindReadReceipt:           "read_receipt",
	KindTyping:                "typing",
	KindUnsend:                "unsend",
	KindExpirationTimerUpdate: "expiration_timer_update",
	KindGroupUpdate:           "group_update",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", k)
}

// Body is one of the message bodies below.
type Body interface {
	Kind() Kind
	validate() error
}

// Message is a message with its sending metadata.
type Message struct {
	ID         uuid.UUID  // ID correlates a local send; never sent on the wire
	SentAt     int64      // SentAt is the sender timestamp in milliseconds
	Sender     account.ID // Sender is set by the send router or recovered on decrypt
	SyncTarget string     // SyncTarget is the hex id of the conversation a sync echo belongs to
	ExpiresIn  time.Duration
	Hash       string // Hash is the server hash, set once stored or retrieved
	Body       Body
}

// New returns a message with a fresh correlation id.
func New(body Body) *Message {
	return &Message{ID: uuid.New(), Body: body}
}

// Kind returns the kind of the body, or 0 without one.
func (m *Message) Kind() Kind {
	if m.Body == nil {
		return 0
	}

	return m.Body.Kind()
}

// IsSyncEcho reports whether m is a copy sent to the own swarm.
func (m *Message) IsSyncEcho() bool { return m.SyncTarget != "" }

// IsControl reports whether m is a control message rather than content.
func (m *Message) IsControl() bool {
	switch m.Kind() {
	case KindUnsend, KindReadReceipt, KindTyping, KindGroupUpdate:
		return true
	}

	return false
}

// TTL returns the storage lifetime of m.
func (m *Message) TTL() time.Duration {
	if m.ExpiresIn > 0 {
		return m.ExpiresIn
	}

	if m.Kind() == KindTyping {
		return TypingTTL
	}

	if v, ok := m.Body.(*Visible); ok && v.ExpireTimer > 0 {
		return time.Duration(v.ExpireTimer) * time.Second
	}

	return DefaultTTL
}

// Validate checks the message is sendable.
func (m *Message) Validate() error {
	if m.Body == nil {
		return ErrEmpty
	}
	if m.SentAt <= 0 {
		return fmt.Errorf("%s: missing timestamp", m.Kind())
	}

	return m.Body.validate()
}

// Visible is a user-visible chat message.
type Visible struct {
	Text        string
	ProfileName string
	ExpireTimer uint32 // ExpireTimer is the disappearing timer in seconds
}

func (*Visible) Kind() Kind { return KindVisible }

func (v *Visible) validate() error {
	if v.Text == "" {
		return fmt.Errorf("visible message without text")
	}

	return nil
}

// ReadReceipt acknowledges messages by their sent timestamps.
type ReadReceipt struct {
	Timestamps []int64
}

func (*ReadReceipt) Kind() Kind { return KindReadReceipt }

func (r *ReadReceipt) validate() error {
	if len(r.Timestamps) == 0 {
		return fmt.Errorf("read receipt without timestamps")
	}

	return nil
}

// Typing signals typing started or stopped.
type Typing struct {
	Started bool
}

func (*Typing) Kind() Kind      { return KindTyping }
func (*Typing) validate() error { return nil }

// Unsend asks recipients to delete a previously sent message.
type Unsend struct {
	Author    account.ID
	Timestamp int64
}

func (*Unsend) Kind() Kind { return KindUnsend }

func (u *Unsend) validate() error {
	if u.Author.IsZero() || u.Timestamp <= 0 {
		return fmt.Errorf("unsend requires author and timestamp")
	}

	return nil
}

// ExpirationTimerUpdate changes the disappearing timer of a conversation.
type ExpirationTimerUpdate struct {
	Seconds uint32
}

func (*ExpirationTimerUpdate) Kind() Kind      { return KindExpirationTimerUpdate }
func (*ExpirationTimerUpdate) validate() error { return nil }

// GroupUpdateType is the action of a legacy group control message.
type GroupUpdateType uint8

const (
	GroupNew GroupUpdateType = iota + 1
	GroupEncryptionKeyPair
	GroupNameChange
	GroupMembersAdded
	GroupMembersRemoved
	GroupMemberLeft
)

// ErrInvalidGroupUpdate is returned by a group update missing required fields.
var ErrInvalidGroupUpdate = errors.New("invalid group update")

// GroupUpdate is a legacy closed group control message.
type GroupUpdate struct {
	Type       GroupUpdateType
	GroupKey   []byte // GroupKey is the group public key, set for GroupNew
	Name       string
	Members    []account.ID
	Admins     []account.ID
	KeyPublic  []byte // KeyPublic and KeyPrivate carry a new encryption key pair
	KeyPrivate []byte
}

func (*GroupUpdate) Kind() Kind { return KindGroupUpdate }

func (g *GroupUpdate) validate() error {
	switch g.Type {
	case GroupNew:
		if len(g.GroupKey) == 0 || g.Name == "" || len(g.Members) == 0 || len(g.Admins) == 0 ||
			len(g.KeyPublic) != 32 || len(g.KeyPrivate) != 32 {
			return fmt.Errorf("%w: new group requires key, name, members, admins and key pair", ErrInvalidGroupUpdate)
		}
	case GroupEncryptionKeyPair:
		if len(g.KeyPublic) != 32 || len(g.KeyPrivate) != 32 {
			return fmt.Errorf("%w: key pair must be 32+32 bytes", ErrInvalidGroupUpdate)
		}
	case GroupNameChange:
		if g.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidGroupUpdate)
		}
	case GroupMembersAdded, GroupMembersRemoved:
		if len(g.Members) == 0 {
			return fmt.Errorf("%w: no members", ErrInvalidGroupUpdate)
		}
	case GroupMemberLeft:
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidGroupUpdate, g.Type)
	}

	return nil
}
