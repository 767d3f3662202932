package sender

import (
	"SwarmSync/internal/account"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/swarm"
)

// Destination is where a message is sent. It is one of Contact,
// ClosedGroup, LegacyClosedGroup, OpenGroupRoom or OpenGroupInbox.
type Destination interface {
	String() string
	destination()
}

// Contact is a one-to-one conversation, including the own account.
type Contact struct {
	ID account.ID
}

// ClosedGroup is a group with its own swarm and config objects.
type ClosedGroup struct {
	ID account.ID
}

// LegacyClosedGroup is a group sharing one x25519 key pair among members.
type LegacyClosedGroup struct {
	ID account.ID
}

// OpenGroupRoom is a room of a community server.
type OpenGroupRoom struct {
	Server opengroup.Server
	Room   string
}

// OpenGroupInbox is the blinded inbox of a community user.
type OpenGroupInbox struct {
	Server    opengroup.Server
	Recipient account.ID
}

func (Contact) destination()           {}
func (ClosedGroup) destination()       {}
func (LegacyClosedGroup) destination() {}
func (OpenGroupRoom) destination()     {}
func (OpenGroupInbox) destination()    {}

func (Contact) String() string           { return "contact" }
func (ClosedGroup) String() string       { return "closed_group" }
func (LegacyClosedGroup) String() string { return "legacy_closed_group" }
func (OpenGroupRoom) String() string     { return "open_group" }
func (OpenGroupInbox) String() string    { return "open_group_inbox" }

// namespaces returns the swarm namespaces a message to dest is stored in.
// Legacy groups are written to both their own and the default namespace
// so clients polling either receive it.
func namespaces(dest Destination) []swarm.Namespace {
	switch dest.(type) {
	case ClosedGroup:
		return []swarm.Namespace{swarm.NamespaceGroupMessages}
	case LegacyClosedGroup:
		return []swarm.Namespace{swarm.NamespaceLegacyClosedGroup, swarm.NamespaceDefault}
	}

	return []swarm.Namespace{swarm.NamespaceDefault}
}

// recipient returns the swarm owner of a swarm destination.
func recipient(dest Destination) (account.ID, bool) {
	switch d := dest.(type) {
	case Contact:
		return d.ID, true
	case ClosedGroup:
		return d.ID, true
	case LegacyClosedGroup:
		return d.ID, true
	}

	return account.ID{}, false
}
