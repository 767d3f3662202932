package config

import (
	"encoding/hex"
	"strings"

	"SwarmSync/internal/account"
)

// PriorityHidden marks a conversation the user removed from the list.
const PriorityHidden = -1

// ===== UserProfile =====

const (
	profileName       = "n"
	profilePictureURL = "p"
	profilePictureKey = "q"
	profilePriority   = "+"
)

// Profile is a read view of the user profile.
type Profile struct{ obj *Object }

// Name returns the display name.
func (p Profile) Name() string {
	v, _ := p.obj.Get(profileName)
	return string(v)
}

// Picture returns the avatar location and its decryption key.
func (p Profile) Picture() (url string, key []byte) {
	u, _ := p.obj.Get(profilePictureURL)
	k, _ := p.obj.Get(profilePictureKey)

	return string(u), k
}

// NoteToSelfPriority returns the pin priority of the note-to-self thread.
func (p Profile) NoteToSelfPriority() int64 {
	v, ok := p.obj.Get(profilePriority)
	if !ok {
		return 0
	}

	return decodeRecord(v).int(1)
}

// MutableProfile is a write view of the user profile.
type MutableProfile struct{ Profile }

// SetName sets the display name.
func (p MutableProfile) SetName(name string) {
	p.setOrDelete(profileName, []byte(name))
}

// SetPicture sets the avatar; an empty url removes it.
func (p MutableProfile) SetPicture(url string, key []byte) {
	if url == "" {
		p.obj.Delete(profilePictureURL)
		p.obj.Delete(profilePictureKey)
		return
	}

	p.obj.Set(profilePictureURL, []byte(url))
	p.obj.Set(profilePictureKey, key)
}

// SetNoteToSelfPriority pins or unpins the note-to-self thread.
func (p MutableProfile) SetNoteToSelfPriority(priority int64) {
	p.setOrDelete(profilePriority, record{1: priority}.encode())
}

func (p MutableProfile) setOrDelete(key string, v []byte) {
	if len(v) == 0 {
		p.obj.Delete(key)
		return
	}

	p.obj.Set(key, v)
}

// ===== Contacts =====

const contactPrefix = "c/"

// Contact is one entry of the contact list.
type Contact struct {
	ID       account.ID
	Name     string
	Nickname string
	Approved bool
	Blocked  bool
	Priority int64
}

func (c Contact) encode() []byte {
	return record{1: c.Name, 2: c.Nickname, 3: c.Approved, 4: c.Blocked, 5: c.Priority}.encode()
}

func decodeContact(id account.ID, data []byte) Contact {
	f := decodeRecord(data)

	return Contact{
		ID:       id,
		Name:     f.str(1),
		Nickname: f.str(2),
		Approved: f.flag(3),
		Blocked:  f.flag(4),
		Priority: f.int(5),
	}
}

// Contacts is a read view of the contact list.
type Contacts struct{ obj *Object }

// Get returns the contact for id.
func (c Contacts) Get(id account.ID) (Contact, bool) {
	v, ok := c.obj.Get(contactPrefix + id.Hex())
	if !ok {
		return Contact{}, false
	}

	return decodeContact(id, v), true
}

// All returns every contact ordered by id.
func (c Contacts) All() []Contact {
	var out []Contact

	for _, k := range c.obj.Keys(contactPrefix) {
		id, err := account.Parse(strings.TrimPrefix(k, contactPrefix))
		if err != nil {
			continue
		}
		if v, ok := c.obj.Get(k); ok {
			out = append(out, decodeContact(id, v))
		}
	}

	return out
}

// MutableContacts is a write view of the contact list.
type MutableContacts struct{ Contacts }

// Set creates or replaces a contact.
func (c MutableContacts) Set(contact Contact) {
	c.obj.Set(contactPrefix+contact.ID.Hex(), contact.encode())
}

// Erase removes a contact.
func (c MutableContacts) Erase(id account.ID) {
	c.obj.Delete(contactPrefix + id.Hex())
}

// ===== ConvoInfoVolatile =====

// Convo is the volatile state of one conversation.
type Convo struct {
	Key          string // Key is built by OneToOneConvo, GroupConvo or CommunityConvo
	LastRead     int64  // LastRead is the timestamp in milliseconds of the last read message
	MarkedUnread bool
}

// OneToOneConvo returns the conversation key of a contact.
func OneToOneConvo(id account.ID) string { return "1/" + id.Hex() }

// GroupConvo returns the conversation key of a closed group.
func GroupConvo(id account.ID) string { return "g/" + id.Hex() }

// CommunityConvo returns the conversation key of a community room.
func CommunityConvo(baseURL, room string) string {
	return "o/" + strings.ToLower(strings.TrimRight(baseURL, "/")) + "|" + strings.ToLower(room)
}

// ConvoInfoVolatile is a read view of per-conversation read state.
type ConvoInfoVolatile struct{ obj *Object }

// Get returns the state of the conversation with key.
func (c ConvoInfoVolatile) Get(key string) (Convo, bool) {
	v, ok := c.obj.Get(key)
	if !ok {
		return Convo{}, false
	}

	f := decodeRecord(v)

	return Convo{Key: key, LastRead: f.int(1), MarkedUnread: f.flag(2)}, true
}

// All returns every tracked conversation ordered by key.
func (c ConvoInfoVolatile) All() []Convo {
	var out []Convo

	for _, k := range c.obj.Keys("") {
		if convo, ok := c.Get(k); ok {
			out = append(out, convo)
		}
	}

	return out
}

// MutableConvoInfoVolatile is a write view of per-conversation read state.
type MutableConvoInfoVolatile struct{ ConvoInfoVolatile }

// Set stores the state of a conversation. LastRead never moves backwards.
func (c MutableConvoInfoVolatile) Set(convo Convo) {
	if cur, ok := c.Get(convo.Key); ok && cur.LastRead > convo.LastRead {
		convo.LastRead = cur.LastRead
	}

	c.obj.Set(convo.Key, record{1: convo.LastRead, 2: convo.MarkedUnread}.encode())
}

// Erase forgets a conversation.
func (c MutableConvoInfoVolatile) Erase(key string) {
	c.obj.Delete(key)
}

// ===== UserGroups =====

const (
	groupPrefix     = "g/"
	communityPrefix = "c/"
	legacyPrefix    = "l/"
)

// GroupEntry is a closed group the user belongs to.
type GroupEntry struct {
	ID        account.ID
	Name      string
	AdminKey  []byte // AdminKey is the group's ed25519 private key, held by admins only
	AuthToken []byte // AuthToken is the admin-issued sub-account token of members
	AuthSig   []byte
	Invited   bool
	Kicked    bool
	Destroyed bool
	Priority  int64
}

// IsAdmin reports whether the admin key is held.
func (g GroupEntry) IsAdmin() bool { return len(g.AdminKey) > 0 }

// Active reports whether the group should be polled.
func (g GroupEntry) Active() bool { return !g.Invited && !g.Kicked && !g.Destroyed }

// Community is a joined open group room.
type Community struct {
	BaseURL  string
	Room     string
	PubKey   string // PubKey is the hex server x25519 key
	Priority int64
}

// LegacyGroup is a legacy closed group with a shared encryption key pair.
type LegacyGroup struct {
	ID         account.ID
	Name       string
	Members    []account.ID
	Admins     []account.ID
	KeyPublic  []byte
	KeyPrivate []byte
}

// UserGroups is a read view of the groups and communities list.
type UserGroups struct{ obj *Object }

// Group returns the closed group id.
func (u UserGroups) Group(id account.ID) (GroupEntry, bool) {
	v, ok := u.obj.Get(groupPrefix + id.Hex())
	if !ok {
		return GroupEntry{}, false
	}

	f := decodeRecord(v)

	return GroupEntry{
		ID:        id,
		Name:      f.str(1),
		AdminKey:  f.bytes(2),
		AuthToken: f.bytes(3),
		AuthSig:   f.bytes(4),
		Invited:   f.flag(5),
		Kicked:    f.flag(6),
		Destroyed: f.flag(7),
		Priority:  f.int(8),
	}, true
}

// Groups returns every closed group ordered by id.
func (u UserGroups) Groups() []GroupEntry {
	var out []GroupEntry

	for _, k := range u.obj.Keys(groupPrefix) {
		id, err := account.Parse(strings.TrimPrefix(k, groupPrefix))
		if err != nil {
			continue
		}
		if g, ok := u.Group(id); ok {
			out = append(out, g)
		}
	}

	return out
}

// Communities returns every joined room ordered by key.
func (u UserGroups) Communities() []Community {
	var out []Community

	for _, k := range u.obj.Keys(communityPrefix) {
		v, ok := u.obj.Get(k)
		if !ok {
			continue
		}

		f := decodeRecord(v)
		out = append(out, Community{BaseURL: f.str(1), Room: f.str(2), PubKey: f.str(3), Priority: f.int(4)})
	}

	return out
}

// LegacyGroups returns every legacy group ordered by id.
func (u UserGroups) LegacyGroups() []LegacyGroup {
	var out []LegacyGroup

	for _, k := range u.obj.Keys(legacyPrefix) {
		id, err := account.Parse(strings.TrimPrefix(k, legacyPrefix))
		if err != nil {
			continue
		}
		if g, ok := u.LegacyGroup(id); ok {
			out = append(out, g)
		}
	}

	return out
}

// LegacyGroup returns the legacy group id.
func (u UserGroups) LegacyGroup(id account.ID) (LegacyGroup, bool) {
	v, ok := u.obj.Get(legacyPrefix + id.Hex())
	if !ok {
		return LegacyGroup{}, false
	}

	f := decodeRecord(v)

	return LegacyGroup{
		ID:         id,
		Name:       f.str(1),
		Members:    parseIDs(f.list(2)),
		Admins:     parseIDs(f.list(3)),
		KeyPublic:  f.bytes(4),
		KeyPrivate: f.bytes(5),
	}, true
}

// MutableUserGroups is a write view of the groups and communities list.
type MutableUserGroups struct{ UserGroups }

// SetGroup creates or replaces a closed group entry.
func (u MutableUserGroups) SetGroup(g GroupEntry) {
	u.obj.Set(groupPrefix+g.ID.Hex(), record{
		1: g.Name, 2: g.AdminKey, 3: g.AuthToken, 4: g.AuthSig,
		5: g.Invited, 6: g.Kicked, 7: g.Destroyed, 8: g.Priority,
	}.encode())
}

// EraseGroup removes a closed group entry.
func (u MutableUserGroups) EraseGroup(id account.ID) {
	u.obj.Delete(groupPrefix + id.Hex())
}

// SetCommunity creates or replaces a room entry.
func (u MutableUserGroups) SetCommunity(c Community) {
	u.obj.Set(communityKey(c.BaseURL, c.Room), record{1: c.BaseURL, 2: c.Room, 3: c.PubKey, 4: c.Priority}.encode())
}

// EraseCommunity removes a room entry.
func (u MutableUserGroups) EraseCommunity(baseURL, room string) {
	u.obj.Delete(communityKey(baseURL, room))
}

// SetLegacyGroup creates or replaces a legacy group entry.
func (u MutableUserGroups) SetLegacyGroup(g LegacyGroup) {
	u.obj.Set(legacyPrefix+g.ID.Hex(), record{
		1: g.Name, 2: idBytes(g.Members), 3: idBytes(g.Admins), 4: g.KeyPublic, 5: g.KeyPrivate,
	}.encode())
}

// EraseLegacyGroup removes a legacy group entry.
func (u MutableUserGroups) EraseLegacyGroup(id account.ID) {
	u.obj.Delete(legacyPrefix + id.Hex())
}

func communityKey(baseURL, room string) string {
	return communityPrefix + strings.ToLower(strings.TrimRight(baseURL, "/")) + "|" + strings.ToLower(room)
}

func idBytes(ids []account.ID) [][]byte {
	out := make([][]byte, len(ids))
	for i := range ids {
		out[i] = append([]byte(nil), ids[i][:]...)
	}

	return out
}

func parseIDs(raw [][]byte) []account.ID {
	out := make([]account.ID, 0, len(raw))

	for _, r := range raw {
		var id account.ID
		if len(r) == len(id) {
			copy(id[:], r)
			out = append(out, id)
		}
	}

	return out
}

// shortHex abbreviates a key for logs.
func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 16 {
		return s[:16]
	}

	return s
}
