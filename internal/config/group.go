package config

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"SwarmSync/internal/account"
	"SwarmSync/internal/crypt"
)

// ===== GroupInfo =====

const (
	infoName        = "n"
	infoDescription = "d"
	infoExpiry      = "e"
	infoDestroyed   = "D"
	infoCreated     = "c"
)

// GroupInfo is a read view of the shared group metadata.
type GroupInfo struct{ obj *Object }

// Name returns the group name.
func (g GroupInfo) Name() string {
	v, _ := g.obj.Get(infoName)
	return string(v)
}

// Description returns the group description.
func (g GroupInfo) Description() string {
	v, _ := g.obj.Get(infoDescription)
	return string(v)
}

// ExpiryTimer returns the disappearing messages timer in seconds.
func (g GroupInfo) ExpiryTimer() int64 { return g.intValue(infoExpiry) }

// Created returns the creation time in seconds.
func (g GroupInfo) Created() int64 { return g.intValue(infoCreated) }

// Destroyed reports whether the admin destroyed the group.
func (g GroupInfo) Destroyed() bool {
	_, ok := g.obj.Get(infoDestroyed)
	return ok
}

func (g GroupInfo) intValue(key string) int64 {
	v, ok := g.obj.Get(key)
	if !ok {
		return 0
	}

	return decodeRecord(v).int(1)
}

// MutableGroupInfo is a write view of the shared group metadata.
type MutableGroupInfo struct{ GroupInfo }

// SetName sets the group name.
func (g MutableGroupInfo) SetName(name string) { g.obj.Set(infoName, []byte(name)) }

// SetDescription sets the group description.
func (g MutableGroupInfo) SetDescription(d string) {
	if d == "" {
		g.obj.Delete(infoDescription)
		return
	}

	g.obj.Set(infoDescription, []byte(d))
}

// SetExpiryTimer sets the disappearing messages timer in seconds.
func (g MutableGroupInfo) SetExpiryTimer(seconds int64) {
	g.obj.Set(infoExpiry, record{1: seconds}.encode())
}

// SetCreated records the creation time in seconds.
func (g MutableGroupInfo) SetCreated(ts int64) {
	g.obj.Set(infoCreated, record{1: ts}.encode())
}

// Destroy marks the group destroyed.
func (g MutableGroupInfo) Destroy() { g.obj.Set(infoDestroyed, []byte{1}) }

// ===== GroupMembers =====

const memberPrefix = "m/"

// InviteStatus tracks a pending invitation.
type InviteStatus int64

const (
	InviteNone InviteStatus = iota
	InviteSent
	InviteFailed
)

// Member is one entry of the member list.
type Member struct {
	ID     account.ID
	Name   string
	Admin  bool
	Invite InviteStatus
}

// GroupMembers is a read view of the member list.
type GroupMembers struct{ obj *Object }

// Get returns the member id.
func (g GroupMembers) Get(id account.ID) (Member, bool) {
	v, ok := g.obj.Get(memberPrefix + id.Hex())
	if !ok {
		return Member{}, false
	}

	f := decodeRecord(v)

	return Member{ID: id, Name: f.str(1), Admin: f.flag(2), Invite: InviteStatus(f.int(3))}, true
}

// All returns every member ordered by id.
func (g GroupMembers) All() []Member {
	var out []Member

	for _, k := range g.obj.Keys(memberPrefix) {
		id, err := account.Parse(strings.TrimPrefix(k, memberPrefix))
		if err != nil {
			continue
		}
		if m, ok := g.Get(id); ok {
			out = append(out, m)
		}
	}

	return out
}

// MutableGroupMembers is a write view of the member list.
type MutableGroupMembers struct{ GroupMembers }

// Set creates or replaces a member.
func (g MutableGroupMembers) Set(m Member) {
	g.obj.Set(memberPrefix+m.ID.Hex(), record{1: m.Name, 2: m.Admin, 3: int64(m.Invite)}.encode())
}

// Erase removes a member.
func (g MutableGroupMembers) Erase(id account.ID) {
	g.obj.Delete(memberPrefix + id.Hex())
}

// ===== GroupKeys =====

// GroupKeys holds the generations of the group encryption key, each
// sealed to every member's x25519 key. Entries are "generation/member".
type GroupKeys struct {
	obj   *Object
	cache *keyCache
	self  *account.Keys
}

// keyCache holds generation keys already unsealed. Readers share it, so
// it carries its own lock.
type keyCache struct {
	mu   sync.Mutex
	keys map[int][]byte
}

func newKeyCache() *keyCache {
	return &keyCache{keys: make(map[int][]byte)}
}

func keyEntry(gen int, member []byte) string {
	return fmt.Sprintf("%08d/%x", gen, member)
}

// Generation returns the newest generation, or -1 without keys.
func (g GroupKeys) Generation() int {
	gen := -1

	for _, k := range g.obj.Keys("") {
		n, err := strconv.Atoi(strings.SplitN(k, "/", 2)[0])
		if err == nil && n > gen {
			gen = n
		}
	}

	return gen
}

// Keys returns the group keys readable by the local account, newest
// generation first.
func (g GroupKeys) Keys() [][]byte {
	suffix := fmt.Sprintf("/%x", g.self.X25519Public()[:])

	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()

	var gens []int
	for _, k := range g.obj.Keys("") {
		if !strings.HasSuffix(k, suffix) {
			continue
		}

		gen, err := strconv.Atoi(strings.TrimSuffix(k, suffix))
		if err != nil {
			continue
		}

		if _, ok := g.cache.keys[gen]; !ok {
			sealed, _ := g.obj.Get(k)
			key, ok := box.OpenAnonymous(nil, sealed, g.self.X25519Public(), g.self.X25519Private())
			if !ok || len(key) != crypt.KeySize {
				continue
			}
			g.cache.keys[gen] = key
		}

		gens = append(gens, gen)
	}

	sort.Sort(sort.Reverse(sort.IntSlice(gens)))

	out := make([][]byte, len(gens))
	for i, gen := range gens {
		out[i] = g.cache.keys[gen]
	}

	return out
}

// CurrentKey returns the newest readable key.
func (g GroupKeys) CurrentKey() ([]byte, bool) {
	keys := g.Keys()
	if len(keys) == 0 {
		return nil, false
	}

	return keys[0], true
}

// MutableGroupKeys is a write view of the group keys, held by admins.
type MutableGroupKeys struct{ GroupKeys }

// Rekey creates a new generation sealed to each recipient x25519 key
// and to the local account, and returns the new generation.
func (g MutableGroupKeys) Rekey(recipients [][32]byte) (int, error) {
	key := make([]byte, crypt.KeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, fmt.Errorf("generate group key:\n%w", err)
	}

	gen := g.Generation() + 1
	all := append([][32]byte{*g.self.X25519Public()}, recipients...)

	seen := make(map[[32]byte]bool, len(all))
	for _, r := range all {
		if seen[r] {
			continue
		}
		seen[r] = true

		sealed, err := box.SealAnonymous(nil, key, &r, rand.Reader)
		if err != nil {
			return 0, fmt.Errorf("seal group key:\n%w", err)
		}

		g.obj.Set(keyEntry(gen, r[:]), sealed)
	}

	g.cache.mu.Lock()
	g.cache.keys[gen] = key
	g.cache.mu.Unlock()

	return gen, nil
}
