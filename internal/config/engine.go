package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"SwarmSync/internal/account"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/swarm"
)

// bufferWindow is how far behind the last applied change a change may be
// and still be performed.
const bufferWindow = 2 * time.Minute

var (
	// ErrUnknownGroup is returned for a group the engine does not track.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrNotAdmin is returned when a group write needs the admin key.
	ErrNotAdmin = errors.New("not a group admin")

	// ErrWrongKind is returned when a kind is used with the wrong owner.
	ErrWrongKind = errors.New("config kind does not belong to owner")
)

// DumpStore persists object dumps. storage.State implements it.
type DumpStore interface {
	SaveDump(kind, owner string, timestamp int64, data []byte) error
	LoadDump(kind, owner string) ([]byte, int64, bool, error)
	DeleteDumps(owner string, kinds ...string) error
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Keys   *account.Keys // Keys is the local account; required
	Store  DumpStore     // Store may be nil to keep state in memory only
	Logger *slog.Logger
	Now    func() time.Time
}

// owner is the state guarded by one lock: the user or one group.
type owner struct {
	mu          sync.RWMutex
	id          account.ID
	objects     map[Kind]*Object
	lastApplied map[Kind]int64 // lastApplied is the newest merged message timestamp per kind

	admin    ed25519.PrivateKey // admin is the group signing key, nil for members and users
	keyCache *keyCache
}

func (o *owner) mutationCounts() map[Kind]uint64 {
	out := make(map[Kind]uint64, len(o.objects))
	for k, obj := range o.objects {
		out[k] = obj.mutationCount()
	}

	return out
}

func (o *owner) changedSince(before map[Kind]uint64) []Kind {
	var out []Kind
	for k, obj := range o.objects {
		if obj.mutationCount() != before[k] {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Engine owns the config objects of the local account and of its groups.
// Each owner is guarded by its own RWMutex; readers and writers reach the
// objects only through the guard types handed to their callbacks.
type Engine struct {
	keys   *account.Keys
	store  DumpStore
	log    *slog.Logger
	now    func() time.Time
	notify *dispatcher

	user *owner

	groupsMu sync.RWMutex
	groups   map[account.ID]*owner
}

// NewEngine creates an engine and restores the user objects from their dumps.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Keys == nil {
		return nil, swarm.ErrNotAuthenticated
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		keys:   cfg.Keys,
		store:  cfg.Store,
		log:    log,
		now:    now,
		notify: newDispatcher(),
		groups: make(map[account.ID]*owner),
	}

	user, err := e.loadOwner(cfg.Keys.ID(), hex.EncodeToString(cfg.Keys.Ed25519Public()), UserKinds)
	if err != nil {
		e.notify.close()
		return nil, err
	}
	e.user = user

	return e, nil
}

// Close stops notification delivery.
func (e *Engine) Close() {
	e.notify.close()
}

// Subscribe registers l for change notifications.
func (e *Engine) Subscribe(l Listener) {
	e.notify.subscribe(l)
}

// loadOwner creates the objects of kinds for id, seeded from dumps.
func (e *Engine) loadOwner(id account.ID, author string, kinds []Kind) (*owner, error) {
	o := &owner{
		id:          id,
		objects:     make(map[Kind]*Object, len(kinds)),
		lastApplied: make(map[Kind]int64, len(kinds)),
		keyCache:    newKeyCache(),
	}

	for _, k := range kinds {
		obj := NewObject(author)

		if e.store != nil {
			data, _, ok, err := e.store.LoadDump(k.String(), id.Hex())
			if err != nil {
				return nil, fmt.Errorf("load %s dump of %s:\n%w", k, id, err)
			}
			if ok {
				if obj, err = LoadObject(author, data); err != nil {
					return nil, err
				}
				e.log.Debug("config restored", "kind", k, "owner", id, "seqno", obj.SeqNo())
			}
		}

		o.objects[k] = obj
	}

	return o, nil
}

// dumpLocked persists every object of o that changed since its last dump.
func (e *Engine) dumpLocked(o *owner) {
	for _, k := range sortedKinds(o.objects) {
		obj := o.objects[k]
		if !obj.NeedsDump() {
			continue
		}

		data := obj.Dump()
		if e.store == nil {
			continue
		}

		if err := e.store.SaveDump(k.String(), o.id.Hex(), e.now().UnixMilli(), data); err != nil {
			e.log.Warn("config dump failed", "kind", k, "owner", o.id, "error", err)
		}
	}
}

func sortedKinds(m map[Kind]*Object) []Kind {
	out := make([]Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// ===== user guards =====

// UserReader is read access to the user objects.
type UserReader struct{ o *owner }

func (r UserReader) Profile() Profile { return Profile{r.o.objects[KindUserProfile]} }
func (r UserReader) Contacts() Contacts { return Contacts{r.o.objects[KindContacts]} }
func (r UserReader) ConvoInfoVolatile() ConvoInfoVolatile {
	return ConvoInfoVolatile{r.o.objects[KindConvoInfoVolatile]}
}
func (r UserReader) UserGroups() UserGroups { return UserGroups{r.o.objects[KindUserGroups]} }

// UserWriter is write access to the user objects.
type UserWriter struct{ UserReader }

func (w UserWriter) Profile() MutableProfile { return MutableProfile{w.UserReader.Profile()} }
func (w UserWriter) Contacts() MutableContacts {
	return MutableContacts{w.UserReader.Contacts()}
}
func (w UserWriter) ConvoInfoVolatile() MutableConvoInfoVolatile {
	return MutableConvoInfoVolatile{w.UserReader.ConvoInfoVolatile()}
}
func (w UserWriter) UserGroups() MutableUserGroups {
	return MutableUserGroups{w.UserReader.UserGroups()}
}

// WithUserConfigs runs fn under the user read lock.
func (e *Engine) WithUserConfigs(fn func(UserReader) error) error {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()

	return fn(UserReader{e.user})
}

// WithMutableUserConfigs runs fn under the user write lock, then dumps
// and notifies for whatever fn changed.
func (e *Engine) WithMutableUserConfigs(fn func(UserWriter) error) error {
	o := e.user

	o.mu.Lock()
	defer o.mu.Unlock()

	before := o.mutationCounts()
	err := fn(UserWriter{UserReader{o}})

	if changed := o.changedSince(before); len(changed) > 0 {
		e.dumpLocked(o)
		e.notify.enqueue(UserConfigsModified{Kinds: changed})
	}

	return err
}

// ===== group guards =====

// GroupReader is read access to one group's objects.
type GroupReader struct {
	o    *owner
	self *account.Keys
}

// ID returns the group id.
func (r GroupReader) ID() account.ID { return r.o.id }

// IsAdmin reports whether the local account holds the admin key.
func (r GroupReader) IsAdmin() bool { return r.o.admin != nil }

func (r GroupReader) Info() GroupInfo { return GroupInfo{r.o.objects[KindGroupInfo]} }
func (r GroupReader) Members() GroupMembers {
	return GroupMembers{r.o.objects[KindGroupMembers]}
}
func (r GroupReader) Keys() GroupKeys {
	return GroupKeys{obj: r.o.objects[KindGroupKeys], cache: r.o.keyCache, self: r.self}
}

// GroupWriter is write access to one group's objects.
type GroupWriter struct{ GroupReader }

func (w GroupWriter) Info() MutableGroupInfo { return MutableGroupInfo{w.GroupReader.Info()} }
func (w GroupWriter) Members() MutableGroupMembers {
	return MutableGroupMembers{w.GroupReader.Members()}
}
func (w GroupWriter) Keys() MutableGroupKeys { return MutableGroupKeys{w.GroupReader.Keys()} }

// Rekey rotates the group key to a new generation sealed to every current
// member.
func (w GroupWriter) Rekey() (int, error) {
	var recipients [][32]byte
	for _, m := range w.GroupReader.Members().All() {
		if m.ID.Prefix() != account.PrefixStandard {
			continue
		}

		var x [32]byte
		copy(x[:], m.ID.Key())
		recipients = append(recipients, x)
	}

	return w.Keys().Rekey(recipients)
}

// AddGroup starts tracking a group, restoring its dumps. adminKey is the
// group ed25519 key for admins and nil for members. Adding a tracked
// group only updates the admin key.
func (e *Engine) AddGroup(id account.ID, adminKey ed25519.PrivateKey) error {
	if !id.IsGroup() {
		return fmt.Errorf("%s is not a group id", id)
	}

	if adminKey != nil && !bytes.Equal(adminKey.Public().(ed25519.PublicKey), id.Key()) {
		return fmt.Errorf("%w: admin key does not match %s", ErrNotAdmin, id)
	}

	e.groupsMu.Lock()
	defer e.groupsMu.Unlock()

	if o, ok := e.groups[id]; ok {
		o.mu.Lock()
		if adminKey != nil {
			o.admin = adminKey
		}
		o.mu.Unlock()
		return nil
	}

	o, err := e.loadOwner(id, hex.EncodeToString(id.Key()), GroupKinds)
	if err != nil {
		return err
	}
	o.admin = adminKey
	e.groups[id] = o

	return nil
}

// RemoveGroup stops tracking a group and deletes its dumps.
func (e *Engine) RemoveGroup(id account.ID) error {
	e.groupsMu.Lock()
	delete(e.groups, id)
	e.groupsMu.Unlock()

	if e.store == nil {
		return nil
	}

	kinds := make([]string, len(GroupKinds))
	for i, k := range GroupKinds {
		kinds[i] = k.String()
	}

	return e.store.DeleteDumps(id.Hex(), kinds...)
}

// Groups returns the tracked groups.
func (e *Engine) Groups() []account.ID {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()

	out := make([]account.ID, 0, len(e.groups))
	for id := range e.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })

	return out
}

// GroupAdminKey returns the admin key of a tracked group.
func (e *Engine) GroupAdminKey(id account.ID) (ed25519.PrivateKey, bool) {
	o, err := e.group(id)
	if err != nil {
		return nil, false
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.admin, o.admin != nil
}

func (e *Engine) group(id account.ID) (*owner, error) {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()

	o, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}

	return o, nil
}

// WithGroupConfigs runs fn under the group read lock.
func (e *Engine) WithGroupConfigs(id account.ID, fn func(GroupReader) error) error {
	o, err := e.group(id)
	if err != nil {
		return err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	return fn(GroupReader{o: o, self: e.keys})
}

// WithMutableGroupConfigs runs fn under the group write lock. Only admins
// may write.
func (e *Engine) WithMutableGroupConfigs(id account.ID, fn func(GroupWriter) error) error {
	o, err := e.group(id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.admin == nil {
		return fmt.Errorf("%w: %s", ErrNotAdmin, id)
	}

	before := o.mutationCounts()
	err = fn(GroupWriter{GroupReader{o: o, self: e.keys}})

	if len(o.changedSince(before)) > 0 {
		e.dumpLocked(o)
		e.notify.enqueue(GroupConfigsUpdated{Group: id})
	}

	return err
}

// ===== merging =====

// MergeResult reports the outcome of merging retrieved config messages.
type MergeResult struct {
	Merged   []string // Merged lists the hashes of every accepted delta
	Rejected int      // Rejected counts messages that failed to decrypt or verify
}

// userKey returns the symmetric key of a user kind.
func (e *Engine) userKey(k Kind) []byte {
	return crypt.DeriveKey(e.keys.Ed25519Private().Seed(), "config/"+k.String())
}

// groupKeysKey returns the key that wraps the GroupKeys deltas of a group.
// Entries inside are sealed per member.
func groupKeysKey(id account.ID) []byte {
	return crypt.DeriveKey(id.Key(), "config/GroupKeys")
}

// openAll decrypts and verifies msgs, skipping failures.
func (e *Engine) openAll(kind Kind, msgs []swarm.StoredMessage, keys [][]byte, author ed25519.PublicKey) ([]Delta, int64, int) {
	var (
		deltas   []Delta
		latest   int64
		rejected int
	)

	allowed := func(a ed25519.PublicKey) bool { return bytes.Equal(a, author) }

	for _, m := range msgs {
		d, err := OpenDelta(m.Data, keys, allowed)
		if err != nil {
			rejected++
			e.log.Debug("config message rejected", "kind", kind, "hash", m.Hash, "error", err)
			continue
		}

		d.Hash = m.Hash
		deltas = append(deltas, d)

		if m.Timestamp > latest {
			latest = m.Timestamp
		}
	}

	return deltas, latest, rejected
}

// MergeUserConfigs merges retrieved messages of one user kind.
func (e *Engine) MergeUserConfigs(kind Kind, msgs []swarm.StoredMessage) (MergeResult, error) {
	if kind.IsGroup() {
		return MergeResult{}, fmt.Errorf("%w: %s", ErrWrongKind, kind)
	}

	deltas, latest, rejected := e.openAll(kind, msgs, [][]byte{e.userKey(kind)}, e.keys.Ed25519Public())

	o := e.user
	o.mu.Lock()
	defer o.mu.Unlock()

	res := MergeResult{Rejected: rejected}
	if len(deltas) == 0 {
		return res, nil
	}

	res.Merged = o.objects[kind].Merge(deltas...)
	if latest > o.lastApplied[kind] {
		o.lastApplied[kind] = latest
	}

	e.dumpLocked(o)
	e.notify.enqueue(UserConfigsModified{Kinds: []Kind{kind}, FromMerge: true})

	return res, nil
}

// MergeGroupConfigs merges retrieved group config messages. Keys are
// merged first so info and members can be decrypted with every known
// generation.
func (e *Engine) MergeGroupConfigs(id account.ID, keys, info, members []swarm.StoredMessage) (MergeResult, error) {
	o, err := e.group(id)
	if err != nil {
		return MergeResult{}, err
	}

	admin := ed25519.PublicKey(id.Key())
	res := MergeResult{}

	keyDeltas, keyLatest, rejected := e.openAll(KindGroupKeys, keys, [][]byte{groupKeysKey(id)}, admin)
	res.Rejected += rejected

	o.mu.Lock()
	defer o.mu.Unlock()

	changed := false

	if len(keyDeltas) > 0 {
		res.Merged = append(res.Merged, o.objects[KindGroupKeys].Merge(keyDeltas...)...)
		o.lastApplied[KindGroupKeys] = max(o.lastApplied[KindGroupKeys], keyLatest)
		changed = true
	}

	genKeys := GroupReader{o: o, self: e.keys}.Keys().Keys()

	for _, part := range []struct {
		kind Kind
		msgs []swarm.StoredMessage
	}{{KindGroupInfo, info}, {KindGroupMembers, members}} {
		if len(part.msgs) == 0 {
			continue
		}

		if len(genKeys) == 0 {
			res.Rejected += len(part.msgs)
			e.log.Debug("no group key for config", "group", id, "kind", part.kind)
			continue
		}

		deltas, latest, rejected := e.openAll(part.kind, part.msgs, genKeys, admin)
		res.Rejected += rejected

		if len(deltas) > 0 {
			res.Merged = append(res.Merged, o.objects[part.kind].Merge(deltas...)...)
			o.lastApplied[part.kind] = max(o.lastApplied[part.kind], latest)
			changed = true
		}
	}

	if changed {
		e.dumpLocked(o)
		e.notify.enqueue(GroupConfigsUpdated{Group: id, FromMerge: true})
	}

	return res, nil
}

// CanPerformChange reports whether a change timestamped changeTs (ms) is
// recent enough relative to the last applied change of kind for owner.
func (e *Engine) CanPerformChange(kind Kind, ownerID account.ID, changeTs int64) bool {
	o := e.user
	if kind.IsGroup() {
		g, err := e.group(ownerID)
		if err != nil {
			return true
		}
		o = g
	}

	o.mu.RLock()
	last := o.lastApplied[kind]
	o.mu.RUnlock()

	return changeTs >= last-bufferWindow.Milliseconds()
}

// ConversationVisible reports whether id is listed and not hidden in the
// user configs: as a contact, a closed group or a legacy group. The own
// id stands for the note-to-self thread.
func (e *Engine) ConversationVisible(id account.ID) bool {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()

	r := UserReader{e.user}

	if id == e.user.id {
		return r.Profile().NoteToSelfPriority() != PriorityHidden
	}
	if c, ok := r.Contacts().Get(id); ok {
		return c.Priority != PriorityHidden
	}
	if g, ok := r.UserGroups().Group(id); ok {
		return g.Priority != PriorityHidden
	}
	_, ok := r.UserGroups().LegacyGroup(id)

	return ok
}

// CommunityJoined reports whether the room is listed in the user configs.
func (e *Engine) CommunityJoined(baseURL, room string) bool {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()

	for _, c := range (UserReader{e.user}).UserGroups().Communities() {
		if c.BaseURL == baseURL && c.Room == room {
			return true
		}
	}

	return false
}

// ===== active hashes =====

// UserActiveHashes returns the active hashes of every user kind.
func (e *Engine) UserActiveHashes() []string {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()

	var out []string
	for _, k := range UserKinds {
		out = append(out, e.user.objects[k].ActiveHashes()...)
	}

	return out
}

// HasProfile reports whether the user profile holds merged state.
func (e *Engine) HasProfile() bool {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()

	return len(e.user.objects[KindUserProfile].ActiveHashes()) > 0
}

// GroupActiveHashes returns the active hashes of a group's objects.
func (e *Engine) GroupActiveHashes(id account.ID) []string {
	o, err := e.group(id)
	if err != nil {
		return nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []string
	for _, k := range GroupKinds {
		out = append(out, o.objects[k].ActiveHashes()...)
	}

	return out
}

// ===== pushing =====

// upload is one encrypted push ready to store.
type upload struct {
	kind     Kind
	seqNo    int64
	data     []byte
	obsolete []string
}

// userUploads prepares the pending pushes of user kinds.
func (e *Engine) userUploads() ([]upload, error) {
	o := e.user

	o.mu.Lock()
	defer o.mu.Unlock()

	var out []upload
	for _, k := range UserKinds {
		p, ok := o.objects[k].Push()
		if !ok {
			continue
		}

		data, err := SealDelta(p.Delta, e.keys.Ed25519Private(), e.userKey(k))
		if err != nil {
			return nil, fmt.Errorf("seal %s push:\n%w", k, err)
		}

		out = append(out, upload{kind: k, seqNo: p.Delta.SeqNo, data: data, obsolete: p.Obsolete})
	}

	return out, nil
}

// groupUploads prepares the pending pushes of a group, keys first.
// A group without keys is rekeyed before anything else is pushed.
func (e *Engine) groupUploads(id account.ID) ([]upload, error) {
	o, err := e.group(id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.admin == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAdmin, id)
	}

	w := GroupWriter{GroupReader{o: o, self: e.keys}}
	current, ok := w.GroupReader.Keys().CurrentKey()
	if !ok {
		if _, err := w.Rekey(); err != nil {
			return nil, err
		}
		current, _ = w.GroupReader.Keys().CurrentKey()
		e.dumpLocked(o)
	}

	var out []upload
	for _, k := range GroupKinds {
		p, ok := o.objects[k].Push()
		if !ok {
			continue
		}

		key := current
		if k == KindGroupKeys {
			key = groupKeysKey(id)
		}

		data, err := SealDelta(p.Delta, o.admin, key)
		if err != nil {
			return nil, fmt.Errorf("seal %s push:\n%w", k, err)
		}

		out = append(out, upload{kind: k, seqNo: p.Delta.SeqNo, data: data, obsolete: p.Obsolete})
	}

	return out, nil
}

// confirm applies a stored push and dumps the result.
func (e *Engine) confirm(ownerID account.ID, kind Kind, seqNo int64, hash string) bool {
	o := e.user
	if kind.IsGroup() {
		g, err := e.group(ownerID)
		if err != nil {
			return false
		}
		o = g
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ok := o.objects[kind].ConfirmPushed(seqNo, hash)
	if ok {
		e.dumpLocked(o)
	} else {
		e.log.Debug("stale push confirmation", "kind", kind, "owner", ownerID, "seqno", seqNo)
	}

	return ok
}
