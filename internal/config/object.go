// Package config implements the mergeable configuration objects shared
// between the devices of an account and the members of a group, and the
// engine that guards, persists and uploads them.
package config

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// ErrInvalidSignature is returned for a delta not signed by an allowed author.
var ErrInvalidSignature = errors.New("invalid config signature")

// Entry is one key of a delta. A deleted entry is a tombstone.
type Entry struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Delta is one signed change set as stored on a swarm.
type Delta struct {
	SeqNo   int64
	Author  string // Author is the hex ed25519 key that signed the delta
	Entries []Entry
	Hash    string // Hash is the server hash, not part of the signed body
}

// Push is the state to upload and the hashes it supersedes.
type Push struct {
	Delta    Delta
	Obsolete []string
}

// register is the current winner of one key.
type register struct {
	value   []byte
	deleted bool
	seq     int64
	author  string
	hash    string // hash is "" for local changes not yet confirmed
}

// beats reports whether r wins over o. Ties on seq and author fall to the
// hash, so the winner is independent of merge order.
func (r register) beats(o register) bool {
	if r.seq != o.seq {
		return r.seq > o.seq
	}
	if r.author != o.author {
		return r.author > o.author
	}

	return r.hash > o.hash
}

// pendingPush is a push awaiting confirmation.
type pendingPush struct {
	seq       int64
	mutations uint64
}

// Object is a last-writer-wins register set keyed by string. It is safe
// for concurrent use; the engine additionally serializes access per owner.
type Object struct {
	mu sync.Mutex

	author    string // author is the local signer key
	regs      map[string]register
	seqNo     int64
	mutations uint64 // mutations counts local changes
	dirty     bool   // dirty marks local changes not yet confirmed
	dumpDirty bool
	pending   *pendingPush
}

// NewObject creates an empty object written by author.
func NewObject(author string) *Object {
	return &Object{author: author, regs: make(map[string]register)}
}

// SeqNo returns the highest sequence number seen.
func (o *Object) SeqNo() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.seqNo
}

// Get returns the live value of key.
func (o *Object) Get(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.regs[key]
	if !ok || r.deleted {
		return nil, false
	}

	return r.value, true
}

// Keys returns the live keys with the given prefix in sorted order.
func (o *Object) Keys(prefix string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []string
	for k, r := range o.regs {
		if !r.deleted && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	sort.Strings(out)

	return out
}

// Set writes a local value. Writing the current value is a no-op.
func (o *Object) Set(key string, value []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.regs[key]; ok && !r.deleted && bytes.Equal(r.value, value) {
		return
	}

	o.regs[key] = register{value: append([]byte(nil), value...), seq: o.seqNo + 1, author: o.author}
	o.touchLocked()
}

// Delete removes key locally, leaving a tombstone.
func (o *Object) Delete(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.regs[key]; !ok || r.deleted {
		return
	}

	o.regs[key] = register{deleted: true, seq: o.seqNo + 1, author: o.author}
	o.touchLocked()
}

func (o *Object) touchLocked() {
	o.mutations++
	o.dirty = true
	o.dumpDirty = true
}

// Merge folds deltas into the object and returns the hashes that were
// merged. Merging is idempotent and commutative.
func (o *Object) Merge(deltas ...Delta) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var merged []string

	for _, d := range deltas {
		changed := false

		for _, e := range d.Entries {
			cand := register{
				value:   e.Value,
				deleted: e.Deleted,
				seq:     d.SeqNo,
				author:  d.Author,
				hash:    d.Hash,
			}
			if e.Deleted {
				cand.value = nil
			}

			cur, ok := o.regs[e.Key]
			if !ok || cand.beats(cur) {
				o.regs[e.Key] = cand
				changed = true
			}
		}

		if d.SeqNo > o.seqNo {
			o.seqNo = d.SeqNo
			changed = true
		}

		if changed {
			o.dumpDirty = true
		}
		if d.Hash != "" {
			merged = append(merged, d.Hash)
		}
	}

	return merged
}

// ActiveHashes returns the sorted hashes of the deltas holding at least
// one winning register.
func (o *Object) ActiveHashes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.activeHashesLocked()
}

func (o *Object) activeHashesLocked() []string {
	set := make(map[string]struct{})
	for _, r := range o.regs {
		if r.hash != "" {
			set[r.hash] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)

	return out
}

// NeedsPush reports whether local changes are unconfirmed, or the state
// is spread over several deltas and should be consolidated.
func (o *Object) NeedsPush() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.dirty || len(o.activeHashesLocked()) > 1
}

// Push returns the full current state as one delta at seqNo+1. ok is
// false when nothing needs pushing.
func (o *Object) Push() (Push, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	obsolete := o.activeHashesLocked()
	if !o.dirty && len(obsolete) <= 1 {
		return Push{}, false
	}

	seq := o.seqNo + 1
	keys := make([]string, 0, len(o.regs))
	for k := range o.regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		r := o.regs[k]
		entries = append(entries, Entry{Key: k, Value: r.value, Deleted: r.deleted})
	}

	o.pending = &pendingPush{seq: seq, mutations: o.mutations}

	return Push{
		Delta:    Delta{SeqNo: seq, Author: o.author, Entries: entries},
		Obsolete: obsolete,
	}, true
}

// ConfirmPushed records that the push at seq was stored under hash. It
// takes effect only if seq is still the next sequence number and nothing
// changed since the push; otherwise NeedsPush stays true. It reports
// whether the confirmation was applied.
func (o *Object) ConfirmPushed(seq int64, hash string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := o.pending
	if p == nil || p.seq != seq || seq != o.seqNo+1 || p.mutations != o.mutations {
		return false
	}

	for k, r := range o.regs {
		r.seq = seq
		r.author = o.author
		r.hash = hash
		o.regs[k] = r
	}

	o.seqNo = seq
	o.dirty = false
	o.dumpDirty = true
	o.pending = nil

	return true
}

func (o *Object) mutationCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.mutations
}

// NeedsDump reports whether the state changed since the last Dump.
func (o *Object) NeedsDump() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.dumpDirty
}
