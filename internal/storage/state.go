package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Key prefixes of the durable client state.
var (
	prefixCursor    = []byte("c/") // c/<account>/<ns> -> last hash
	prefixReceived  = []byte("h/") // h/<account>/<ns>/<digest> -> hash
	prefixSwarm     = []byte("s/") // s/<account> -> encoded swarm
	prefixDump      = []byte("d/") // d/<kind>/<owner>/<ts> -> zstd dump
	prefixCommunity = []byte("o/") // o/<server>/<field> -> int64
	keyPool         = []byte("p")
	keyClockOffset  = []byte("k/clock")
)

// State is the durable client state: retrieval cursors, received hash sets,
// the cached node pool and swarms, config dumps and community cursors.
type State struct {
	db *Storage

	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	encErr  error
}

// NewState wraps a Storage.
func NewState(db *Storage) *State {
	return &State{db: db}
}

// ===== retrieval cursors =====

func cursorKey(account string, namespace int) []byte {
	return fmt.Appendf(append([]byte(nil), prefixCursor...), "%s/%d", account, namespace)
}

// LastHash returns the last retrieved hash of a namespace.
func (s *State) LastHash(account string, namespace int) (string, bool, error) {
	v, err := s.db.Get(cursorKey(account, namespace))
	if err != nil || v == nil {
		return "", false, err
	}

	return string(v), true, nil
}

// SetLastHash moves the cursor of a namespace.
func (s *State) SetLastHash(account string, namespace int, hash string) error {
	return s.db.Set(cursorKey(account, namespace), []byte(hash))
}

// ===== received hash sets =====

func receivedPrefix(account string, namespace int) []byte {
	return fmt.Appendf(append([]byte(nil), prefixReceived...), "%s/%d/", account, namespace)
}

func receivedKey(account string, namespace int, hash string) []byte {
	digest := blake3.Sum256([]byte(hash))
	return append(receivedPrefix(account, namespace), digest[:16]...)
}

// HasReceived reports whether hash is in the namespace's received set.
func (s *State) HasReceived(account string, namespace int, hash string) (bool, error) {
	return s.db.Has(receivedKey(account, namespace, hash))
}

// AddReceived records hashes in the namespace's received set.
func (s *State) AddReceived(account string, namespace int, hashes []string) error {
	ops := make([]Op, 0, len(hashes))
	for _, h := range hashes {
		ops = append(ops, Op{Key: receivedKey(account, namespace, h), Value: []byte(h)})
	}

	return s.db.Apply(ops)
}

// ReceivedHashes returns the namespace's received set.
func (s *State) ReceivedHashes(account string, namespace int) (map[string]struct{}, error) {
	out := make(map[string]struct{})

	err := s.db.IteratePrefix(receivedPrefix(account, namespace), func(_, value []byte) error {
		out[string(value)] = struct{}{}
		return nil
	})

	return out, err
}

// ClearNamespace drops the cursor and the received set of a namespace.
func (s *State) ClearNamespace(account string, namespace int) error {
	if err := s.db.Delete(cursorKey(account, namespace)); err != nil {
		return err
	}

	return s.db.DeletePrefix(receivedPrefix(account, namespace))
}

// ===== node pool and swarms =====

// Pool returns the encoded node pool, or nil when none is cached.
func (s *State) Pool() ([]byte, error) {
	return s.db.Get(keyPool)
}

// SetPool replaces the encoded node pool.
func (s *State) SetPool(data []byte) error {
	return s.db.Set(keyPool, data)
}

func swarmKey(account string) []byte {
	return append(append([]byte(nil), prefixSwarm...), account...)
}

// Swarm returns the encoded swarm of an account, or nil.
func (s *State) Swarm(account string) ([]byte, error) {
	return s.db.Get(swarmKey(account))
}

// SetSwarm replaces the encoded swarm of an account.
func (s *State) SetSwarm(account string, data []byte) error {
	return s.db.Set(swarmKey(account), data)
}

// ===== clock =====

// ClockOffset returns the persisted network clock offset in milliseconds.
func (s *State) ClockOffset() (int64, error) {
	return s.getInt(keyClockOffset)
}

// SetClockOffset persists the network clock offset in milliseconds.
func (s *State) SetClockOffset(ms int64) error {
	return s.setInt(keyClockOffset, ms)
}

// ===== community cursors =====

func communityKey(server, field string) []byte {
	return fmt.Appendf(append([]byte(nil), prefixCommunity...), "%s/%s", server, field)
}

// CommunityCursor returns a stored open-group cursor (room seqNo, inbox id,
// outbox id or info update counter). Missing cursors read as zero.
func (s *State) CommunityCursor(server, field string) (int64, error) {
	return s.getInt(communityKey(server, field))
}

// SetCommunityCursor stores an open-group cursor.
func (s *State) SetCommunityCursor(server, field string, v int64) error {
	return s.setInt(communityKey(server, field), v)
}

func (s *State) getInt(key []byte) (int64, error) {
	v, err := s.db.Get(key)
	if err != nil || v == nil {
		return 0, err
	}

	return strconv.ParseInt(string(v), 10, 64)
}

func (s *State) setInt(key []byte, v int64) error {
	return s.db.Set(key, strconv.AppendInt(nil, v, 10))
}

// ===== config dumps =====

func dumpPrefix(kind, owner string) []byte {
	return fmt.Appendf(append([]byte(nil), prefixDump...), "%s/%s/", kind, owner)
}

// SaveDump stores a config dump compressed with zstd and drops older
// dumps of the same (kind, owner).
func (s *State) SaveDump(kind, owner string, timestamp int64, data []byte) error {
	enc, _, err := s.codecs()
	if err != nil {
		return err
	}

	prefix := dumpPrefix(kind, owner)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	key := append(append([]byte(nil), prefix...), ts[:]...)

	var ops []Op
	err = s.db.IteratePrefix(prefix, func(k, _ []byte) error {
		if !bytes.Equal(k, key) {
			ops = append(ops, Op{Key: append([]byte(nil), k...), Delete: true})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan dumps:\n%w", err)
	}

	ops = append(ops, Op{Key: key, Value: enc.EncodeAll(data, nil)})

	return s.db.Apply(ops)
}

// LoadDump returns the latest dump of (kind, owner) and its timestamp.
func (s *State) LoadDump(kind, owner string) ([]byte, int64, bool, error) {
	_, dec, err := s.codecs()
	if err != nil {
		return nil, 0, false, err
	}

	prefix := dumpPrefix(kind, owner)

	var (
		latest []byte
		ts     int64
	)

	err = s.db.IteratePrefix(prefix, func(k, v []byte) error {
		if len(k) != len(prefix)+8 {
			return nil
		}
		ts = int64(binary.BigEndian.Uint64(k[len(prefix):]))
		latest = append(latest[:0], v...)
		return nil
	})
	if err != nil || latest == nil {
		return nil, 0, false, err
	}

	data, err := dec.DecodeAll(latest, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("decompress dump:\n%w", err)
	}

	return data, ts, true, nil
}

// DeleteDumps removes every dump of an owner for the given kinds.
func (s *State) DeleteDumps(owner string, kinds ...string) error {
	for _, kind := range kinds {
		if err := s.db.DeletePrefix(dumpPrefix(kind, owner)); err != nil {
			return err
		}
	}

	return nil
}

// codecs lazily builds the shared zstd encoder and decoder.
func (s *State) codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	s.encOnce.Do(func() {
		s.enc, s.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if s.encErr != nil {
			return
		}
		s.dec, s.encErr = zstd.NewReader(nil)
	})

	return s.enc, s.dec, s.encErr
}
