package receiver

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/storage"
	"SwarmSync/internal/swarm"
)

// =============================================================================
// Fixtures
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKeys(t *testing.T) *account.Keys {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keys, err := account.NewKeys(priv)
	require.NoError(t, err)

	return keys
}

func newState(t *testing.T) *storage.State {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return storage.NewState(db)
}

// memSet is an in-memory ReceivedSet.
type memSet struct {
	mu   sync.Mutex
	seen map[Key]bool
}

func newMemSet() *memSet { return &memSet{seen: make(map[Key]bool)} }

func (s *memSet) HasReceived(account string, ns int, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seen[Key{account, ns, hash}], nil
}

func (s *memSet) AddReceived(account string, ns int, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range hashes {
		s.seen[Key{account, ns, h}] = true
	}

	return nil
}

// memThreads is an in-memory ThreadStore.
type memThreads struct {
	mu       sync.Mutex
	ids      map[Thread]int64
	lastSeen map[int64]int64
	read     map[int64]int64
	updates  map[int64]ThreadUpdate
}

func newMemThreads() *memThreads {
	return &memThreads{
		ids:      make(map[Thread]int64),
		lastSeen: make(map[int64]int64),
		read:     make(map[int64]int64),
		updates:  make(map[int64]ThreadUpdate),
	}
}

func (m *memThreads) create(t Thread) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ids[t]; ok {
		return id
	}

	id := int64(len(m.ids) + 1)
	m.ids[t] = id

	return id
}

func (m *memThreads) ThreadID(t Thread) Option[int64] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.ids[t]; ok {
		return Some(id)
	}

	return None[int64]()
}

func (m *memThreads) LastSeen(id int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastSeen[id]
}

func (m *memThreads) MarkConversationRead(id int64, upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.read[id] = upTo
	m.lastSeen[id] = max(m.lastSeen[id], upTo)

	return nil
}

func (m *memThreads) UpdateThread(id int64, u ThreadUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.updates[id]
	m.updates[id] = ThreadUpdate{LastMessage: max(prev.LastMessage, u.LastMessage), Unread: prev.Unread + u.Unread}

	return nil
}

func (m *memThreads) update(t Thread) ThreadUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updates[m.ids[t]]
}

// recordHandler creates threads on first use and records what it handled.
type recordHandler struct {
	mu       sync.Mutex
	threads  *memThreads
	handled  map[Thread][]*message.Message
	counts   map[string]int
	revoked  [][]byte
	deleted  map[Thread][]int64
	rooms    []string
	failWith func(Received) error
}

func newRecordHandler(threads *memThreads) *recordHandler {
	return &recordHandler{
		threads: threads,
		handled: make(map[Thread][]*message.Message),
		counts:  make(map[string]int),
		deleted: make(map[Thread][]int64),
	}
}

func (h *recordHandler) Handle(_ context.Context, thread Option[int64], msg Received) (Option[int64], error) {
	h.mu.Lock()
	fail := h.failWith
	h.mu.Unlock()

	if fail != nil {
		if err := fail(msg); err != nil {
			return None[int64](), err
		}
	}

	if !thread.IsSome() {
		thread = Some(h.threads.create(msg.Thread))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.handled[msg.Thread] = append(h.handled[msg.Thread], msg.Message)
	h.counts[msg.Params.key().Hash]++

	return thread, nil
}

func (h *recordHandler) Revoked(_ context.Context, _ account.ID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.revoked = append(h.revoked, data)
	return nil
}

func (h *recordHandler) Deleted(_ context.Context, t Thread, ids []int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deleted[t] = append(h.deleted[t], ids...)
	return nil
}

func (h *recordHandler) RoomInfo(_ opengroup.Server, room string, _ opengroup.RoomPollInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rooms = append(h.rooms, room)
}

func (h *recordHandler) texts(t Thread) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for _, m := range h.handled[t] {
		if v, ok := m.Body.(*message.Visible); ok {
			out = append(out, v.Text)
		}
	}

	return out
}

type harness struct {
	keys     *account.Keys
	receiver *Receiver
	threads  *memThreads
	handler  *recordHandler
	dedup    *Deduper
}

func newHarness(t *testing.T, set ReceivedSet, groups Groups) *harness {
	t.Helper()

	keys := newKeys(t)
	threads := newMemThreads()
	handler := newRecordHandler(threads)

	dedup := NewDeduper(set, 0)
	t.Cleanup(dedup.Close)

	r, err := New(Config{
		Keys:    keys,
		Dedup:   dedup,
		Groups:  groups,
		Threads: threads,
		Handler: handler,
		Logger:  quietLogger,
	})
	require.NoError(t, err)

	return &harness{keys: keys, receiver: r, threads: threads, handler: handler, dedup: dedup}
}

// deliver hands msgs to the receiver and returns the hashes queued for a retry.
func (h *harness) deliver(t *testing.T, owner account.ID, ns swarm.Namespace, msgs []swarm.StoredMessage) []string {
	t.Helper()

	pending, err := h.receiver.Deliver(context.Background(), owner, ns, msgs)
	require.NoError(t, err)

	return pending
}

func visible(sentAt int64, text string) *message.Message {
	m := message.New(&message.Visible{Text: text})
	m.SentAt = sentAt
	return m
}

// sealTo builds the stored payload of a one-to-one message.
func sealTo(t *testing.T, from *account.Keys, to account.ID, msg *message.Message) []byte {
	t.Helper()

	content, err := message.EncodeContent(msg)
	require.NoError(t, err)

	x := [32]byte(to.Key())
	ct, err := crypt.Seal(crypt.Pad(content), from, &x)
	require.NoError(t, err)

	return message.Envelope{Type: message.EnvelopeSession, Timestamp: msg.SentAt, Content: ct}.Marshal()
}

var errFlaky = errors.New("database busy")

// fakeConfigs lists visible conversations and accepts changes sent at or
// after cutoff.
type fakeConfigs struct {
	visible map[account.ID]bool
	cutoff  int64
}

func (c fakeConfigs) ConversationVisible(id account.ID) bool { return c.visible[id] }

func (c fakeConfigs) CommunityJoined(string, string) bool { return false }

func (c fakeConfigs) CanPerformChange(_ config.Kind, _ account.ID, changeTs int64) bool {
	return changeTs >= c.cutoff
}
