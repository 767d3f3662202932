package poller

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
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

func newGroup(t *testing.T) (account.ID, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id, err := account.New(account.PrefixGroup, pub)
	require.NoError(t, err)

	return id, priv
}

func newEngine(t *testing.T, keys *account.Keys) *config.Engine {
	t.Helper()

	e, err := config.NewEngine(config.EngineConfig{Keys: keys, Logger: quietLogger})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return e
}

func newState(t *testing.T) *storage.State {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return storage.NewState(db)
}

// fakeNet serves retrieves from in-memory namespaces and records every batch.
type fakeNet struct {
	mu      sync.Mutex
	clock   *swarm.Clock
	nodes   []swarm.Node
	stored  map[string][]swarm.RetrievedMessage
	fail    error
	batches [][]swarm.SubRequest
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		clock:  swarm.NewClock(nil),
		nodes:  []swarm.Node{{Address: "https://10.0.0.1", Port: 22021}, {Address: "https://10.0.0.2", Port: 22021}},
		stored: make(map[string][]swarm.RetrievedMessage),
	}
}

func (f *fakeNet) put(owner account.ID, ns swarm.Namespace, hashes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%s/%d", owner.Hex(), ns)
	for _, h := range hashes {
		f.stored[key] = append(f.stored[key], swarm.RetrievedMessage{
			Hash:      h,
			Data:      base64.StdEncoding.EncodeToString([]byte("payload " + h)),
			Timestamp: 1000,
		})
	}
}

func (f *fakeNet) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail = err
}

func (f *fakeNet) batch(i int) []swarm.SubRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.batches[i]
}

func (f *fakeNet) Swarm(context.Context, account.ID) ([]swarm.Node, error) {
	return f.nodes, nil
}

func (f *fakeNet) Clock() *swarm.Clock { return f.clock }

func (f *fakeNet) SendBatch(_ context.Context, _ swarm.Node, _ account.ID, _ swarm.BatchMethod, reqs []swarm.SubRequest) (swarm.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, reqs)
	if f.fail != nil {
		return swarm.BatchResponse{}, f.fail
	}

	var resp swarm.BatchResponse
	for _, r := range reqs {
		if r.Method != "retrieve" {
			resp.Results = append(resp.Results, swarm.BatchResult{Code: 200, Body: json.RawMessage(`{}`)})
			continue
		}

		ns, _ := r.Params["namespace"].(int)
		last, _ := r.Params["last_hash"].(string)
		msgs := f.stored[fmt.Sprintf("%s/%d", r.Params["pubkey"], ns)]

		start := 0
		for i, m := range msgs {
			if m.Hash == last {
				start = i + 1
			}
		}

		body, err := json.Marshal(swarm.RetrieveResponse{Messages: msgs[start:]})
		if err != nil {
			return swarm.BatchResponse{}, err
		}
		resp.Results = append(resp.Results, swarm.BatchResult{Code: 200, Body: body})
	}

	return resp, nil
}

// memDedup remembers committed hashes in memory.
type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedup() *memDedup {
	return &memDedup{seen: make(map[string]bool)}
}

func (d *memDedup) Filter(acct string, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]swarm.StoredMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []swarm.StoredMessage
	for _, m := range msgs {
		if !d.seen[fmt.Sprintf("%s/%d/%s", acct, ns, m.Hash)] {
			out = append(out, m)
		}
	}

	return out, nil
}

func (d *memDedup) Commit(acct string, ns swarm.Namespace, msgs []swarm.StoredMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, m := range msgs {
		d.seen[fmt.Sprintf("%s/%d/%s", acct, ns, m.Hash)] = true
	}

	return nil
}

func (d *memDedup) has(acct string, ns swarm.Namespace, hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.seen[fmt.Sprintf("%s/%d/%s", acct, ns, hash)]
}

type delivery struct {
	owner  account.ID
	ns     swarm.Namespace
	hashes []string
}

// recordSink records deliveries and fails while fail is set. Hashes in
// pending are reported as queued for a retry.
type recordSink struct {
	mu         sync.Mutex
	fail       error
	pending    map[string]bool
	deliveries []delivery
}

func (s *recordSink) Deliver(_ context.Context, owner account.ID, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}

	var queued []string
	for _, m := range msgs {
		if s.pending[m.Hash] {
			queued = append(queued, m.Hash)
		}
	}

	d := delivery{owner: owner, ns: ns}
	for _, m := range msgs {
		d.hashes = append(d.hashes, m.Hash)
	}
	s.deliveries = append(s.deliveries, d)

	return queued, nil
}

func (s *recordSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = err
}

func (s *recordSink) hashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, d := range s.deliveries {
		out = append(out, d.hashes...)
	}

	return out
}

func (s *recordSink) namespaces() []swarm.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []swarm.Namespace
	for _, d := range s.deliveries {
		out = append(out, d.ns)
	}

	return out
}

// startLoop runs l until the test ends.
func startLoop[T any](t *testing.T, l *loop[T]) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.run(ctx, false)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}
