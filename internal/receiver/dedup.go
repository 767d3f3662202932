package receiver

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"SwarmSync/internal/swarm"
)

const (
	// defaultRecentTTL is how long a processed key stays in the fast path.
	defaultRecentTTL = 10 * time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 30 * time.Second
)

// ReceivedSet is the durable record of processed hashes. storage.State
// implements it.
type ReceivedSet interface {
	HasReceived(account string, namespace int, hash string) (bool, error)
	AddReceived(account string, namespace int, hashes []string) error
}

// Key identifies one received item: the owner of the stream, its
// namespace and the server hash (or server id for communities).
type Key struct {
	Account   string
	Namespace int
	Hash      string
}

func (k Key) digest() [32]byte {
	return blake3.Sum256([]byte(k.Account + "/" + strconv.Itoa(k.Namespace) + "/" + k.Hash))
}

// Deduper tracks processed messages. Recently recorded keys are answered
// from memory; everything else goes to the durable set.
type Deduper struct {
	set    ReceivedSet
	recent map[[32]byte]int64 // recent maps key digest to record time (unix nano)
	mu     sync.RWMutex       // mu protects recent
	ttl    int64              // ttl in nanoseconds
	stop   chan struct{}      // stop signals the cleanup goroutine to stop
	wg     sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDeduper creates a deduper over set. A zero ttl uses the default.
func NewDeduper(set ReceivedSet, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = defaultRecentTTL
	}

	d := &Deduper{
		set:    set,
		recent: make(map[[32]byte]int64),
		ttl:    int64(ttl),
		stop:   make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Seen reports whether k was already recorded.
func (d *Deduper) Seen(k Key) (bool, error) {
	now := time.Now().UnixNano()

	d.mu.RLock()
	ts, ok := d.recent[k.digest()]
	d.mu.RUnlock()

	if ok && now-ts < d.ttl {
		return true, nil
	}

	return d.set.HasReceived(k.Account, k.Namespace, k.Hash)
}

// Record marks keys as processed. Recording a key twice is harmless.
func (d *Deduper) Record(keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}

	type stream struct {
		account string
		ns      int
	}

	grouped := make(map[stream][]string)
	for _, k := range keys {
		s := stream{k.Account, k.Namespace}
		grouped[s] = append(grouped[s], k.Hash)
	}

	for s, hashes := range grouped {
		if err := d.set.AddReceived(s.account, s.ns, hashes); err != nil {
			return fmt.Errorf("record %s/%d:\n%w", s.account, s.ns, err)
		}
	}

	now := time.Now().UnixNano()

	d.mu.Lock()
	for _, k := range keys {
		d.recent[k.digest()] = now
	}
	d.mu.Unlock()

	return nil
}

// Filter drops messages already recorded and repeats within msgs.
func (d *Deduper) Filter(account string, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]swarm.StoredMessage, error) {
	out := make([]swarm.StoredMessage, 0, len(msgs))
	batch := make(map[string]bool, len(msgs))

	for _, m := range msgs {
		if batch[m.Hash] {
			continue
		}
		batch[m.Hash] = true

		seen, err := d.Seen(Key{Account: account, Namespace: int(ns), Hash: m.Hash})
		if err != nil {
			return nil, err
		}
		if !seen {
			out = append(out, m)
		}
	}

	return out, nil
}

// Commit records every message of a processed batch.
func (d *Deduper) Commit(account string, ns swarm.Namespace, msgs []swarm.StoredMessage) error {
	keys := make([]Key, len(msgs))
	for i, m := range msgs {
		keys[i] = Key{Account: account, Namespace: int(ns), Hash: m.Hash}
	}

	return d.Record(keys...)
}

// Close stops the cleanup goroutine.
func (d *Deduper) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Deduper) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries from the recent map.
func (d *Deduper) cleanup() {
	now := time.Now().UnixNano()

	d.mu.Lock()
	for k, ts := range d.recent {
		if now-ts >= d.ttl {
			delete(d.recent, k)
		}
	}
	d.mu.Unlock()
}
