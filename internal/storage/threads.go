package storage

import (
	"fmt"
	"strconv"
	"sync"
)

// Key prefixes of the conversation state.
var (
	prefixThread   = []byte("t/") // t/<kind>/<id> -> thread id
	prefixThreadMD = []byte("m/") // m/<tid>/<field> -> int64
	prefixMessage  = []byte("i/") // i/<tid>/<key> -> encoded content
	keyThreadSeq   = []byte("k/threads")
)

// Thread metadata fields.
const (
	ThreadLastSeen    = "seen"
	ThreadLastMessage = "last"
	ThreadUnread      = "unread"
)

// Threads stores conversations and their messages.
type Threads struct {
	db *Storage
	mu sync.Mutex // mu serializes thread creation
}

// NewThreads wraps a Storage.
func NewThreads(db *Storage) *Threads {
	return &Threads{db: db}
}

func threadKey(kind, id string) []byte {
	return fmt.Appendf(append([]byte(nil), prefixThread...), "%s/%s", kind, id)
}

func threadFieldKey(tid int64, field string) []byte {
	return fmt.Appendf(append([]byte(nil), prefixThreadMD...), "%d/%s", tid, field)
}

func messagePrefix(tid int64) []byte {
	return fmt.Appendf(append([]byte(nil), prefixMessage...), "%d/", tid)
}

// ThreadID returns the id of a conversation.
func (t *Threads) ThreadID(kind, id string) (int64, bool, error) {
	v, err := t.db.Get(threadKey(kind, id))
	if err != nil || v == nil {
		return 0, false, err
	}

	tid, err := strconv.ParseInt(string(v), 10, 64)
	return tid, err == nil, err
}

// CreateThread returns the id of a conversation, allocating one if needed.
func (t *Threads) CreateThread(kind, id string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tid, ok, err := t.ThreadID(kind, id); err != nil || ok {
		return tid, err
	}

	seq, err := t.getInt(keyThreadSeq)
	if err != nil {
		return 0, err
	}
	tid := seq + 1

	err = t.db.Apply([]Op{
		{Key: keyThreadSeq, Value: strconv.AppendInt(nil, tid, 10)},
		{Key: threadKey(kind, id), Value: strconv.AppendInt(nil, tid, 10)},
	})
	if err != nil {
		return 0, fmt.Errorf("create thread %s/%s:\n%w", kind, id, err)
	}

	return tid, nil
}

// Field returns a metadata field of a thread, 0 when unset.
func (t *Threads) Field(tid int64, field string) (int64, error) {
	return t.getInt(threadFieldKey(tid, field))
}

// SetField sets a metadata field of a thread.
func (t *Threads) SetField(tid int64, field string, v int64) error {
	return t.db.Set(threadFieldKey(tid, field), strconv.AppendInt(nil, v, 10))
}

// PutMessage stores the content of a message under key.
func (t *Threads) PutMessage(tid int64, key string, content []byte) error {
	return t.db.Set(append(messagePrefix(tid), key...), content)
}

// DeleteMessage removes a stored message.
func (t *Threads) DeleteMessage(tid int64, key string) error {
	return t.db.Delete(append(messagePrefix(tid), key...))
}

// Messages calls fn for every stored message of a thread in key order.
func (t *Threads) Messages(tid int64, fn func(key string, content []byte) error) error {
	prefix := messagePrefix(tid)

	return t.db.IteratePrefix(prefix, func(k, v []byte) error {
		return fn(string(k[len(prefix):]), v)
	})
}

func (t *Threads) getInt(key []byte) (int64, error) {
	v, err := t.db.Get(key)
	if err != nil || v == nil {
		return 0, err
	}

	return strconv.ParseInt(string(v), 10, 64)
}
