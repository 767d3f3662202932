package receiver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/message"
)

const (
	// MaxBatchSize bounds the items of one job.
	MaxBatchSize = 512

	// threadWorkers bounds threads handled at once.
	threadWorkers = 8
)

// Failure is an item that could not be handled.
type Failure struct {
	Params Parameters
	Err    error
}

// FailedMessages lists the retryable failures of a job.
type FailedMessages struct {
	Job   uuid.UUID
	Items []Failure
}

// Params returns the failed items.
func (f FailedMessages) Params() []Parameters {
	out := make([]Parameters, len(f.Items))
	for i, it := range f.Items {
		out[i] = it.Params
	}

	return out
}

// Empty reports whether every item was handled.
func (f FailedMessages) Empty() bool { return len(f.Items) == 0 }

// BatchJob handles one batch of received items.
type BatchJob struct {
	ID       uuid.UUID
	Messages []Parameters
	Attempt  int

	r *Receiver
}

// NewJobs splits msgs into jobs of at most MaxBatchSize items.
func (r *Receiver) NewJobs(msgs []Parameters) []*BatchJob {
	var jobs []*BatchJob

	for start := 0; start < len(msgs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(msgs))
		jobs = append(jobs, &BatchJob{ID: uuid.New(), Messages: msgs[start:end], r: r})
	}

	return jobs
}

// threadBatch is the work of one thread within a job.
type threadBatch struct {
	thread Thread
	msgs   []Received
}

// Execute parses, dedupes and applies the items of the job. Threads are
// handled in parallel, each in ascending server order. Items that failed
// with a retryable error are returned; permanent failures are logged and
// recorded as handled.
func (j *BatchJob) Execute(ctx context.Context) (FailedMessages, error) {
	r := j.r
	failed := FailedMessages{Job: j.ID}

	var (
		done    []Key
		threads = make(map[Thread]*threadBatch)
		order   []Thread
		inBatch = make(map[Key]bool, len(j.Messages))
	)

	for _, p := range j.Messages {
		k := p.key()
		if inBatch[k] {
			continue
		}
		inBatch[k] = true

		seen, err := r.dedup.Seen(k)
		if err != nil {
			return failed, fmt.Errorf("dedup %s:\n%w", k.Hash, err)
		}
		if seen {
			continue
		}

		rcv, err := r.parse(p)
		if err != nil {
			if r.fail(&failed, p, err) {
				done = append(done, k)
			}
			continue
		}

		if r.outdated(rcv) {
			r.log.Debug("dropping outdated message", "thread", rcv.Thread, "hash", p.Hash, "sent_at", rcv.Message.SentAt)
			done = append(done, k)
			continue
		}

		tb, ok := threads[rcv.Thread]
		if !ok {
			tb = &threadBatch{thread: rcv.Thread}
			threads[rcv.Thread] = tb
			order = append(order, rcv.Thread)
		}
		tb.msgs = append(tb.msgs, rcv)
	}

	results := make([]threadResult, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threadWorkers)

	for i, t := range order {
		tb := threads[t]
		g.Go(func() error {
			res, err := r.handleThread(gctx, tb)
			results[i] = res
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return failed, err
	}

	for _, res := range results {
		done = append(done, res.done...)
		for _, f := range res.failed {
			if r.fail(&failed, f.Params, f.Err) {
				done = append(done, f.Params.key())
			}
		}
	}

	if err := r.dedup.Record(done...); err != nil {
		return failed, err
	}

	r.log.Debug("batch handled",
		"job", j.ID, "items", len(j.Messages), "threads", len(order), "failed", len(failed.Items), "attempt", j.Attempt)

	return failed, nil
}

// fail files err for p. It returns true when the failure is permanent and
// the item counts as handled.
func (r *Receiver) fail(failed *FailedMessages, p Parameters, err error) bool {
	if errors.Is(err, ErrSelfSend) {
		return true
	}

	if permanent(err) {
		r.log.Warn("dropping message", "hash", p.Hash, "server_id", p.ServerID, "error", err)
		return true
	}

	failed.Items = append(failed.Items, Failure{Params: p, Err: err})

	return false
}

// outdated reports whether m belongs to a conversation that was removed
// from the configs before m was sent. Receipts and unsend requests always
// pass since they only act on existing messages.
func (r *Receiver) outdated(m Received) bool {
	if r.configs == nil {
		return false
	}

	switch m.Message.Kind() {
	case message.KindReadReceipt, message.KindUnsend:
		return false
	}

	var visible bool

	switch m.Thread.Kind {
	case ThreadContact, ThreadClosedGroup, ThreadLegacyGroup:
		id, err := account.Parse(m.Thread.ID)
		if err != nil {
			return false
		}
		visible = r.configs.ConversationVisible(id)
	case ThreadCommunity:
		room, ok := m.Params.Room.Get()
		if !ok {
			return false
		}
		visible = r.configs.CommunityJoined(room.Server.BaseURL, room.Name)
	default:
		return false
	}
	if visible {
		return false
	}

	kind := config.KindContacts
	if m.Thread.Kind == ThreadContact && m.Thread.ID == r.keys.ID().Hex() {
		kind = config.KindUserProfile
	}

	return !r.configs.CanPerformChange(kind, r.keys.ID(), m.Message.SentAt)
}

type threadResult struct {
	done   []Key
	failed []Failure
}

// handleThread applies the messages of one thread in server order and
// updates its read state.
func (r *Receiver) handleThread(ctx context.Context, tb *threadBatch) (threadResult, error) {
	var res threadResult

	sort.SliceStable(tb.msgs, func(a, b int) bool {
		return tb.msgs[a].Params.order() < tb.msgs[b].Params.order()
	})

	id := r.threads.ThreadID(tb.thread)

	var (
		lastSeen int64
		readUpTo int64
		update   ThreadUpdate
	)
	if tid, ok := id.Get(); ok {
		lastSeen = r.threads.LastSeen(tid)
	}

	for i, m := range tb.msgs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		next, err := r.handler.Handle(ctx, id, m)
		if err != nil {
			res.failed = append(res.failed, Failure{Params: m.Params, Err: err})
			if permanent(err) {
				continue
			}
			// Later messages wait for this one so the thread keeps its order.
			for _, rest := range tb.msgs[i+1:] {
				res.failed = append(res.failed, Failure{Params: rest.Params, Err: err})
			}
			break
		}
		res.done = append(res.done, m.Params.key())

		if next.IsSome() {
			if !id.IsSome() {
				tid, _ := next.Get()
				lastSeen = r.threads.LastSeen(tid)
			}
			id = next
		}

		sent := m.Message.SentAt
		update.LastMessage = max(update.LastMessage, sent)

		switch {
		case m.Outgoing:
			readUpTo = max(readUpTo, sent)
		case !m.Message.IsControl() && sent > lastSeen:
			update.Unread++
		}
	}

	tid, ok := id.Get()
	if !ok || update.LastMessage == 0 {
		return res, nil
	}

	// Own messages mark everything before them as read.
	if readUpTo > 0 {
		if err := r.threads.MarkConversationRead(tid, readUpTo); err != nil {
			return res, fmt.Errorf("mark %s read:\n%w", tb.thread, err)
		}
		if readUpTo >= lastSeen {
			update.Unread = r.countAfter(tb.msgs, readUpTo)
		}
	}

	if err := r.threads.UpdateThread(tid, update); err != nil {
		return res, fmt.Errorf("update %s:\n%w", tb.thread, err)
	}

	return res, nil
}

// countAfter counts incoming content sent after t.
func (r *Receiver) countAfter(msgs []Received, t int64) int {
	n := 0
	for _, m := range msgs {
		if !m.Outgoing && !m.Message.IsControl() && m.Message.SentAt > t {
			n++
		}
	}

	return n
}
