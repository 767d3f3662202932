// Package receiver turns retrieved payloads into applied messages: it
// dedupes them, opens their encryption, groups them by conversation and
// hands them to the application in server order.
package receiver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/swarm"
)

const (
	// maxAttempts bounds executions of one item.
	maxAttempts = 3

	// retryDelay is multiplied by the attempt number before a retry.
	retryDelay = 5 * time.Second

	retryQueueSize = 256
)

// ErrRetryQueueFull is returned when failed items cannot be queued; the
// caller should retrieve them again.
var ErrRetryQueueFull = errors.New("receive retry queue full")

// Groups opens group payloads. config.Engine implements it.
type Groups interface {
	DecryptGroupMessage(id account.ID, ciphertext []byte) ([]byte, account.ID, error)
	LegacyGroupKeyPair(id account.ID) (crypt.KeyPair, bool)
}

// Communities opens community direct messages. opengroup.Client implements it.
type Communities interface {
	DecryptDirect(server opengroup.Server, dm opengroup.DirectMessage, data []byte, fromOutbox bool) ([]byte, error)
}

// Configs tells whether a conversation still exists in the user configs.
// config.Engine implements it.
type Configs interface {
	ConversationVisible(id account.ID) bool
	CommunityJoined(baseURL, room string) bool
	CanPerformChange(kind config.Kind, owner account.ID, changeTs int64) bool
}

// Metrics observes handled batches.
type Metrics interface {
	ObserveReceive(handled, failed int)
}

// Config configures a Receiver.
type Config struct {
	Keys        *account.Keys
	Dedup       *Deduper
	Groups      Groups
	Communities Communities
	Configs     Configs // Configs drops outdated messages of removed conversations when set
	Threads     ThreadStore
	Handler     Handler
	Logger      *slog.Logger
	Metrics     Metrics
}

// Receiver handles retrieved items. It implements poller.Sink and
// poller.CommunitySink.
type Receiver struct {
	keys        *account.Keys
	dedup       *Deduper
	groups      Groups
	communities Communities
	configs     Configs
	threads     ThreadStore
	handler     Handler
	log         *slog.Logger
	metrics     Metrics

	retry chan *BatchJob
}

// New creates a receiver.
func New(cfg Config) (*Receiver, error) {
	if cfg.Keys == nil {
		return nil, swarm.ErrNotAuthenticated
	}
	if cfg.Dedup == nil || cfg.Threads == nil || cfg.Handler == nil {
		return nil, errors.New("receiver needs a deduper, a thread store and a handler")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Receiver{
		keys:        cfg.Keys,
		dedup:       cfg.Dedup,
		groups:      cfg.Groups,
		communities: cfg.Communities,
		configs:     cfg.Configs,
		threads:     cfg.Threads,
		handler:     cfg.Handler,
		log:         log.With("component", "receiver"),
		metrics:     cfg.Metrics,
		retry:       make(chan *BatchJob, retryQueueSize),
	}, nil
}

// Deliver handles messages retrieved from a swarm namespace and returns
// the hashes queued for a retry. Those are recorded by the retry that
// handles them; every other hash may be recorded by the caller.
func (r *Receiver) Deliver(ctx context.Context, owner account.ID, ns swarm.Namespace, msgs []swarm.StoredMessage) ([]string, error) {
	if ns == swarm.NamespaceRevokedGroupMessages {
		for _, m := range msgs {
			if err := r.handler.Revoked(ctx, owner, m.Data); err != nil {
				return nil, fmt.Errorf("revoked notice %s:\n%w", m.Hash, err)
			}
		}
		return nil, nil
	}

	params := make([]Parameters, len(msgs))
	for i, m := range msgs {
		params[i] = Parameters{
			Owner:           owner,
			Namespace:       ns,
			Hash:            m.Hash,
			Data:            m.Data,
			ServerTimestamp: m.Timestamp,
		}
	}

	return r.process(ctx, params)
}

// RoomInfo forwards room details.
func (r *Receiver) RoomInfo(server opengroup.Server, room string, info opengroup.RoomPollInfo) {
	r.handler.RoomInfo(server, room, info)
}

// RoomMessages handles new and deleted posts of a room.
func (r *Receiver) RoomMessages(ctx context.Context, server opengroup.Server, room string, additions []opengroup.Message, deletions []int64) error {
	if len(deletions) > 0 {
		t := Thread{Kind: ThreadCommunity, ID: server.BaseURL + "/" + room}
		if err := r.handler.Deleted(ctx, t, deletions); err != nil {
			return fmt.Errorf("deletions in %s:\n%w", t, err)
		}
	}

	params := make([]Parameters, 0, len(additions))
	for _, m := range additions {
		data, err := m.Payload()
		if err != nil {
			r.log.Warn("bad room payload", "server", server.BaseURL, "room", room, "id", m.ID, "error", err)
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(m.Signature)
		if err != nil {
			r.log.Warn("bad room signature", "server", server.BaseURL, "room", room, "id", m.ID, "error", err)
			continue
		}

		params = append(params, Parameters{
			Data:            data,
			ServerID:        m.ID,
			ServerTimestamp: m.PostedMillis(),
			Room:            Some(Room{Server: server, Name: room, Sender: m.SessionID, Signature: sig}),
		})
	}

	_, err := r.process(ctx, params)
	return err
}

// DirectMessages decrypts and handles community inbox or outbox messages.
func (r *Receiver) DirectMessages(ctx context.Context, server opengroup.Server, msgs []opengroup.DirectMessage, fromOutbox bool) error {
	if r.communities == nil {
		return nil
	}

	params := make([]Parameters, 0, len(msgs))
	for _, dm := range msgs {
		peerHex := dm.Sender
		if fromOutbox {
			peerHex = dm.Recipient
		}

		peer, err := account.Parse(peerHex)
		if err != nil {
			r.log.Warn("bad direct message peer", "server", server.BaseURL, "id", dm.ID, "error", err)
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(dm.Message)
		if err != nil {
			r.log.Warn("bad direct message payload", "server", server.BaseURL, "id", dm.ID, "error", err)
			continue
		}

		content, err := r.communities.DecryptDirect(server, dm, raw, fromOutbox)
		if err != nil {
			r.log.Warn("cannot open direct message", "server", server.BaseURL, "id", dm.ID, "error", err)
			continue
		}

		params = append(params, Parameters{
			Data:            content,
			ServerID:        dm.ID,
			ServerTimestamp: dm.PostedMillis(),
			Inbox:           Some(Inbox{Server: server, Peer: peer, FromOutbox: fromOutbox}),
		})
	}

	_, err := r.process(ctx, params)
	return err
}

// process runs jobs over params, queues their retryable failures and
// returns the hashes of the queued items.
func (r *Receiver) process(ctx context.Context, params []Parameters) ([]string, error) {
	var retrying []string

	for _, job := range r.NewJobs(params) {
		failed, err := job.Execute(ctx)
		if err != nil {
			return nil, err
		}

		if r.metrics != nil {
			r.metrics.ObserveReceive(len(job.Messages)-len(failed.Items), len(failed.Items))
		}

		if failed.Empty() {
			continue
		}

		queued, err := r.requeue(job, failed)
		if err != nil {
			return nil, err
		}
		if queued {
			for _, it := range failed.Items {
				retrying = append(retrying, it.Params.Hash)
			}
		}
	}

	return retrying, nil
}

// requeue schedules the failed items of job for another attempt. It
// reports false when the items ran out of attempts; they are then logged
// and recorded as handled.
func (r *Receiver) requeue(job *BatchJob, failed FailedMessages) (bool, error) {
	attempt := job.Attempt + 1
	if attempt >= maxAttempts {
		r.log.Warn("giving up on messages", "job", job.ID, "items", len(failed.Items), "error", failed.Items[0].Err)

		keys := make([]Key, len(failed.Items))
		for i, it := range failed.Items {
			keys[i] = it.Params.key()
		}
		return false, r.dedup.Record(keys...)
	}

	next := &BatchJob{ID: job.ID, Messages: failed.Params(), Attempt: attempt, r: r}

	select {
	case r.retry <- next:
		return true, nil
	default:
		return false, ErrRetryQueueFull
	}
}

// Run executes queued retries until ctx is done.
func (r *Receiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.retry:
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(job.Attempt) * retryDelay):
			}

			failed, err := job.Execute(ctx)
			if err != nil {
				r.log.Warn("retry failed", "job", job.ID, "error", err)
				failed = FailedMessages{Job: job.ID}
				for _, p := range job.Messages {
					failed.Items = append(failed.Items, Failure{Params: p, Err: err})
				}
			}

			if !failed.Empty() {
				if _, err := r.requeue(job, failed); err != nil {
					r.log.Warn("dropping retry", "job", job.ID, "error", err)
				}
			}
		}
	}
}
