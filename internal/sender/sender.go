// Package sender routes outbound messages: it stamps and validates them,
// encrypts them for their destination and stores them on every namespace
// the destination is read from.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"SwarmSync/internal/account"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/swarm"
)

// Network is the part of swarm.Client the sender uses.
type Network interface {
	Store(ctx context.Context, auth swarm.Auth, msg swarm.StoreMessage) (swarm.StoreResponse, error)
	Clock() *swarm.Clock
}

// Groups provides group encryption and auth. config.Engine implements it.
type Groups interface {
	EncryptGroupMessage(id account.ID, plaintext []byte) ([]byte, error)
	GroupAuth(id account.ID) (swarm.Auth, error)
	LegacyGroupKeyPair(id account.ID) (crypt.KeyPair, bool)
}

// Communities is the part of opengroup.Client the sender uses.
type Communities interface {
	Capabilities(ctx context.Context, server opengroup.Server) (opengroup.Capabilities, error)
	PostMessage(ctx context.Context, server opengroup.Server, room string, data []byte) (opengroup.Message, error)
	EncryptDirect(server opengroup.Server, recipient account.ID, plaintext []byte) ([]byte, error)
	SendDirect(ctx context.Context, server opengroup.Server, recipient account.ID, ciphertext []byte) (opengroup.DirectMessage, error)
}

// Metrics observes sends.
type Metrics interface {
	ObserveSend(destination string, d time.Duration, err error)
}

// Config configures a Sender.
type Config struct {
	Keys        *account.Keys
	Network     Network
	Groups      Groups
	Communities Communities
	Logger      *slog.Logger
	Metrics     Metrics
}

// Result describes a stored message.
type Result struct {
	ID        uuid.UUID       // ID is the correlation id of the message
	Hash      string          // Hash is the swarm hash, empty for open groups
	Namespace swarm.Namespace // Namespace is the namespace whose store won
	ServerID  int64           // ServerID is the open group message id
	Timestamp int64           // Timestamp is the sent time in milliseconds
	Synced    bool            // Synced is set when the own-swarm copy was stored
}

// Sender sends messages. It is safe for concurrent use.
type Sender struct {
	keys        *account.Keys
	net         Network
	groups      Groups
	communities Communities
	log         *slog.Logger
	metrics     Metrics
}

// New creates a sender.
func New(cfg Config) *Sender {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Sender{
		keys:        cfg.Keys,
		net:         cfg.Network,
		groups:      cfg.Groups,
		communities: cfg.Communities,
		log:         log.With("component", "sender"),
		metrics:     cfg.Metrics,
	}
}

// Send sends msg to dest. Contact messages that are not sync echoes are
// copied to the own swarm once stored.
func (s *Sender) Send(ctx context.Context, msg *message.Message, dest Destination) (Result, error) {
	start := time.Now()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	var (
		res Result
		err error
	)

	switch d := dest.(type) {
	case OpenGroupRoom:
		res, err = s.sendToRoom(ctx, msg, d)
	case OpenGroupInbox:
		res, err = s.sendToInbox(ctx, msg, d)
	default:
		res, err = s.sendToSwarm(ctx, msg, dest)
	}

	if s.metrics != nil {
		s.metrics.ObserveSend(dest.String(), time.Since(start), err)
	}

	if err != nil {
		s.log.Warn("send failed",
			"id", msg.ID, "kind", msg.Kind(), "destination", dest, "retryable", IsRetryable(err), "error", err)
		return res, err
	}

	s.log.Debug("message sent", "id", msg.ID, "kind", msg.Kind(), "destination", dest, "hash", res.Hash)

	if c, ok := dest.(Contact); ok && !msg.IsSyncEcho() && c.ID != s.keys.ID() && syncable(msg) {
		res.Synced = s.syncToSelf(ctx, msg, c)
	}

	return res, nil
}

// syncable reports whether a sent message is mirrored to the own swarm.
func syncable(msg *message.Message) bool {
	switch msg.Kind() {
	case message.KindVisible, message.KindExpirationTimerUpdate:
		return true
	}

	return false
}

// syncToSelf stores a copy of msg for the other devices of the account.
func (s *Sender) syncToSelf(ctx context.Context, msg *message.Message, to Contact) bool {
	echo := *msg
	echo.ID = uuid.New()
	echo.SyncTarget = to.ID.Hex()

	if _, err := s.sendToSwarm(ctx, &echo, Contact{ID: s.keys.ID()}); err != nil {
		s.log.Warn("sync to own swarm failed", "id", msg.ID, "error", err)
		return false
	}

	return true
}

// prepare stamps msg and checks it may be sent to to.
func (s *Sender) prepare(msg *message.Message, to account.ID) error {
	if s.keys == nil {
		return ErrNoUserEd25519KeyPair
	}

	if msg.SentAt == 0 {
		msg.SentAt = s.net.Clock().NowMillis()
	}
	msg.Sender = s.keys.ID()

	if err := msg.Validate(); err != nil {
		if errors.Is(err, message.ErrInvalidGroupUpdate) {
			return fmt.Errorf("%w: %v", ErrInvalidClosedGroupUpdate, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if to == s.keys.ID() && !selfSendAllowed(msg) {
		return fmt.Errorf("%w: %s to self", ErrInvalidMessage, msg.Kind())
	}

	return nil
}

// selfSendAllowed lists what may be stored in the own swarm: sync echoes,
// unsend requests and new group announcements.
func selfSendAllowed(msg *message.Message) bool {
	if msg.IsSyncEcho() || msg.Kind() == message.KindUnsend {
		return true
	}

	g, ok := msg.Body.(*message.GroupUpdate)
	return ok && g.Type == message.GroupNew
}

// encode serializes the content of msg.
func encode(msg *message.Message) ([]byte, error) {
	content, err := message.EncodeContent(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtoConversion, err)
	}

	return content, nil
}

// wrap encrypts content for dest and returns the stored payload.
func (s *Sender) wrap(msg *message.Message, dest Destination, content []byte) ([]byte, error) {
	switch d := dest.(type) {
	case Contact:
		x := [32]byte(d.ID.Key())
		ct, err := crypt.Seal(crypt.Pad(content), s.keys, &x)
		if err != nil {
			return nil, err
		}
		return message.Envelope{Type: message.EnvelopeSession, Timestamp: msg.SentAt, Content: ct}.Marshal(), nil

	case LegacyClosedGroup:
		kp, ok := s.groups.LegacyGroupKeyPair(d.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoKeyPair, d.ID)
		}
		ct, err := crypt.Seal(crypt.Pad(content), s.keys, &kp.Public)
		if err != nil {
			return nil, err
		}
		return message.Envelope{
			Type:      message.EnvelopeClosedGroup,
			Source:    d.ID.Hex(),
			Timestamp: msg.SentAt,
			Content:   ct,
		}.Marshal(), nil

	case ClosedGroup:
		env := message.Envelope{
			Type:      message.EnvelopeClosedGroup,
			Source:    d.ID.Hex(),
			Timestamp: msg.SentAt,
			Content:   content,
		}.Marshal()
		data, err := s.groups.EncryptGroupMessage(d.ID, env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoKeyPair, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidDestination, dest)
}

// auth returns the store auth of dest, nil for unauthenticated stores.
func (s *Sender) auth(dest Destination) (swarm.Auth, error) {
	if g, ok := dest.(ClosedGroup); ok {
		auth, err := s.groups.GroupAuth(g.ID)
		if err != nil {
			return nil, fmt.Errorf("group auth %s:\n%w", g.ID, err)
		}
		return auth, nil
	}

	return nil, nil
}

// sendToSwarm stores msg in every namespace of dest in parallel. The
// first namespace to succeed wins; when all fail the first error is
// returned.
func (s *Sender) sendToSwarm(ctx context.Context, msg *message.Message, dest Destination) (Result, error) {
	to, ok := recipient(dest)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidDestination, dest)
	}

	if err := s.prepare(msg, to); err != nil {
		return Result{}, err
	}

	content, err := encode(msg)
	if err != nil {
		return Result{}, err
	}

	data, err := s.wrap(msg, dest, content)
	if err != nil {
		return Result{}, err
	}

	auth, err := s.auth(dest)
	if err != nil {
		return Result{}, err
	}

	nss := namespaces(dest)

	type stored struct {
		index int
		hash  string
		err   error
	}

	// the first successful store wins; the rest are abandoned
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan stored, len(nss))
	for i, ns := range nss {
		go func() {
			resp, err := s.net.Store(ctx, auth, swarm.StoreMessage{
				Recipient: to,
				Namespace: ns,
				Data:      data,
				TTL:       msg.TTL().Milliseconds(),
				Timestamp: msg.SentAt,
			})
			if err != nil {
				results <- stored{index: i, err: err}
				return
			}

			hash, _ := resp.MessageHash()
			results <- stored{index: i, hash: hash}
		}()
	}

	errs := make([]error, len(nss))
	for range nss {
		r := <-results
		if r.err != nil {
			errs[r.index] = r.err
			continue
		}

		msg.Hash = r.hash
		return Result{ID: msg.ID, Hash: r.hash, Namespace: nss[r.index], Timestamp: msg.SentAt}, nil
	}

	return Result{}, errs[0]
}

// communitySender returns the id the server will see: blinded when the
// server advertises blinding.
func (s *Sender) communitySender(ctx context.Context, server opengroup.Server) (account.ID, error) {
	caps, err := s.communities.Capabilities(ctx, server)
	if err != nil {
		return account.ID{}, err
	}

	if caps.Has(opengroup.CapabilityBlind) {
		return s.keys.BlindedID(server.PubKey)
	}

	return s.keys.UnblindedID(), nil
}

// prepareCommunity stamps and validates a message for a community.
// Only visible messages may be sent there.
func (s *Sender) prepareCommunity(ctx context.Context, msg *message.Message, server opengroup.Server) ([]byte, error) {
	if s.keys == nil {
		return nil, ErrNoUserEd25519KeyPair
	}

	if msg.SentAt == 0 {
		msg.SentAt = s.net.Clock().NowMillis()
	}

	sender, err := s.communitySender(ctx, server)
	if err != nil {
		return nil, err
	}
	msg.Sender = sender

	if msg.Kind() != message.KindVisible {
		return nil, fmt.Errorf("%w: %s to a community", ErrInvalidMessage, msg.Kind())
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return encode(msg)
}

func (s *Sender) sendToRoom(ctx context.Context, msg *message.Message, dest OpenGroupRoom) (Result, error) {
	content, err := s.prepareCommunity(ctx, msg, dest.Server)
	if err != nil {
		return Result{}, err
	}

	posted, err := s.communities.PostMessage(ctx, dest.Server, dest.Room, crypt.Pad(content))
	if err != nil {
		return Result{}, fmt.Errorf("post to %s/%s:\n%w", dest.Server.BaseURL, dest.Room, err)
	}

	return Result{ID: msg.ID, ServerID: posted.ID, Timestamp: posted.PostedMillis()}, nil
}

func (s *Sender) sendToInbox(ctx context.Context, msg *message.Message, dest OpenGroupInbox) (Result, error) {
	if !dest.Recipient.IsBlinded() {
		return Result{}, fmt.Errorf("%w: inbox recipient %s is not blinded", ErrInvalidDestination, dest.Recipient)
	}

	content, err := s.prepareCommunity(ctx, msg, dest.Server)
	if err != nil {
		return Result{}, err
	}

	ct, err := s.communities.EncryptDirect(dest.Server, dest.Recipient, content)
	if err != nil {
		return Result{}, err
	}

	dm, err := s.communities.SendDirect(ctx, dest.Server, dest.Recipient, ct)
	if err != nil {
		return Result{}, fmt.Errorf("send to inbox %s:\n%w", dest.Recipient, err)
	}

	return Result{ID: msg.ID, ServerID: dm.ID, Timestamp: dm.PostedMillis()}, nil
}
