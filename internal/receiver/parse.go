package receiver

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/swarm"
)

var (
	// ErrUnsupported is returned for items of a namespace or envelope
	// type the receiver does not read.
	ErrUnsupported = errors.New("unsupported payload")

	// ErrSelfSend is returned for a message the local account sent to
	// itself that is neither a sync echo nor a control message.
	ErrSelfSend = errors.New("message sent to self")
)

// permanent reports whether a failure cannot be fixed by trying again.
func permanent(err error) bool {
	for _, target := range []error{
		message.ErrMalformed, message.ErrEmpty, crypt.ErrDecrypt, crypt.ErrBadSignature,
		crypt.ErrPadding, opengroup.ErrDirectMessage, ErrUnsupported, ErrSelfSend,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// parse opens the payload of p and finds its thread.
func (r *Receiver) parse(p Parameters) (Received, error) {
	if room, ok := p.Room.Get(); ok {
		return r.parseRoom(p, room)
	}

	if inbox, ok := p.Inbox.Get(); ok {
		return r.parseInbox(p, inbox)
	}

	if r.groups == nil && p.Namespace != swarm.NamespaceDefault {
		return Received{}, fmt.Errorf("%w: no group keys for namespace %s", ErrUnsupported, p.Namespace)
	}

	switch p.Namespace {
	case swarm.NamespaceGroupMessages:
		return r.parseGroup(p)
	case swarm.NamespaceDefault, swarm.NamespaceLegacyClosedGroup:
		return r.parseEnvelope(p)
	}

	return Received{}, fmt.Errorf("%w: namespace %s", ErrUnsupported, p.Namespace)
}

func decode(content []byte, p Parameters, sender account.ID) (*message.Message, error) {
	msg, err := message.DecodeContent(content)
	if err != nil {
		return nil, err
	}

	msg.Sender = sender
	msg.Hash = p.Hash

	return msg, nil
}

// parseEnvelope opens a swarm envelope: a sealed one-to-one message or a
// legacy group message sealed to the group key pair.
func (r *Receiver) parseEnvelope(p Parameters) (Received, error) {
	env, err := message.UnmarshalEnvelope(p.Data)
	if err != nil {
		return Received{}, err
	}

	var (
		pt     []byte
		sender account.ID
		thread Thread
	)

	switch env.Type {
	case message.EnvelopeSession:
		pt, sender, err = crypt.Open(env.Content, r.keys.X25519Public(), r.keys.X25519Private())
		if err != nil {
			return Received{}, err
		}
		thread = Thread{Kind: ThreadContact, ID: sender.Hex()}

	case message.EnvelopeClosedGroup:
		group, err := account.Parse(env.Source)
		if err != nil {
			return Received{}, fmt.Errorf("%w: group source:\n%w", message.ErrMalformed, err)
		}

		if r.groups == nil {
			return Received{}, fmt.Errorf("%w: legacy group %s", ErrUnsupported, group)
		}
		kp, ok := r.groups.LegacyGroupKeyPair(group)
		if !ok {
			return Received{}, fmt.Errorf("legacy group %s:\n%w", group, config.ErrNoGroupKey)
		}

		pt, sender, err = crypt.Open(env.Content, &kp.Public, &kp.Private)
		if err != nil {
			return Received{}, err
		}
		thread = Thread{Kind: ThreadLegacyGroup, ID: group.Hex()}

	default:
		return Received{}, fmt.Errorf("%w: envelope type %d", ErrUnsupported, env.Type)
	}

	content, err := crypt.Unpad(pt)
	if err != nil {
		return Received{}, err
	}

	msg, err := decode(content, p, sender)
	if err != nil {
		return Received{}, err
	}

	outgoing := sender == r.keys.ID()
	if outgoing && thread.Kind == ThreadContact {
		switch {
		case msg.IsSyncEcho():
			thread.ID = msg.SyncTarget
		case !msg.IsControl():
			return Received{}, ErrSelfSend
		}
	}

	return Received{Params: p, Thread: thread, Message: msg, Outgoing: outgoing}, nil
}

// parseGroup opens a closed group message with the group keys.
func (r *Receiver) parseGroup(p Parameters) (Received, error) {
	pt, sender, err := r.groups.DecryptGroupMessage(p.Owner, p.Data)
	if err != nil {
		return Received{}, err
	}

	env, err := message.UnmarshalEnvelope(pt)
	if err != nil {
		return Received{}, err
	}

	msg, err := decode(env.Content, p, sender)
	if err != nil {
		return Received{}, err
	}

	return Received{
		Params:   p,
		Thread:   Thread{Kind: ThreadClosedGroup, ID: p.Owner.Hex()},
		Message:  msg,
		Outgoing: sender == r.keys.ID(),
	}, nil
}

// parseRoom checks the signature of a room post and decodes it. Posts are
// signed by the ed25519 key the session id carries.
func (r *Receiver) parseRoom(p Parameters, room Room) (Received, error) {
	sender, err := account.Parse(room.Sender)
	if err != nil {
		return Received{}, fmt.Errorf("%w: sender:\n%w", message.ErrMalformed, err)
	}

	switch sender.Prefix() {
	case account.PrefixUnblinded, account.PrefixBlinded15:
	default:
		return Received{}, fmt.Errorf("%w: cannot verify %s", crypt.ErrBadSignature, sender)
	}

	if !ed25519.Verify(sender.Key(), p.Data, room.Signature) {
		return Received{}, crypt.ErrBadSignature
	}

	content, err := crypt.Unpad(p.Data)
	if err != nil {
		return Received{}, err
	}

	msg, err := decode(content, p, sender)
	if err != nil {
		return Received{}, err
	}

	return Received{
		Params:   p,
		Thread:   Thread{Kind: ThreadCommunity, ID: room.Server.BaseURL + "/" + room.Name},
		Message:  msg,
		Outgoing: r.isSelf(room.Server, sender),
	}, nil
}

// parseInbox decodes an already decrypted community direct message.
func (r *Receiver) parseInbox(p Parameters, inbox Inbox) (Received, error) {
	sender := inbox.Peer
	if inbox.FromOutbox {
		self, err := r.keys.BlindedID(inbox.Server.PubKey)
		if err != nil {
			return Received{}, err
		}
		sender = self
	}

	msg, err := decode(p.Data, p, sender)
	if err != nil {
		return Received{}, err
	}

	return Received{
		Params:   p,
		Thread:   Thread{Kind: ThreadCommunityInbox, ID: inbox.Server.BaseURL + "/" + inbox.Peer.Hex()},
		Message:  msg,
		Outgoing: inbox.FromOutbox,
	}, nil
}

// isSelf reports whether id is the local account as seen by server.
func (r *Receiver) isSelf(server opengroup.Server, id account.ID) bool {
	if id == r.keys.UnblindedID() {
		return true
	}

	blinded, err := r.keys.BlindedID(server.PubKey)
	return err == nil && id == blinded
}
