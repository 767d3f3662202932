package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"SwarmSync/internal/account"
	"SwarmSync/internal/crypt"
	"SwarmSync/internal/swarm"
)

var (
	// ErrNoGroupKey is returned when no generation of a group key is readable.
	ErrNoGroupKey = errors.New("no group key")

	// ErrNotMember is returned for a group missing from UserGroups or one
	// the user can no longer act in.
	ErrNotMember = errors.New("not a group member")
)

// groupSigned is the data covered by the sender signature of a group message.
func groupSigned(id account.ID, plaintext, senderPub []byte) []byte {
	out := make([]byte, 0, len(plaintext)+len(senderPub)+len(id))
	out = append(out, plaintext...)
	out = append(out, senderPub...)
	return append(out, id[:]...)
}

// EncryptGroupMessage signs plaintext as the local account and encrypts it
// with the newest key of the group.
func (e *Engine) EncryptGroupMessage(id account.ID, plaintext []byte) ([]byte, error) {
	var key []byte

	err := e.WithGroupConfigs(id, func(r GroupReader) error {
		k, ok := r.Keys().CurrentKey()
		if !ok {
			return ErrNoGroupKey
		}
		key = k
		return nil
	})
	if err != nil {
		return nil, err
	}

	pub := e.keys.Ed25519Public()

	inner := make([]byte, 0, len(plaintext)+ed25519.PublicKeySize+ed25519.SignatureSize)
	inner = append(inner, plaintext...)
	inner = append(inner, pub...)
	inner = append(inner, e.keys.Sign(groupSigned(id, plaintext, pub))...)

	return crypt.Encrypt(key, crypt.Pad(inner), id[:])
}

// DecryptGroupMessage opens a group message with every known generation,
// newest first, and returns the plaintext and the sender.
func (e *Engine) DecryptGroupMessage(id account.ID, ciphertext []byte) ([]byte, account.ID, error) {
	var keys [][]byte

	err := e.WithGroupConfigs(id, func(r GroupReader) error {
		keys = r.Keys().Keys()
		return nil
	})
	if err != nil {
		return nil, account.ID{}, err
	}
	if len(keys) == 0 {
		return nil, account.ID{}, ErrNoGroupKey
	}

	for _, key := range keys {
		padded, err := crypt.Decrypt(key, ciphertext, id[:])
		if err != nil {
			continue
		}

		inner, err := crypt.Unpad(padded)
		if err != nil {
			return nil, account.ID{}, err
		}

		return openGroupInner(id, inner)
	}

	return nil, account.ID{}, crypt.ErrDecrypt
}

func openGroupInner(id account.ID, inner []byte) ([]byte, account.ID, error) {
	if len(inner) < ed25519.PublicKeySize+ed25519.SignatureSize {
		return nil, account.ID{}, fmt.Errorf("%w: short group message", crypt.ErrDecrypt)
	}

	sigStart := len(inner) - ed25519.SignatureSize
	keyStart := sigStart - ed25519.PublicKeySize

	plaintext := inner[:keyStart]
	pub := ed25519.PublicKey(inner[keyStart:sigStart])

	if !ed25519.Verify(pub, groupSigned(id, plaintext, pub), inner[sigStart:]) {
		return nil, account.ID{}, crypt.ErrBadSignature
	}

	x, err := account.X25519FromEd25519(pub)
	if err != nil {
		return nil, account.ID{}, fmt.Errorf("sender key:\n%w", err)
	}

	sender, err := account.New(account.PrefixStandard, x[:])
	if err != nil {
		return nil, account.ID{}, err
	}

	return plaintext, sender, nil
}

// GroupAuth returns the auth for requests to a group swarm: the admin key
// when held, otherwise the sub-account token of the UserGroups entry.
func (e *Engine) GroupAuth(id account.ID) (swarm.Auth, error) {
	if admin, ok := e.GroupAdminKey(id); ok {
		return swarm.NewGroupAdminAuth(id, admin)
	}

	var (
		entry GroupEntry
		found bool
	)
	_ = e.WithUserConfigs(func(r UserReader) error {
		entry, found = r.UserGroups().Group(id)
		return nil
	})

	if !found || entry.Kicked || entry.Destroyed {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, id)
	}

	return swarm.NewSubAccountAuth(id, entry.AuthToken, entry.AuthSig, e.keys)
}

// LegacyGroupKeyPair returns the shared encryption key pair of a legacy group.
func (e *Engine) LegacyGroupKeyPair(id account.ID) (crypt.KeyPair, bool) {
	var (
		g     LegacyGroup
		found bool
	)
	_ = e.WithUserConfigs(func(r UserReader) error {
		g, found = r.UserGroups().LegacyGroup(id)
		return nil
	})

	if !found || len(g.KeyPublic) != 32 || len(g.KeyPrivate) != 32 {
		return crypt.KeyPair{}, false
	}

	var kp crypt.KeyPair
	copy(kp.Public[:], g.KeyPublic)
	copy(kp.Private[:], g.KeyPrivate)

	return kp, true
}
