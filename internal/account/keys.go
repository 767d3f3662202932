package account

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// ErrNoKeys is returned when signing material is absent.
var ErrNoKeys = errors.New("no signing key available")

// Keys is the local account's signing material.
type Keys struct {
	ed25519 ed25519.PrivateKey
	x25519  [32]byte // x25519 is the clamped curve25519 private scalar
	xPub    [32]byte // xPub is the matching curve25519 public key
	id      ID
}

// NewKeys derives the full key set from an ed25519 private key.
func NewKeys(priv ed25519.PrivateKey) (*Keys, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size %d", len(priv))
	}

	xPub, err := X25519FromEd25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("convert public key:\n%w", err)
	}

	k := &Keys{ed25519: priv, xPub: xPub}
	k.x25519 = x25519Scalar(priv.Seed())
	k.id, _ = New(PrefixStandard, xPub[:])

	return k, nil
}

// ID returns the standard (0x05) account identifier.
func (k *Keys) ID() ID { return k.id }

// Ed25519Public returns the ed25519 public key.
func (k *Keys) Ed25519Public() ed25519.PublicKey {
	return k.ed25519.Public().(ed25519.PublicKey)
}

// Ed25519Private returns the ed25519 private key.
func (k *Keys) Ed25519Private() ed25519.PrivateKey { return k.ed25519 }

// X25519Private returns the curve25519 private scalar.
func (k *Keys) X25519Private() *[32]byte { return &k.x25519 }

// X25519Public returns the curve25519 public key.
func (k *Keys) X25519Public() *[32]byte { return &k.xPub }

// Sign signs msg with the ed25519 key.
func (k *Keys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.ed25519, msg)
}

// UnblindedID returns the 0x00-prefixed ed25519 identity used by open groups
// that do not require blinding.
func (k *Keys) UnblindedID() ID {
	id, _ := New(PrefixUnblinded, k.Ed25519Public())
	return id
}

// X25519FromEd25519 maps an ed25519 public key to its Montgomery form.
func X25519FromEd25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte

	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, err
	}

	copy(out[:], p.BytesMontgomery())

	return out, nil
}

// x25519Scalar derives the clamped curve25519 scalar of an ed25519 seed.
func x25519Scalar(seed []byte) [32]byte {
	h := sha512.Sum512(seed)

	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64

	return out
}
