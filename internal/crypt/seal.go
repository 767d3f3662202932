// Package crypt holds the message-level cryptography: sealed boxes between
// accounts, symmetric AEAD for groups and configs, padding and hashing.
package crypt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"SwarmSync/internal/account"
)

var (
	// ErrDecrypt is returned when a ciphertext cannot be opened.
	ErrDecrypt = errors.New("decryption failed")

	// ErrBadSignature is returned when the inner sender signature is invalid.
	ErrBadSignature = errors.New("invalid sender signature")
)

// Signer is the subset of account.Keys needed to seal a message.
type Signer interface {
	Ed25519Public() ed25519.PublicKey
	Sign(msg []byte) []byte
}

// Seal encrypts plaintext for the holder of recipient's x25519 key.
// The plaintext is bound to the sender by an ed25519 signature covering
// the plaintext, the sender key and the recipient key.
func Seal(plaintext []byte, sender Signer, recipient *[32]byte) ([]byte, error) {
	senderPub := sender.Ed25519Public()

	signed := make([]byte, 0, len(plaintext)+2*32)
	signed = append(signed, plaintext...)
	signed = append(signed, senderPub...)
	signed = append(signed, recipient[:]...)

	inner := make([]byte, 0, len(plaintext)+32+ed25519.SignatureSize)
	inner = append(inner, plaintext...)
	inner = append(inner, senderPub...)
	inner = append(inner, sender.Sign(signed)...)

	out, err := box.SealAnonymous(nil, inner, recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal:\n%w", err)
	}

	return out, nil
}

// Open reverses Seal using the recipient's x25519 key pair and returns the
// plaintext and the sender's standard account id.
func Open(ciphertext []byte, pub, priv *[32]byte) ([]byte, account.ID, error) {
	inner, ok := box.OpenAnonymous(nil, ciphertext, pub, priv)
	if !ok {
		return nil, account.ID{}, ErrDecrypt
	}

	if len(inner) < ed25519.PublicKeySize+ed25519.SignatureSize {
		return nil, account.ID{}, fmt.Errorf("%w: short payload", ErrDecrypt)
	}

	sigStart := len(inner) - ed25519.SignatureSize
	keyStart := sigStart - ed25519.PublicKeySize

	plaintext := inner[:keyStart]
	senderPub := ed25519.PublicKey(inner[keyStart:sigStart])
	sig := inner[sigStart:]

	signed := make([]byte, 0, len(plaintext)+2*32)
	signed = append(signed, plaintext...)
	signed = append(signed, senderPub...)
	signed = append(signed, pub[:]...)

	if !ed25519.Verify(senderPub, signed, sig) {
		return nil, account.ID{}, ErrBadSignature
	}

	senderX, err := account.X25519FromEd25519(senderPub)
	if err != nil {
		return nil, account.ID{}, fmt.Errorf("sender key:\n%w", err)
	}

	sender, err := account.New(account.PrefixStandard, senderX[:])
	if err != nil {
		return nil, account.ID{}, err
	}

	return plaintext, sender, nil
}

// KeyPair is an x25519 key pair, used for shared legacy group keys.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh x25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{Public: *pub, Private: *priv}, nil
}
