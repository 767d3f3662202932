package crypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a symmetric key.
const KeySize = chacha20poly1305.KeySize

// Encrypt seals plaintext with XChaCha20-Poly1305 under key.
// The random nonce is prepended to the ciphertext.
func Encrypt(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead:\n%w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce:\n%w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(key, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead:\n%w", err)
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]

	out, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], ad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return out, nil
}

// DeriveKey derives a 32-byte key from secret under a domain label.
func DeriveKey(secret []byte, domain string) []byte {
	h, _ := blake2b.New256(secret)
	h.Write([]byte(domain))

	return h.Sum(nil)
}

// Hash returns the 32-byte BLAKE2b digest of the concatenated parts.
func Hash(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}
