package account

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// blindingFactor computes k = H(serverPubKey) mod L.
func blindingFactor(serverPubKey []byte) (*edwards25519.Scalar, error) {
	h := blake2b.Sum512(serverPubKey)
	return edwards25519.NewScalar().SetUniformBytes(h[:])
}

// BlindedID returns the 0x15 pseudonym of an ed25519 key on one server.
func BlindedID(pub ed25519.PublicKey, serverPubKey []byte) (ID, error) {
	k, err := blindingFactor(serverPubKey)
	if err != nil {
		return ID{}, fmt.Errorf("blinding factor:\n%w", err)
	}

	a, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return ID{}, fmt.Errorf("decode public key:\n%w", err)
	}

	kA := new(edwards25519.Point).ScalarMult(k, a)

	return New(PrefixBlinded15, kA.Bytes())
}

// BlindedID returns this account's pseudonym on the given server.
func (k *Keys) BlindedID(serverPubKey []byte) (ID, error) {
	return BlindedID(k.Ed25519Public(), serverPubKey)
}

// BlindedSign produces a signature verifiable with ed25519.Verify against
// the blinded public key of this account on the given server.
func (k *Keys) BlindedSign(serverPubKey, msg []byte) ([]byte, error) {
	ka, err := k.blindedScalar(serverPubKey)
	if err != nil {
		return nil, err
	}

	h := sha512.Sum512(k.ed25519.Seed())
	kA := new(edwards25519.Point).ScalarBaseMult(ka).Bytes()

	// r = H(h[32:] || kA || msg), deterministic per message
	rh := sha512.New()
	rh.Write(h[32:])
	rh.Write(kA)
	rh.Write(msg)

	r, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		return nil, err
	}

	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	hh := sha512.New()
	hh.Write(R)
	hh.Write(kA)
	hh.Write(msg)

	hram, err := edwards25519.NewScalar().SetUniformBytes(hh.Sum(nil))
	if err != nil {
		return nil, err
	}

	s := edwards25519.NewScalar().MultiplyAdd(hram, ka, r)

	return append(R, s.Bytes()...), nil
}

// blindedScalar returns ka, the private scalar behind BlindedID.
func (k *Keys) blindedScalar(serverPubKey []byte) (*edwards25519.Scalar, error) {
	blind, err := blindingFactor(serverPubKey)
	if err != nil {
		return nil, fmt.Errorf("blinding factor:\n%w", err)
	}

	h := sha512.Sum512(k.ed25519.Seed())

	a, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, err
	}

	return edwards25519.NewScalar().Multiply(blind, a), nil
}

// BlindedSharedPoint returns ka·B for the blinded key B of other on the
// same server. Both parties derive the same point.
func (k *Keys) BlindedSharedPoint(serverPubKey []byte, other ID) ([]byte, error) {
	if !other.IsBlinded() {
		return nil, fmt.Errorf("%w: %s is not blinded", ErrInvalidID, other)
	}

	ka, err := k.blindedScalar(serverPubKey)
	if err != nil {
		return nil, err
	}

	b, err := new(edwards25519.Point).SetBytes(other.Key())
	if err != nil {
		return nil, fmt.Errorf("decode blinded key:\n%w", err)
	}

	return new(edwards25519.Point).ScalarMult(ka, b).Bytes(), nil
}
