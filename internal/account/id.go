package account

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Prefix is the version byte of an account identifier.
type Prefix byte

const (
	PrefixUnblinded Prefix = 0x00 // PrefixUnblinded marks a raw ed25519 key (open groups)
	PrefixGroup     Prefix = 0x03 // PrefixGroup marks a closed group identity
	PrefixStandard  Prefix = 0x05 // PrefixStandard marks a user's x25519 key
	PrefixBlinded15 Prefix = 0x15 // PrefixBlinded15 marks a per-server blinded key
	PrefixBlinded25 Prefix = 0x25 // PrefixBlinded25 marks a v2 per-server blinded key
)

// KeySize is the size of the key part of an identifier.
const KeySize = 32

// ErrInvalidID is returned when an identifier cannot be parsed.
var ErrInvalidID = errors.New("invalid account id")

// ID is a versioned public-key identifier: one prefix byte and a 32-byte key.
// IDs are comparable and safe to use as map keys.
type ID [1 + KeySize]byte

// New builds an ID from a prefix and a key.
func New(p Prefix, key []byte) (ID, error) {
	var id ID
	if len(key) != KeySize {
		return id, fmt.Errorf("%w: key length %d", ErrInvalidID, len(key))
	}

	id[0] = byte(p)
	copy(id[1:], key)

	return id, nil
}

// Parse decodes a 66-character hex identifier.
func Parse(s string) (ID, error) {
	var id ID

	if len(s) != 2*len(id) {
		return id, fmt.Errorf("%w: length %d", ErrInvalidID, len(s))
	}

	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	switch Prefix(id[0]) {
	case PrefixUnblinded, PrefixGroup, PrefixStandard, PrefixBlinded15, PrefixBlinded25:
	default:
		return id, fmt.Errorf("%w: unknown prefix %02x", ErrInvalidID, id[0])
	}

	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return id
}

// Prefix returns the version byte.
func (id ID) Prefix() Prefix { return Prefix(id[0]) }

// Key returns the 32-byte key without the prefix.
func (id ID) Key() []byte { return append([]byte(nil), id[1:]...) }

// Hex returns the 66-character hex form.
func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer.
func (id ID) String() string { return id.Hex() }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

// IsBlinded reports whether id is a per-server pseudonym.
func (id ID) IsBlinded() bool {
	return id.Prefix() == PrefixBlinded15 || id.Prefix() == PrefixBlinded25
}

// IsGroup reports whether id is a closed group.
func (id ID) IsGroup() bool { return id.Prefix() == PrefixGroup }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}
