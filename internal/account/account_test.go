package account

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func newTestKeys(t *testing.T) *Keys {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	k, err := NewKeys(priv)
	require.NoError(t, err)

	return k
}

// ===== identifiers =====

func TestParseRoundTrip(t *testing.T) {
	k := newTestKeys(t)

	id, err := Parse(k.ID().Hex())
	require.NoError(t, err)
	require.Equal(t, k.ID(), id)
	require.Equal(t, PrefixStandard, id.Prefix())
	require.True(t, strings.HasPrefix(id.Hex(), "05"))
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("05abcd")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = Parse("ff" + strings.Repeat("00", 32))
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = Parse("05" + strings.Repeat("zz", 32))
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestTextMarshal(t *testing.T) {
	k := newTestKeys(t)

	text, err := k.ID().MarshalText()
	require.NoError(t, err)

	var back ID
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, k.ID(), back)
}

// ===== keys =====

func TestX25519Consistent(t *testing.T) {
	k := newTestKeys(t)

	pub, err := curve25519.X25519(k.X25519Private()[:], curve25519.Basepoint)
	require.NoError(t, err)
	require.Equal(t, k.X25519Public()[:], pub)
}

// ===== blinding =====

func TestBlindedSignVerifies(t *testing.T) {
	k := newTestKeys(t)
	server := make([]byte, 32)
	_, _ = rand.Read(server)

	blinded, err := k.BlindedID(server)
	require.NoError(t, err)
	require.True(t, blinded.IsBlinded())

	msg := []byte("GET /room/lobby/messages/recent")
	sig, err := k.BlindedSign(server, msg)
	require.NoError(t, err)

	require.True(t, ed25519.Verify(blinded.Key(), msg, sig))
	require.False(t, ed25519.Verify(k.Ed25519Public(), msg, sig))
}

func TestBlindedIDPerServer(t *testing.T) {
	k := newTestKeys(t)

	a, err := k.BlindedID(make([]byte, 32))
	require.NoError(t, err)

	other := make([]byte, 32)
	other[0] = 1
	b, err := k.BlindedID(other)
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestBlindedSharedPointSymmetric(t *testing.T) {
	alice, bob := newTestKeys(t), newTestKeys(t)
	server := make([]byte, 32)
	_, _ = rand.Read(server)

	aliceID, err := alice.BlindedID(server)
	require.NoError(t, err)
	bobID, err := bob.BlindedID(server)
	require.NoError(t, err)

	ab, err := alice.BlindedSharedPoint(server, bobID)
	require.NoError(t, err)
	ba, err := bob.BlindedSharedPoint(server, aliceID)
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	_, err = alice.BlindedSharedPoint(server, bob.ID())
	require.ErrorIs(t, err, ErrInvalidID)
}
