package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/crypt"
)

// =============================================================================
// Group messages
// =============================================================================

func TestGroupMessageRoundTripAcrossGenerations(t *testing.T) {
	group, adminKey := newGroup(t)
	adminKeys := newKeys(t)
	memberKeys := newKeys(t)

	admin := newEngine(t, adminKeys, nil)
	require.NoError(t, admin.AddGroup(group, adminKey))

	rekey := func() {
		require.NoError(t, admin.WithMutableGroupConfigs(group, func(w GroupWriter) error {
			w.Members().Set(Member{ID: memberKeys.ID()})
			_, err := w.Rekey()
			return err
		}))
	}

	rekey()
	old, err := admin.EncryptGroupMessage(group, []byte("first generation"))
	require.NoError(t, err)

	rekey()
	current, err := admin.EncryptGroupMessage(group, []byte("second generation"))
	require.NoError(t, err)

	for ct, want := range map[string]string{string(old): "first generation", string(current): "second generation"} {
		pt, sender, err := admin.DecryptGroupMessage(group, []byte(ct))
		require.NoError(t, err)
		require.Equal(t, want, string(pt))
		require.Equal(t, adminKeys.ID(), sender)
	}
}

func TestGroupMessageRejectsTampering(t *testing.T) {
	group, adminKey := newGroup(t)
	e := newEngine(t, newKeys(t), nil)
	require.NoError(t, e.AddGroup(group, adminKey))

	_, err := e.EncryptGroupMessage(group, []byte("x"))
	require.True(t, errors.Is(err, ErrNoGroupKey))

	require.NoError(t, e.WithMutableGroupConfigs(group, func(w GroupWriter) error {
		_, err := w.Rekey()
		return err
	}))

	ct, err := e.EncryptGroupMessage(group, []byte("hello"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 1
	_, _, err = e.DecryptGroupMessage(group, ct)
	require.ErrorIs(t, err, crypt.ErrDecrypt)
}

func TestGroupAuthRequiresMembership(t *testing.T) {
	group, _ := newGroup(t)
	keys := newKeys(t)
	e := newEngine(t, keys, nil)

	_, err := e.GroupAuth(group)
	require.ErrorIs(t, err, ErrNotMember)

	require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
		w.UserGroups().SetGroup(GroupEntry{ID: group, AuthToken: []byte("t"), AuthSig: []byte("s")})
		return nil
	}))

	auth, err := e.GroupAuth(group)
	require.NoError(t, err)
	require.Equal(t, group, auth.Account())
}

func TestLegacyGroupKeyPair(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys, nil)
	group := newKeys(t).ID()

	_, ok := e.LegacyGroupKeyPair(group)
	require.False(t, ok)

	kp, err := crypt.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, e.WithMutableUserConfigs(func(w UserWriter) error {
		w.UserGroups().SetLegacyGroup(LegacyGroup{ID: group, Name: "old", KeyPublic: kp.Public[:], KeyPrivate: kp.Private[:]})
		return nil
	}))

	got, ok := e.LegacyGroupKeyPair(group)
	require.True(t, ok)
	require.Equal(t, kp, got)
}
