package poller

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SwarmSync/internal/account"
	"SwarmSync/internal/config"
	"SwarmSync/internal/swarm"
)

func joinGroup(t *testing.T, e *config.Engine, entry config.GroupEntry) {
	t.Helper()

	require.NoError(t, e.WithMutableUserConfigs(func(w config.UserWriter) error {
		w.UserGroups().SetGroup(entry)
		return nil
	}))
}

func newGroupPoller(t *testing.T, keys *account.Keys, gid account.ID, e *config.Engine, net *fakeNet, sink *recordSink) *GroupPoller {
	t.Helper()

	p, err := NewGroupPoller(GroupConfig{
		Group:   gid,
		Keys:    keys,
		Network: net,
		Cursors: newState(t),
		Dedup:   newMemDedup(),
		Configs: e,
		Sink:    sink,
		Logger:  quietLogger,
	})
	require.NoError(t, err)

	return p
}

// =============================================================================
// Group poller
// =============================================================================

func TestGroupPollerHandlesRevokedLast(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys)
	gid, admin := newGroup(t)

	require.NoError(t, e.AddGroup(gid, admin))
	joinGroup(t, e, config.GroupEntry{ID: gid, Name: "team", AdminKey: admin})

	net := newFakeNet()
	net.put(gid, swarm.NamespaceRevokedGroupMessages, "r1")
	net.put(gid, swarm.NamespaceGroupMessages, "m1", "m2")

	sink := &recordSink{}
	p := newGroupPoller(t, keys, gid, e, net, sink)
	startLoop(t, p.loop)

	pass, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pass.Messages)
	require.Equal(t, 1, pass.Revoked)

	require.Equal(t, []swarm.Namespace{swarm.NamespaceGroupMessages, swarm.NamespaceRevokedGroupMessages}, sink.namespaces())
	require.Equal(t, []string{"m1", "m2", "r1"}, sink.hashes())

	reqs := net.batch(0)
	require.Len(t, reqs, len(groupNamespaces))
	for i, ns := range groupNamespaces {
		require.Equal(t, int(ns), reqs[i].Params["namespace"])
		require.Equal(t, gid.Hex(), reqs[i].Params["pubkey"])
	}
	_, signedAsMember := reqs[0].Params["subaccount"]
	require.False(t, signedAsMember, "admin polls with the group key")
}

func TestGroupPollerMemberUsesSubAccount(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys)
	gid, _ := newGroup(t)

	require.NoError(t, e.AddGroup(gid, nil))
	joinGroup(t, e, config.GroupEntry{ID: gid, AuthToken: []byte("token"), AuthSig: []byte("sig")})

	net := newFakeNet()
	p := newGroupPoller(t, keys, gid, e, net, &recordSink{})
	startLoop(t, p.loop)

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Contains(t, net.batch(0)[0].Params, "subaccount")
	require.Contains(t, net.batch(0)[0].Params, "subaccount_sig")
}

func TestGroupPollerStopsWhenKicked(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys)
	gid, _ := newGroup(t)

	require.NoError(t, e.AddGroup(gid, nil))
	joinGroup(t, e, config.GroupEntry{ID: gid, AuthToken: []byte("token"), AuthSig: []byte("sig"), Kicked: true})

	p := newGroupPoller(t, keys, gid, e, newFakeNet(), &recordSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.ErrorIs(t, p.Run(ctx), ErrGroupGone)
	require.Equal(t, StateStopped, p.State())
}

func TestGroupPollerRejectsUserID(t *testing.T) {
	keys := newKeys(t)

	_, err := NewGroupPoller(GroupConfig{Group: keys.ID(), Keys: keys})
	require.Error(t, err)
}

func TestGroupPollerAdminExtendsConfigTTL(t *testing.T) {
	keys := newKeys(t)
	e := newEngine(t, keys)
	gid, admin := newGroup(t)

	require.NoError(t, e.AddGroup(gid, admin))
	joinGroup(t, e, config.GroupEntry{ID: gid, AdminKey: admin})

	// a second engine of the same admin publishes the group configs
	net := newFakeNet()
	other := newEngine(t, keys)
	require.NoError(t, other.AddGroup(gid, admin))
	require.NoError(t, other.WithMutableGroupConfigs(gid, func(w config.GroupWriter) error {
		w.Info().SetName("team")
		w.Members().Set(config.Member{ID: keys.ID(), Admin: true})
		_, err := w.Rekey()
		return err
	}))

	up := config.NewUploader(other, &netStore{net: net}, quietLogger)
	require.NoError(t, up.SyncGroup(context.Background(), gid))

	p := newGroupPoller(t, keys, gid, e, net, &recordSink{})
	startLoop(t, p.loop)

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	var name string
	require.NoError(t, e.WithGroupConfigs(gid, func(r config.GroupReader) error {
		name = r.Info().Name()
		return nil
	}))
	require.Equal(t, "team", name)

	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)

	reqs := net.batch(1)
	require.Len(t, reqs, len(groupNamespaces)+1)
	require.Equal(t, "expire", reqs[len(reqs)-1].Method)
	require.Equal(t, true, reqs[len(reqs)-1].Params["extend"])
}

// netStore lets an uploader write into a fakeNet.
type netStore struct {
	net *fakeNet
	n   int
}

func (s *netStore) Store(_ context.Context, _ swarm.Auth, msg swarm.StoreMessage) (swarm.StoreResponse, error) {
	s.n++
	hash := msg.Recipient.Hex()[:8] + "-" + msg.Namespace.String() + "-" + string(rune('a'+s.n))

	s.net.mu.Lock()
	key := msg.Recipient.Hex() + "/" + msg.Namespace.String()
	s.net.stored[key] = append(s.net.stored[key], swarm.RetrievedMessage{
		Hash:      hash,
		Data:      base64.StdEncoding.EncodeToString(msg.Data),
		Timestamp: msg.Timestamp,
	})
	s.net.mu.Unlock()

	return swarm.StoreResponse{Hash: hash}, nil
}

func (s *netStore) Delete(context.Context, swarm.Auth, []string, bool) (map[string]bool, error) {
	return map[string]bool{}, nil
}
