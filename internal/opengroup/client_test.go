package opengroup

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"SwarmSync/internal/account"
)

// =============================================================================
// Fixtures
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKeys(t *testing.T) *account.Keys {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	k, err := account.NewKeys(priv)
	require.NoError(t, err)

	return k
}

// fakeServer is a community server that checks request signatures.
type fakeServer struct {
	t        *testing.T
	pub      []byte
	caps     []string
	capCalls atomic.Int32
	mux      *http.ServeMux
}

func newFakeServer(t *testing.T, caps ...string) (*fakeServer, Server) {
	t.Helper()

	pub := make([]byte, 32)
	_, _ = rand.Read(pub)

	f := &fakeServer{t: t, pub: pub, caps: caps, mux: http.NewServeMux()}
	f.mux.HandleFunc("GET /capabilities", func(w http.ResponseWriter, r *http.Request) {
		f.capCalls.Add(1)
		json.NewEncoder(w).Encode(Capabilities{Capabilities: f.caps})
	})

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	return f, Server{BaseURL: srv.URL, PubKey: pub}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/capabilities" && !f.verify(r) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	f.mux.ServeHTTP(w, r)
}

// verify checks the X-SOGS-* headers and restores the body.
func (f *fakeServer) verify(r *http.Request) bool {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	pubHex := r.Header.Get("X-SOGS-Pubkey")
	id, err := account.Parse(pubHex)
	if err != nil {
		return false
	}

	nonce, _ := base64.StdEncoding.DecodeString(r.Header.Get("X-SOGS-Nonce"))
	sig, _ := base64.StdEncoding.DecodeString(r.Header.Get("X-SOGS-Signature"))

	msg := append([]byte(nil), f.pub...)
	msg = append(msg, nonce...)
	msg = append(msg, r.Header.Get("X-SOGS-Timestamp")...)
	msg = append(msg, r.Method...)
	msg = append(msg, r.URL.EscapedPath()...)
	if len(body) > 0 {
		h := blake2b.Sum512(body)
		msg = append(msg, h[:]...)
	}

	return ed25519.Verify(id.Key(), msg, sig)
}

func newClient(t *testing.T, keys *account.Keys) *Client {
	t.Helper()

	c, err := NewClient(Config{Keys: keys, Logger: quietLogger})
	require.NoError(t, err)

	return c
}

// =============================================================================
// Tests
// =============================================================================

func TestCapabilitiesCached(t *testing.T) {
	f, server := newFakeServer(t, "sogs", CapabilityBlind)
	c := newClient(t, newKeys(t))

	for range 3 {
		caps, err := c.Capabilities(t.Context(), server)
		require.NoError(t, err)
		require.True(t, caps.Has(CapabilityBlind))
	}

	require.Equal(t, int32(1), f.capCalls.Load())
}

func TestSequenceSignedBlinded(t *testing.T) {
	f, server := newFakeServer(t, "sogs", CapabilityBlind)
	keys := newKeys(t)
	blinded, err := keys.BlindedID(server.PubKey)
	require.NoError(t, err)

	f.mux.HandleFunc("POST /sequence", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, blinded.Hex(), r.Header.Get("X-SOGS-Pubkey"))

		var reqs []BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		require.Len(t, reqs, 3)
		require.Equal(t, "/room/lobby/messages/since/41?t=r&reactors=5", reqs[1].Path)
		require.Equal(t, "/inbox/since/7", reqs[2].Path)

		json.NewEncoder(w).Encode([]BatchResponse{
			{Code: 200, Body: json.RawMessage(`{"token":"lobby","active_users":3,"read":true,"write":true}`)},
			{Code: 200, Body: json.RawMessage(`[{"id":1,"seqno":42,"session_id":"05aa","posted":1.5,"data":"aGk="}]`)},
			{Code: 403, Body: json.RawMessage(`null`)},
		})
	})

	c := newClient(t, keys)
	resp, err := c.Sequence(t.Context(), server, []BatchRequest{
		PollInfoRequest("lobby", 0),
		MessagesRequest("lobby", 41),
		InboxRequest(7, false),
	})
	require.NoError(t, err)

	var info RoomPollInfo
	require.NoError(t, resp[0].Decode(&info))
	require.Equal(t, int64(3), info.ActiveUsers)

	var msgs []Message
	require.NoError(t, resp[1].Decode(&msgs))
	require.Equal(t, int64(42), msgs[0].Seqno)
	require.Equal(t, int64(1500), msgs[0].PostedMillis())
	data, err := msgs[0].Payload()
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	var dms []DirectMessage
	var se *StatusError
	require.ErrorAs(t, resp[2].Decode(&dms), &se)
	require.Equal(t, 403, se.Code)
}

func TestPostMessageUnblinded(t *testing.T) {
	f, server := newFakeServer(t, "sogs")
	keys := newKeys(t)

	f.mux.HandleFunc("POST /room/lobby/message", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "00"+hex.EncodeToString(keys.Ed25519Public()), r.Header.Get("X-SOGS-Pubkey"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		data, _ := base64.StdEncoding.DecodeString(in["data"])
		sig, _ := base64.StdEncoding.DecodeString(in["signature"])
		require.True(t, ed25519.Verify(keys.Ed25519Public(), data, sig))

		json.NewEncoder(w).Encode(Message{ID: 9, Seqno: 10, Posted: float64(time.Now().Unix())})
	})

	msg, err := newClient(t, keys).PostMessage(t.Context(), server, "lobby", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, int64(9), msg.ID)
}

func TestRejectedRequest(t *testing.T) {
	_, server := newFakeServer(t, "sogs")

	_, err := newClient(t, newKeys(t)).PostMessage(t.Context(), server, "missing", []byte("x"))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)

	_, err = newClient(t, nil).PostMessage(t.Context(), server, "lobby", []byte("x"))
	require.ErrorIs(t, err, ErrNoKeys)
}

func TestDirectMessageRoundTrip(t *testing.T) {
	f, server := newFakeServer(t, "sogs", CapabilityBlind)
	alice, bob := newKeys(t), newKeys(t)

	aliceID, err := alice.BlindedID(server.PubKey)
	require.NoError(t, err)
	bobID, err := bob.BlindedID(server.PubKey)
	require.NoError(t, err)

	var stored DirectMessage
	var storedData []byte
	f.mux.HandleFunc("POST /inbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, bobID.Hex(), r.PathValue("id"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		storedData, _ = base64.StdEncoding.DecodeString(in["message"])

		stored = DirectMessage{ID: 1, Message: in["message"], Sender: aliceID.Hex(), Recipient: bobID.Hex(), PostedAt: 100}
		json.NewEncoder(w).Encode(stored)
	})

	ac := newClient(t, alice)
	ct, err := ac.EncryptDirect(server, bobID, []byte("hello bob"))
	require.NoError(t, err)

	dm, err := ac.SendDirect(t.Context(), server, bobID, ct)
	require.NoError(t, err)
	require.Equal(t, int64(1), dm.ID)

	plain, err := newClient(t, bob).DecryptDirect(server, stored, storedData, false)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plain))

	// the sender reads its own outbox copy
	plain, err = ac.DecryptDirect(server, stored, storedData, true)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plain))

	_, err = newClient(t, newKeys(t)).DecryptDirect(server, stored, storedData, false)
	require.ErrorIs(t, err, ErrDirectMessage)
}
