package swarm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"SwarmSync/internal/account"
)

func verifyParams(t *testing.T, pub ed25519.PublicKey, params map[string]any, canonical string) {
	t.Helper()

	sig, err := base64.StdEncoding.DecodeString(params["signature"].(string))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	if !ed25519.Verify(pub, []byte(canonical), sig) {
		t.Errorf("signature does not cover %q", canonical)
	}
}

func TestRetrieveCanonicalString(t *testing.T) {
	keys := testAccount(t)
	auth, _ := NewUserAuth(keys)

	req, err := BuildRetrieve(auth, NamespaceDefault, "", nil, 1234)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := req.Params["namespace"]; ok {
		t.Error("default namespace must be omitted")
	}
	verifyParams(t, keys.Ed25519Public(), req.Params, "retrieve1234")

	size := -8
	req, err = BuildRetrieve(auth, NamespaceContacts, "last", &size, 99)
	if err != nil {
		t.Fatal(err)
	}
	if req.Params["max_size"] != -8 || req.Params["namespace"] != 3 {
		t.Errorf("unexpected params %v", req.Params)
	}
	if req.Params["pubkey_ed25519"] != hex.EncodeToString(keys.Ed25519Public()) {
		t.Error("missing pubkey_ed25519")
	}
	verifyParams(t, keys.Ed25519Public(), req.Params, "retrieve399")
}

func TestStoreCanonicalString(t *testing.T) {
	keys := testAccount(t)
	auth, _ := NewUserAuth(keys)

	msg := StoreMessage{Recipient: keys.ID(), Data: []byte("x"), TTL: 5, Timestamp: 10}

	req, err := BuildStore(auth, msg, 77)
	if err != nil {
		t.Fatal(err)
	}
	verifyParams(t, keys.Ed25519Public(), req.Params, "store077")

	if req.Params["timestamp"] != int64(10) || req.Params["sig_timestamp"] != int64(77) {
		t.Errorf("unexpected timestamps %v", req.Params)
	}
}

func TestUnauthenticatedStore(t *testing.T) {
	id := account.MustParse("05" + "11111111111111111111111111111111" + "11111111111111111111111111111111")

	req, err := BuildStore(nil, StoreMessage{Recipient: id, Data: []byte("x")}, 1)
	if err != nil {
		t.Fatalf("default namespace store should not need auth: %v", err)
	}
	if _, ok := req.Params["signature"]; ok {
		t.Error("unexpected signature")
	}

	_, err = BuildStore(nil, StoreMessage{Recipient: id, Namespace: NamespaceUserProfile}, 1)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestOtherCanonicalStrings(t *testing.T) {
	keys := testAccount(t)
	auth, _ := NewUserAuth(keys)
	pub := keys.Ed25519Public()

	req, _ := BuildDelete(auth, []string{"a", "b"}, true)
	verifyParams(t, pub, req.Params, "deleteab")

	req, _ = BuildExpire(auth, []string{"a"}, 500, ExpireExtend)
	verifyParams(t, pub, req.Params, "expireextend500a")

	req, _ = BuildExpire(auth, []string{"a"}, 500, ExpireAny)
	verifyParams(t, pub, req.Params, "expire500a")

	req, _ = BuildGetExpiries(auth, []string{"a", "b"}, 42)
	verifyParams(t, pub, req.Params, "get_expiries42ab")

	req, _ = BuildDeleteAll(auth, nil, 8)
	verifyParams(t, pub, req.Params, "delete_allall8")

	ns := NamespaceGroupKeys
	req, _ = BuildDeleteAll(auth, &ns, 8)
	verifyParams(t, pub, req.Params, "delete_all128")
}

func TestGroupAdminAuthRejectsForeignKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	group, err := account.New(account.PrefixGroup, pub)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewGroupAdminAuth(group, priv); err != nil {
		t.Fatalf("matching admin key rejected: %v", err)
	}

	_, other, _ := ed25519.GenerateKey(nil)
	if _, err := NewGroupAdminAuth(group, other); err == nil {
		t.Error("foreign admin key accepted")
	}
}

func TestDeleteResponseVerify(t *testing.T) {
	memberPub, memberPriv, _ := ed25519.GenerateKey(nil)
	member := hex.EncodeToString(memberPub)

	sig := ed25519.Sign(memberPriv, []byte("05abc"+"h1"+"h2"+"h1"))

	body, _ := json.Marshal(map[string]any{
		"swarm": map[string]any{
			member: map[string]any{
				"deleted":   []string{"h1"},
				"signature": base64.StdEncoding.EncodeToString(sig),
			},
			hex.EncodeToString(make([]byte, 32)): map[string]any{"failed": true},
		},
	})

	var resp DeleteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}

	verdicts := resp.Verify("05abc", "h1", "h2")
	if !verdicts[member] {
		t.Error("valid member signature rejected")
	}
	if len(verdicts) != 2 {
		t.Errorf("verdicts = %v", verdicts)
	}
	for k, ok := range verdicts {
		if k != member && ok {
			t.Error("failed member accepted")
		}
	}
}
