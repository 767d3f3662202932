package swarm

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"SwarmSync/internal/account"
)

// ErrNotAuthenticated is returned when no signing material is available.
// It is a local precondition failure and never worth retrying.
var ErrNotAuthenticated = errors.New("not authenticated")

// Auth signs requests on behalf of the owner of a swarm.
type Auth interface {
	// Account returns the account whose swarm is addressed.
	Account() account.ID

	// Ed25519PublicKeyHex returns the signer key sent as pubkey_ed25519,
	// or "" when the account id is itself the ed25519 key (groups).
	Ed25519PublicKeyHex() string

	// Sign signs data and returns the signature parameters to merge.
	Sign(data []byte) (map[string]any, error)
}

// userAuth signs with the local account's ed25519 key.
type userAuth struct {
	keys *account.Keys
}

// NewUserAuth returns an Auth for the local account.
func NewUserAuth(keys *account.Keys) (Auth, error) {
	if keys == nil {
		return nil, ErrNotAuthenticated
	}

	return &userAuth{keys: keys}, nil
}

func (a *userAuth) Account() account.ID { return a.keys.ID() }

func (a *userAuth) Ed25519PublicKeyHex() string {
	return hex.EncodeToString(a.keys.Ed25519Public())
}

func (a *userAuth) Sign(data []byte) (map[string]any, error) {
	return map[string]any{"signature": base64.StdEncoding.EncodeToString(a.keys.Sign(data))}, nil
}

// groupAdminAuth signs with a closed group's admin key.
type groupAdminAuth struct {
	group account.ID
	admin ed25519.PrivateKey
}

// NewGroupAdminAuth returns an Auth for a group whose admin key is held.
func NewGroupAdminAuth(group account.ID, admin ed25519.PrivateKey) (Auth, error) {
	if len(admin) != ed25519.PrivateKeySize {
		return nil, ErrNotAuthenticated
	}

	if !bytes.Equal(admin.Public().(ed25519.PublicKey), group.Key()) {
		return nil, fmt.Errorf("admin key does not match group %s", group)
	}

	return &groupAdminAuth{group: group, admin: admin}, nil
}

func (a *groupAdminAuth) Account() account.ID         { return a.group }
func (a *groupAdminAuth) Ed25519PublicKeyHex() string { return "" }

func (a *groupAdminAuth) Sign(data []byte) (map[string]any, error) {
	return map[string]any{"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(a.admin, data))}, nil
}

// subAccountAuth signs as a non-admin group member holding an admin-issued token.
type subAccountAuth struct {
	group    account.ID
	token    []byte
	tokenSig []byte
	keys     *account.Keys
}

// NewSubAccountAuth returns an Auth for a group member.
func NewSubAccountAuth(group account.ID, token, tokenSig []byte, keys *account.Keys) (Auth, error) {
	if keys == nil || len(token) == 0 || len(tokenSig) == 0 {
		return nil, ErrNotAuthenticated
	}

	return &subAccountAuth{group: group, token: token, tokenSig: tokenSig, keys: keys}, nil
}

func (a *subAccountAuth) Account() account.ID         { return a.group }
func (a *subAccountAuth) Ed25519PublicKeyHex() string { return "" }

func (a *subAccountAuth) Sign(data []byte) (map[string]any, error) {
	return map[string]any{
		"subaccount":     base64.StdEncoding.EncodeToString(a.token),
		"subaccount_sig": base64.StdEncoding.EncodeToString(a.tokenSig),
		"signature":      base64.StdEncoding.EncodeToString(a.keys.Sign(data)),
	}, nil
}

// ===== request builders =====

// SubRequest is one operation inside a batch or a standalone call.
type SubRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// ExpireMode selects how an expire request may move expiries.
type ExpireMode int

const (
	ExpireAny     ExpireMode = iota // ExpireAny sets the expiry unconditionally
	ExpireExtend                    // ExpireExtend only moves expiries later
	ExpireShorten                   // ExpireShorten only moves expiries earlier
)

// signInto signs the canonical string and merges the signature parameters.
func signInto(auth Auth, params map[string]any, canonical string) error {
	if auth == nil {
		return ErrNotAuthenticated
	}

	sig, err := auth.Sign([]byte(canonical))
	if err != nil {
		return fmt.Errorf("sign %q:\n%w", canonical, err)
	}

	for k, v := range sig {
		params[k] = v
	}

	if pk := auth.Ed25519PublicKeyHex(); pk != "" {
		params["pubkey_ed25519"] = pk
	}

	return nil
}

// BuildRetrieve builds a signed retrieve of one namespace.
// maxSize is omitted when nil.
func BuildRetrieve(auth Auth, ns Namespace, lastHash string, maxSize *int, now int64) (SubRequest, error) {
	if auth == nil {
		return SubRequest{}, ErrNotAuthenticated
	}

	params := map[string]any{
		"pubkey":    auth.Account().Hex(),
		"last_hash": lastHash,
		"timestamp": now,
	}

	if ns != NamespaceDefault {
		params["namespace"] = int(ns)
	}
	if maxSize != nil {
		params["max_size"] = *maxSize
	}

	canonical := "retrieve"
	if ns != NamespaceDefault {
		canonical += ns.String()
	}
	canonical += strconv.FormatInt(now, 10)

	if err := signInto(auth, params, canonical); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "retrieve", Params: params}, nil
}

// BuildStore builds a store. A nil auth produces an unauthenticated store,
// which the network only accepts in the default and legacy group namespaces.
func BuildStore(auth Auth, msg StoreMessage, now int64) (SubRequest, error) {
	timestamp := msg.Timestamp
	if timestamp == 0 {
		timestamp = now
	}

	params := map[string]any{
		"pubKey":    msg.Recipient.Hex(),
		"data":      base64.StdEncoding.EncodeToString(msg.Data),
		"ttl":       msg.TTL,
		"timestamp": timestamp,
	}

	if msg.Namespace != NamespaceDefault {
		params["namespace"] = int(msg.Namespace)
	}

	if auth == nil {
		if !msg.Namespace.AllowsUnauthenticatedStore() {
			return SubRequest{}, ErrNotAuthenticated
		}
		return SubRequest{Method: "store", Params: params}, nil
	}

	params["sig_timestamp"] = now
	canonical := "store" + msg.Namespace.String() + strconv.FormatInt(now, 10)

	if err := signInto(auth, params, canonical); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "store", Params: params}, nil
}

// BuildDelete builds a delete of specific hashes.
// With required set the node fails the request if nothing was deleted.
func BuildDelete(auth Auth, hashes []string, required bool) (SubRequest, error) {
	if auth == nil {
		return SubRequest{}, ErrNotAuthenticated
	}

	params := map[string]any{
		"pubkey":   auth.Account().Hex(),
		"required": required,
		"messages": hashes,
	}

	if err := signInto(auth, params, "delete"+strings.Join(hashes, "")); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "delete", Params: params}, nil
}

// BuildExpire builds an expiry update for hashes.
func BuildExpire(auth Auth, hashes []string, expiry int64, mode ExpireMode) (SubRequest, error) {
	if auth == nil {
		return SubRequest{}, ErrNotAuthenticated
	}

	params := map[string]any{
		"pubkey":   auth.Account().Hex(),
		"expiry":   expiry,
		"messages": hashes,
	}

	modeText := ""
	switch mode {
	case ExpireExtend:
		modeText = "extend"
		params["extend"] = true
	case ExpireShorten:
		modeText = "shorten"
		params["shorten"] = true
	}

	canonical := "expire" + modeText + strconv.FormatInt(expiry, 10) + strings.Join(hashes, "")
	if err := signInto(auth, params, canonical); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "expire", Params: params}, nil
}

// BuildGetExpiries builds a query of the current expiries of hashes.
func BuildGetExpiries(auth Auth, hashes []string, now int64) (SubRequest, error) {
	if auth == nil {
		return SubRequest{}, ErrNotAuthenticated
	}

	params := map[string]any{
		"pubkey":    auth.Account().Hex(),
		"messages":  hashes,
		"timestamp": now,
	}

	canonical := "get_expiries" + strconv.FormatInt(now, 10) + strings.Join(hashes, "")
	if err := signInto(auth, params, canonical); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "get_expiries", Params: params}, nil
}

// BuildDeleteAll builds a wipe of one namespace, or of all when ns is nil.
func BuildDeleteAll(auth Auth, ns *Namespace, now int64) (SubRequest, error) {
	if auth == nil {
		return SubRequest{}, ErrNotAuthenticated
	}

	params := map[string]any{
		"pubkey":    auth.Account().Hex(),
		"timestamp": now,
	}

	nsText := NamespaceAll
	if ns != nil {
		nsText = ns.String()
		params["namespace"] = int(*ns)
	} else {
		params["namespace"] = NamespaceAll
	}

	if err := signInto(auth, params, "delete_all"+nsText+strconv.FormatInt(now, 10)); err != nil {
		return SubRequest{}, err
	}

	return SubRequest{Method: "delete_all", Params: params}, nil
}
