package swarm

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RetrieveResponse is the body of a retrieve call.
type RetrieveResponse struct {
	Messages []RetrievedMessage `json:"messages"`
	More     bool               `json:"more"`
}

// RetrievedMessage is one raw item of a retrieve response.
type RetrievedMessage struct {
	Hash       string `json:"hash"`
	Data       string `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	Expiration int64  `json:"expiration"`
}

// Stored decodes the items of ns. Items without a hash or with
// undecodable data are dropped and counted in skipped.
func (r RetrieveResponse) Stored(ns Namespace) (out []StoredMessage, skipped int) {
	out = make([]StoredMessage, 0, len(r.Messages))

	for _, m := range r.Messages {
		if m.Hash == "" {
			skipped++
			continue
		}

		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			skipped++
			continue
		}

		out = append(out, StoredMessage{
			Hash:      m.Hash,
			Data:      data,
			Timestamp: m.Timestamp,
			Expiry:    m.Expiration,
			Namespace: ns,
		})
	}

	return out, skipped
}

// StoreResponse is the body of a store call.
type StoreResponse struct {
	Hash  string                     `json:"hash"`
	Swarm map[string]StoreNodeResult `json:"swarm"`
}

// StoreNodeResult is one swarm member's view of a store.
type StoreNodeResult struct {
	Hash      string `json:"hash"`
	Failed    bool   `json:"failed"`
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

// MessageHash returns the stored hash, from the top level or any member.
func (r StoreResponse) MessageHash() (string, bool) {
	if r.Hash != "" {
		return r.Hash, true
	}

	for _, n := range r.Swarm {
		if !n.Failed && n.Hash != "" {
			return n.Hash, true
		}
	}

	return "", false
}

// DeletedHashes accepts both the flat list of delete and the per-namespace
// map of delete_all.
type DeletedHashes []string

// UnmarshalJSON implements json.Unmarshaler.
func (d *DeletedHashes) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*d = list
		return nil
	}

	var byNamespace map[string][]string
	if err := json.Unmarshal(b, &byNamespace); err != nil {
		return fmt.Errorf("deleted hashes: %w", err)
	}

	var flat []string
	for _, hashes := range byNamespace {
		flat = append(flat, hashes...)
	}
	sort.Strings(flat)
	*d = flat

	return nil
}

// DeleteResponse is the body of delete and delete_all.
type DeleteResponse struct {
	Swarm map[string]DeleteNodeResult `json:"swarm"`
}

// DeleteNodeResult is one swarm member's signed confirmation.
type DeleteNodeResult struct {
	Failed    bool          `json:"failed"`
	Code      any           `json:"code"`
	Reason    string        `json:"reason"`
	Deleted   DeletedHashes `json:"deleted"`
	Signature string        `json:"signature"`
}

// Verify checks every member signature over
// pubkey || parts... || deleted[0] || ... || deleted[n]
// and returns the verdict per member ed25519 key.
func (r DeleteResponse) Verify(pubkey string, parts ...string) map[string]bool {
	out := make(map[string]bool, len(r.Swarm))

	for member, res := range r.Swarm {
		if res.Failed {
			out[member] = false
			continue
		}

		key, err := hex.DecodeString(member)
		if err != nil || len(key) != ed25519.PublicKeySize {
			out[member] = false
			continue
		}

		sig, err := base64.StdEncoding.DecodeString(res.Signature)
		if err != nil {
			out[member] = false
			continue
		}

		var msg bytes.Buffer
		msg.WriteString(pubkey)
		for _, p := range parts {
			msg.WriteString(p)
		}
		for _, h := range res.Deleted {
			msg.WriteString(h)
		}

		out[member] = ed25519.Verify(key, msg.Bytes(), sig)
	}

	return out
}

// ExpireResponse is the body of an expire call.
type ExpireResponse struct {
	Swarm map[string]ExpireNodeResult `json:"swarm"`
}

// ExpireNodeResult is one swarm member's view of an expire.
type ExpireNodeResult struct {
	Failed    bool             `json:"failed"`
	Updated   []string         `json:"updated"`
	Unchanged map[string]int64 `json:"unchanged"`
	Expiry    int64            `json:"expiry"`
	Signature string           `json:"signature"`
}

// UpdatedHashes returns the hashes any member reported as updated.
func (r ExpireResponse) UpdatedHashes() []string {
	seen := make(map[string]struct{})
	for _, n := range r.Swarm {
		if n.Failed {
			continue
		}
		for _, h := range n.Updated {
			seen[h] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)

	return out
}

// GetExpiriesResponse is the body of get_expiries.
type GetExpiriesResponse struct {
	Expiries map[string]int64 `json:"expiries"`
}

// InfoResponse is the body of the info call.
type InfoResponse struct {
	Timestamp int64 `json:"timestamp"`
	Version   []int `json:"version"`
}

// flexInt decodes a JSON number or a numeric string.
type flexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q: %w", s, err)
	}

	*f = flexInt(v)

	return nil
}

// SwarmResponse is the body of get_swarm and of a 421 rejection.
type SwarmResponse struct {
	Snodes []swarmMember `json:"snodes"`
}

type swarmMember struct {
	IP      string  `json:"ip"`
	Port    flexInt `json:"port"`
	Ed25519 string  `json:"pubkey_ed25519"`
	X25519  string  `json:"pubkey_x25519"`
}

// Nodes converts the members to Nodes, dropping unusable entries.
func (r SwarmResponse) Nodes() []Node {
	out := make([]Node, 0, len(r.Snodes))

	for _, m := range r.Snodes {
		n, ok := makeNode(m.IP, int(m.Port), m.X25519, m.Ed25519, "")
		if ok {
			out = append(out, n)
		}
	}

	return out
}

// PoolResponse is the json_rpc reply of get_n_service_nodes.
type PoolResponse struct {
	Result struct {
		States []poolMember `json:"service_node_states"`
	} `json:"result"`
}

type poolMember struct {
	PublicIP string  `json:"public_ip"`
	Port     flexInt `json:"storage_port"`
	X25519   string  `json:"pubkey_x25519"`
	Ed25519  string  `json:"pubkey_ed25519"`
	Version  []int   `json:"storage_server_version"`
}

// Nodes converts the pool members to Nodes, dropping unusable entries.
func (r PoolResponse) Nodes() []Node {
	out := make([]Node, 0, len(r.Result.States))

	for _, m := range r.Result.States {
		version := make([]string, len(m.Version))
		for i, v := range m.Version {
			version[i] = strconv.Itoa(v)
		}

		n, ok := makeNode(m.PublicIP, int(m.Port), m.X25519, m.Ed25519, strings.Join(version, "."))
		if ok {
			out = append(out, n)
		}
	}

	return out
}

// makeNode validates raw node fields. Unroutable 0.0.0.0 entries are rejected.
func makeNode(ip string, port int, x25519, ed25519Key, version string) (Node, bool) {
	if ip == "" || ip == "0.0.0.0" || port <= 0 || x25519 == "" || ed25519Key == "" {
		return Node{}, false
	}

	if !strings.HasPrefix(ip, "https://") {
		ip = "https://" + ip
	}

	return Node{Address: ip, Port: port, X25519: x25519, Ed25519: ed25519Key, Version: version}, true
}
