package swarm

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"SwarmSync/internal/account"
)

// Namespace partitions the data stored for one account.
type Namespace int

const (
	NamespaceDefault              Namespace = 0
	NamespaceUserProfile          Namespace = 2
	NamespaceContacts             Namespace = 3
	NamespaceConvoInfoVolatile    Namespace = 4
	NamespaceUserGroups           Namespace = 5
	NamespaceLegacyClosedGroup    Namespace = -10
	NamespaceRevokedGroupMessages Namespace = -11
	NamespaceGroupMessages        Namespace = 11
	NamespaceGroupKeys            Namespace = 12
	NamespaceGroupInfo            Namespace = 13
	NamespaceGroupMembers         Namespace = 14
)

// NamespaceAll is the wire value selecting every namespace in delete_all.
const NamespaceAll = "all"

// UserConfigNamespaces lists the user config namespaces in processing order.
var UserConfigNamespaces = []Namespace{
	NamespaceUserProfile,
	NamespaceContacts,
	NamespaceConvoInfoVolatile,
	NamespaceUserGroups,
}

// IsConfig reports whether ns holds config deltas rather than messages.
func (ns Namespace) IsConfig() bool {
	switch ns {
	case NamespaceUserProfile, NamespaceContacts, NamespaceConvoInfoVolatile,
		NamespaceUserGroups, NamespaceGroupKeys, NamespaceGroupInfo, NamespaceGroupMembers:
		return true
	}

	return false
}

// AllowsUnauthenticatedStore reports whether anyone may store into ns.
func (ns Namespace) AllowsUnauthenticatedStore() bool {
	return ns == NamespaceDefault || ns == NamespaceLegacyClosedGroup
}

// String returns the namespace number.
func (ns Namespace) String() string {
	return strconv.Itoa(int(ns))
}

// Node is a storage node of the network.
type Node struct {
	Address string // Address is the https:// URL of the node host
	Port    int    // Port is the storage RPC port
	X25519  string // X25519 is the hex encryption key
	Ed25519 string // Ed25519 is the hex identity key
	Version string // Version is the storage server version, may be empty
}

// URL returns the storage RPC endpoint of the node.
func (n Node) URL() string {
	return fmt.Sprintf("%s:%d/storage_rpc/v1", n.Address, n.Port)
}

// Host returns host:port without scheme, used by the relay transport.
func (n Node) Host() string {
	return net.JoinHostPort(strings.TrimPrefix(n.Address, "https://"), strconv.Itoa(n.Port))
}

// String implements fmt.Stringer.
func (n Node) String() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// nodeJSON is the on-disk form of a Node.
type nodeJSON struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	X25519  string `json:"x25519"`
	Ed25519 string `json:"ed25519"`
	Version string `json:"version,omitempty"`
}

// encodeNodes serializes nodes for the state store.
func encodeNodes(nodes []Node) ([]byte, error) {
	out := make([]nodeJSON, len(nodes))
	for i, n := range nodes {
		out[i] = nodeJSON(n)
	}

	return json.Marshal(out)
}

// decodeNodes parses nodes written by encodeNodes.
func decodeNodes(data []byte) ([]Node, error) {
	var in []nodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}

	out := make([]Node, len(in))
	for i, n := range in {
		out[i] = Node(n)
	}

	return out, nil
}

// StoredMessage is an item retrieved from a namespace.
type StoredMessage struct {
	Hash      string    // Hash is the server-assigned content hash
	Data      []byte    // Data is the opaque stored payload
	Timestamp int64     // Timestamp is the store time in milliseconds
	Expiry    int64     // Expiry is the expiry time in milliseconds
	Namespace Namespace // Namespace is the namespace the item was read from
}

// StoreMessage is a payload to write to an account's swarm.
type StoreMessage struct {
	Recipient account.ID // Recipient is the account whose swarm receives the payload
	Data      []byte     // Data is the payload, base64 encoded on the wire
	TTL       int64      // TTL is the time to live in milliseconds
	Timestamp int64      // Timestamp is the message timestamp in milliseconds
	Namespace Namespace  // Namespace is the target namespace
}
