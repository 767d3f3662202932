package config

import (
	"fmt"

	"SwarmSync/internal/swarm"
)

// Kind identifies a config object type.
type Kind int

const (
	KindUserProfile Kind = iota + 1
	KindContacts
	KindConvoInfoVolatile
	KindUserGroups
	KindGroupInfo
	KindGroupMembers
	KindGroupKeys
)

// UserKinds lists the user kinds in merge order.
var UserKinds = []Kind{KindUserProfile, KindContacts, KindConvoInfoVolatile, KindUserGroups}

// GroupKinds lists the group kinds in merge order; keys come first so the
// other objects can be decrypted.
var GroupKinds = []Kind{KindGroupKeys, KindGroupInfo, KindGroupMembers}

var kindInfo = map[Kind]struct {
	name string
	ns   swarm.Namespace
}{
	KindUserProfile:       {"UserProfile", swarm.NamespaceUserProfile},
	KindContacts:          {"Contacts", swarm.NamespaceContacts},
	KindConvoInfoVolatile: {"ConvoInfoVolatile", swarm.NamespaceConvoInfoVolatile},
	KindUserGroups:        {"UserGroups", swarm.NamespaceUserGroups},
	KindGroupInfo:         {"GroupInfo", swarm.NamespaceGroupInfo},
	KindGroupMembers:      {"GroupMembers", swarm.NamespaceGroupMembers},
	KindGroupKeys:         {"GroupKeys", swarm.NamespaceGroupKeys},
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Namespace returns the namespace the kind is stored in.
func (k Kind) Namespace() swarm.Namespace {
	return kindInfo[k].ns
}

// IsGroup reports whether the kind belongs to a group.
func (k Kind) IsGroup() bool {
	return k == KindGroupInfo || k == KindGroupMembers || k == KindGroupKeys
}

// KindForNamespace maps a config namespace back to its kind.
func KindForNamespace(ns swarm.Namespace) (Kind, bool) {
	for k, info := range kindInfo {
		if info.ns == ns {
			return k, true
		}
	}

	return 0, false
}
