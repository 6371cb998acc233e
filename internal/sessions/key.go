// Package sessions builds and parses conversation session keys.
//
// A session key identifies one conversation for backend health tracking:
//
//	{channel}:{kind}:{peerId}
//
// Examples:
//
//	whatsapp:direct:34600111222
//	whatsapp:group:120363025246125486
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the session key for a channel conversation.
func BuildSessionKey(channel string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, kind, peerID)
}

// BuildDirectKey is BuildSessionKey for a one-to-one conversation.
func BuildDirectKey(channel, senderID string) string {
	return BuildSessionKey(channel, PeerDirect, senderID)
}

// ParseSessionKey splits a key built by BuildSessionKey.
// The peer id may itself contain colons. ok is false for malformed keys.
func ParseSessionKey(key string) (channel string, kind PeerKind, peerID string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	kind = PeerKind(parts[1])
	if kind != PeerDirect && kind != PeerGroup {
		return "", "", "", false
	}
	return parts[0], kind, parts[2], true
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
