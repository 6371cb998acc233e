// Package channels connects messaging platforms to the inbound pipeline
// through the message bus.
//
// A channel turns platform payloads into bus.InboundEvent values and
// delivers bus.OutboundMessage replies back to the platform. The Manager
// owns channel lifecycles and routes outbound messages.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "whatsapp").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name        string
	bus         bus.MessageRouter
	running     atomic.Bool
	allowList   []string
	dmPolicy    DMPolicy
	groupPolicy GroupPolicy
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       router,
		allowList: allowList,
	}
}

// SetPolicies sets the DM and group policies. Empty values mean open.
func (c *BaseChannel) SetPolicies(dm DMPolicy, group GroupPolicy) {
	c.dmPolicy = dm
	c.groupPolicy = group
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message router.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// WhatsApp JIDs match on their user part, so "34600111222" allows
// "34600111222@s.whatsapp.net". Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	if idx := strings.IndexAny(senderID, "@:"); idx > 0 {
		idPart = senderID[:idx]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "+")
		if senderID == allowed || idPart == allowed || idPart == trimmed {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates DM/Group policy for a message.
// Returns true if the message should be accepted, false if rejected.
// peerKind is "direct" or "group".
func (c *BaseChannel) CheckPolicy(peerKind, senderID string) bool {
	policy := string(c.dmPolicy)
	if peerKind == "group" {
		policy = string(c.groupPolicy)
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// HandleEvent publishes ev to the bus if the sender passes the allowlist
// and policy checks. It reports whether the event was accepted.
func (c *BaseChannel) HandleEvent(ev bus.InboundEvent) bool {
	peerKind := "direct"
	if ev.Metadata["peer_kind"] == "group" {
		peerKind = "group"
	}
	if !c.IsAllowed(ev.SenderID) || !c.CheckPolicy(peerKind, ev.SenderID) {
		slog.Debug("channel: sender rejected", "channel", c.name, "sender_id", ev.SenderID, "peer_kind", peerKind)
		return false
	}

	ev.Channel = c.name
	c.bus.PublishInbound(ev)
	return true
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
