package bus

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/media"
)

// InboundEvent is one message received from a WhatsApp webhook or bridge.
// Ownership moves into the aggregator's per-sender buffer on ingest.
type InboundEvent struct {
	Channel    string    `json:"channel"`
	SenderID   string    `json:"sender_id"`
	ChatID     string    `json:"chat_id"`
	SequenceID string    `json:"sequence_id"` // platform message id, or a generated uuid
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text,omitempty"` // text body or media caption

	// Media is the encrypted attachment, if any. Cleared once decryption has
	// been attempted; the outcome lives in Decrypted / MediaUnavailable.
	Media            *media.EncryptedMediaRef `json:"-"`
	MediaClass       media.Class              `json:"media_class,omitempty"`
	Decrypted        *media.DecryptedMedia    `json:"-"`
	MediaUnavailable bool                     `json:"media_unavailable,omitempty"`
	MediaError       string                   `json:"media_error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasMedia reports whether the event carried an attachment, decrypted or not.
func (e InboundEvent) HasMedia() bool {
	return e.Media != nil || e.Decrypted != nil || e.MediaUnavailable
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between channels and the pipeline.
type MessageRouter interface {
	PublishInbound(ev InboundEvent)
	ConsumeInbound(ctx context.Context) (InboundEvent, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
