package pipeline

import (
	"context"

	"github.com/nextlevelbuilder/wainbound/internal/media"
)

// Status tells the agent whether a model response is available for the turn.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
)

// User-facing notices rendered when the pipeline could not fully serve a turn.
const (
	NoticeUnavailable     = "Sorry, I'm temporarily unable to process your message. Please try again in a few minutes."
	NoticeMediaUnreadable = "Some of the media you sent could not be read."
)

// TurnItem is one inbound event of a turn, with its media already decrypted.
// Media is nil when the event had no attachment or it could not be read.
type TurnItem struct {
	SequenceID       string
	SenderID         string
	Text             string
	Media            []byte
	MediaClass       media.Class
	MimeType         string
	MediaUnavailable bool
}

// Turn is what the agent receives for one flushed batch.
type Turn struct {
	BatchID    string
	SessionKey string
	SenderID   string
	ChatID     string
	Channel    string
	Items      []TurnItem

	Response string // model reply; empty when Status is StatusUnavailable
	Backend  string // provider that served the reply
	Status   Status
}

// MediaUnreadable reports whether any item lost its attachment.
func (t Turn) MediaUnreadable() bool {
	for _, it := range t.Items {
		if it.MediaUnavailable {
			return true
		}
	}
	return false
}

// Agent consumes completed turns. A non-nil error makes the aggregator
// redeliver the batch; the model is not called again for a redelivery.
type Agent interface {
	Handle(ctx context.Context, t Turn) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, t Turn) error

func (f AgentFunc) Handle(ctx context.Context, t Turn) error { return f(ctx, t) }
