package pipeline

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
)

// Relay is the default Agent: it sends the model reply, or the matching
// notice, back to the chat the batch came from.
type Relay struct {
	router bus.MessageRouter
}

func NewRelay(router bus.MessageRouter) *Relay {
	return &Relay{router: router}
}

func (r *Relay) Handle(_ context.Context, t Turn) error {
	content := Render(t)
	if content == "" {
		return nil
	}
	r.router.PublishOutbound(bus.OutboundMessage{
		Channel: t.Channel,
		ChatID:  t.ChatID,
		Content: content,
		Metadata: map[string]string{
			"batch_id": t.BatchID,
			"status":   string(t.Status),
		},
	})
	return nil
}

// Render returns the text shown to the user for t. A silent reply renders
// as empty unless a notice applies.
func Render(t Turn) string {
	var parts []string
	if t.MediaUnreadable() {
		parts = append(parts, NoticeMediaUnreadable)
	}
	switch t.Status {
	case StatusUnavailable:
		parts = append(parts, NoticeUnavailable)
	default:
		if s := SanitizeReply(t.Response); s != "" && !IsSilentReply(s) {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
