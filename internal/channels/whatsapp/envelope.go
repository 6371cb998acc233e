package whatsapp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/media"
	"github.com/nextlevelbuilder/wainbound/pkg/protocol"
)

const channelName = "whatsapp"

var (
	ErrNoSender    = errors.New("whatsapp: envelope has no sender")
	ErrNotAMessage = errors.New("whatsapp: envelope is not a message")
)

// envelope is the JSON shape shared by the bridge socket and the webhook:
//
//	{"type":"message","id":"...","from":"...","chat":"...","from_name":"...",
//	 "content":"...","caption":"...","timestamp":1700000000,
//	 "media":{"type":"image","mimetype":"image/jpeg","data_b64":"...","media_key_b64":"..."}}
type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Chat      string          `json:"chat"`
	FromName  string          `json:"from_name"`
	Content   string          `json:"content"`
	Caption   string          `json:"caption"`
	Timestamp json.RawMessage `json:"timestamp"`
	Media     *mediaEnvelope  `json:"media"`
}

type mediaEnvelope struct {
	Type        string `json:"type"`
	MimeType    string `json:"mimetype"`
	DataB64     string `json:"data_b64"`
	MediaKeyB64 string `json:"media_key_b64"`
}

// ParseEnvelope converts one bridge or webhook payload into an inbound event.
// Text passes through untouched. An attachment that cannot even be
// described (unknown type, undecodable ciphertext) marks the event
// MediaUnavailable instead of failing, so its caption still reaches the model.
func ParseEnvelope(data []byte) (bus.InboundEvent, error) {
	return parseEnvelope(data, time.Now)
}

func parseEnvelope(data []byte, now func() time.Time) (bus.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("whatsapp: decode envelope: %w", err)
	}
	if env.Type != "" && env.Type != protocol.FrameMessage {
		return bus.InboundEvent{}, fmt.Errorf("%w: type %q", ErrNotAMessage, env.Type)
	}
	if env.From == "" {
		return bus.InboundEvent{}, ErrNoSender
	}

	chatID := env.Chat
	if chatID == "" {
		chatID = env.From
	}
	seq := env.ID
	if seq == "" {
		seq = uuid.NewString()
	}

	ev := bus.InboundEvent{
		Channel:    channelName,
		SenderID:   env.From,
		ChatID:     chatID,
		SequenceID: seq,
		Timestamp:  parseTimestamp(env.Timestamp, now),
		Text:       env.Content,
		Metadata:   map[string]string{"message_id": seq, "peer_kind": "direct"},
	}
	// WhatsApp groups have chatID ending in "@g.us"
	if strings.HasSuffix(chatID, "@g.us") {
		ev.Metadata["peer_kind"] = "group"
	}
	if env.FromName != "" {
		ev.Metadata["user_name"] = env.FromName
	}

	if env.Media != nil {
		if ev.Text == "" {
			ev.Text = env.Caption
		}
		attachMedia(&ev, env.Media)
	}
	return ev, nil
}

func attachMedia(ev *bus.InboundEvent, m *mediaEnvelope) {
	class, err := media.ParseClass(m.Type)
	if err != nil {
		ev.MediaClass = media.ClassUnknown
		ev.MediaUnavailable = true
		ev.MediaError = err.Error()
		return
	}
	ev.MediaClass = class

	ct, err := base64.StdEncoding.DecodeString(m.DataB64)
	if err != nil || len(ct) == 0 {
		ev.MediaUnavailable = true
		ev.MediaError = "whatsapp: media data is not valid base64"
		return
	}
	ev.Media = &media.EncryptedMediaRef{
		Ciphertext:        ct,
		KeyMaterialBase64: m.MediaKeyB64,
		Class:             class,
		MimeType:          m.MimeType,
	}
}

// parseTimestamp accepts unix seconds (or milliseconds), as a number or
// string, and RFC3339. Anything else falls back to now.
func parseTimestamp(raw json.RawMessage, now func() time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return now()
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return now()
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return now()
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f))
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}
