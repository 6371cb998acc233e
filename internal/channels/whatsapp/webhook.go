package whatsapp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/channels"
	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/internal/metrics"
)

const defaultWebhookPath = "/webhook/whatsapp"

// WebhookChannel receives WhatsApp envelopes over HTTP POST and publishes
// them to the bus. Replies still leave through the bridge Channel.
type WebhookChannel struct {
	*channels.BaseChannel
	path     string
	token    string
	maxBytes int64
	limiter  *channels.WebhookRateLimiter
}

// NewWebhookChannel builds the webhook handler from the channel and gateway config.
func NewWebhookChannel(cfg config.WhatsAppConfig, gw config.GatewayConfig, router bus.MessageRouter) *WebhookChannel {
	base := channels.NewBaseChannel(channelName, router, cfg.AllowFrom)
	base.SetPolicies(channels.DMPolicy(cfg.DMPolicy), channels.GroupPolicy(cfg.GroupPolicy))

	path := cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}
	return &WebhookChannel{
		BaseChannel: base,
		path:        path,
		token:       gw.Token,
		maxBytes:    gw.MaxBodyBytes,
		limiter:     channels.NewWebhookRateLimiter(gw.RateLimitRPM, gw.RateLimitBurst),
	}
}

// Path returns the URL path the handler should be mounted on.
func (w *WebhookChannel) Path() string { return w.path }

func (w *WebhookChannel) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	code, status := w.handle(rw, r)
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(code)).Inc()

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": status})
}

func (w *WebhookChannel) handle(rw http.ResponseWriter, r *http.Request) (int, string) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, "method not allowed"
	}
	if !w.authorized(r) {
		return http.StatusUnauthorized, "unauthorized"
	}

	body := io.Reader(r.Body)
	if w.maxBytes > 0 {
		body = http.MaxBytesReader(rw, r.Body, w.maxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, "payload too large"
		}
		return http.StatusBadRequest, "unreadable body"
	}

	ev, err := ParseEnvelope(data)
	switch {
	case errors.Is(err, ErrNotAMessage):
		return http.StatusAccepted, "ignored"
	case err != nil:
		slog.Warn("whatsapp webhook: bad envelope", "error", err)
		return http.StatusBadRequest, "bad envelope"
	}

	if !w.limiter.Allow(ev.SenderID) {
		slog.Warn("whatsapp webhook: rate limited", "sender_id", ev.SenderID)
		return http.StatusTooManyRequests, "rate limited"
	}

	if !w.HandleEvent(ev) {
		// Rejected senders still get 2xx so the provider does not retry.
		return http.StatusAccepted, "ignored"
	}
	return http.StatusAccepted, "accepted"
}

// authorized checks the shared token in X-Webhook-Token or ?token=.
func (w *WebhookChannel) authorized(r *http.Request) bool {
	if w.token == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}
