package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url,omitempty"`   // WebSocket bridge; empty = webhook only
	WebhookPath string              `json:"webhook_path,omitempty"` // default "/webhook/whatsapp"
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// GatewayConfig controls the HTTP listener that receives webhooks and serves metrics.
type GatewayConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Token            string `json:"token,omitempty"`              // shared webhook token (X-Webhook-Token or ?token=)
	MaxBodyBytes     int64  `json:"max_body_bytes,omitempty"`     // webhook body cap (default 96 MiB)
	RateLimitRPM     int    `json:"rate_limit_rpm,omitempty"`     // webhook requests per minute per sender (default 120, 0 = disabled)
	RateLimitBurst   int    `json:"rate_limit_burst,omitempty"`   // default 20
	DedupeTTLMs      int    `json:"dedupe_ttl_ms,omitempty"`      // forget seen message ids after (default 20 min)
	DedupeMaxEntries int    `json:"dedupe_max_entries,omitempty"` // default 5000
	MetricsPath      string `json:"metrics_path,omitempty"`       // default "/metrics", "-" disables
}
