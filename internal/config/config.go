package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/aggregator"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// WhatsApp sender ids are phone numbers and often get written unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the wainbound service.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Channels   ChannelsConfig   `json:"channels"`
	Media      MediaConfig      `json:"media"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Invoker    InvokerConfig    `json:"invoker"`
	Backends   BackendsConfig   `json:"backends"`
	Agent      AgentConfig      `json:"agent"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	DeadLetter DeadLetterConfig `json:"dead_letter,omitempty"`
	mu         sync.RWMutex
}

// MediaConfig bounds media decryption work.
type MediaConfig struct {
	Workers  int   `json:"workers,omitempty"`   // concurrent decryptions (default GOMAXPROCS)
	MaxBytes int64 `json:"max_bytes,omitempty"` // largest accepted encrypted blob (default 64 MiB)
}

// AggregatorConfig holds per-sender buffering tunables. Hot-reloadable.
type AggregatorConfig struct {
	QuietPeriodMs     int `json:"quiet_period_ms"`     // flush after this much sender silence (default 8000)
	MaxBufferSize     int `json:"max_buffer_size"`     // flush at this many events (default 20)
	MaxBufferAgeMs    int `json:"max_buffer_age_ms"`   // flush when the oldest event is this old (default 60000)
	DeliveryAttempts  int `json:"delivery_attempts"`   // consumer attempts before a batch is dropped (default 3)
	DeliveryBackoffMs int `json:"delivery_backoff_ms"` // wait between delivery attempts (default 500)
}

// ToAggregatorConfig converts milliseconds into an aggregator.Config.
func (a AggregatorConfig) ToAggregatorConfig() aggregator.Config {
	return aggregator.Config{
		QuietPeriod:      ms(a.QuietPeriodMs),
		MaxBufferSize:    a.MaxBufferSize,
		MaxBufferAge:     ms(a.MaxBufferAgeMs),
		DeliveryAttempts: a.DeliveryAttempts,
		DeliveryBackoff:  ms(a.DeliveryBackoffMs),
	}
}

// InvokerConfig holds model retry and fallback tunables. Hot-reloadable.
type InvokerConfig struct {
	MaxRetries         int     `json:"max_retries"`          // primary retries after the first attempt (default 2)
	FallbackMaxRetries int     `json:"fallback_max_retries"` // fallback retries after the first attempt (default 1)
	AttemptTimeoutMs   int     `json:"attempt_timeout_ms"`   // per-attempt deadline (default 30000)
	BackoffBaseMs      int     `json:"backoff_base_ms"`      // default 500
	BackoffCapMs       int     `json:"backoff_cap_ms"`       // default 8000
	BackoffJitter      float64 `json:"backoff_jitter"`       // fraction, default 0.2
	CooldownMs         int     `json:"cooldown_ms"`          // fallback stickiness before probing primary (default 300000)
	SessionIdleTTLMs   int     `json:"session_idle_ttl_ms"`  // evict idle session health after (default 3600000)
}

// BackendsConfig names the primary and optional fallback model backends.
type BackendsConfig struct {
	Primary  BackendConfig `json:"primary"`
	Fallback BackendConfig `json:"fallback"`
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	Type    string `json:"type"`              // "openai" (any OpenAI-compatible API) or "anthropic"
	Name    string `json:"name,omitempty"`    // provider label in logs and metrics (default: type)
	APIKey  string `json:"api_key,omitempty"` // prefer env WAINBOUND_PRIMARY_API_KEY / WAINBOUND_FALLBACK_API_KEY
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Configured reports whether the backend has a type set.
func (b BackendConfig) Configured() bool { return b.Type != "" }

// Label returns Name, or Type when no name is set.
func (b BackendConfig) Label() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Type
}

// AgentConfig shapes the request built for each aggregated turn.
type AgentConfig struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP/HTTP endpoint (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP/HTTP endpoint host:port (e.g. "localhost:4318")
	Insecure    bool              `json:"insecure,omitempty"`     // plain HTTP (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "wainbound")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// DeadLetterConfig configures the sqlite store for dropped batches.
type DeadLetterConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"` // default ~/.wainbound/deadletters.db
}

// ReplaceFrom copies the hot-reloadable sections (aggregator, invoker, agent)
// from src into c, preserving c's mutex. It returns the names of the other
// sections that differ; those only take effect after a restart and are left
// untouched in c.
func (c *Config) ReplaceFrom(src *Config) []string {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Aggregator = src.Aggregator
	c.Invoker = src.Invoker
	c.Agent = src.Agent

	var restart []string
	for _, sec := range []struct {
		name      string
		cur, next any
	}{
		{"gateway", c.Gateway, src.Gateway},
		{"channels", c.Channels, src.Channels},
		{"media", c.Media, src.Media},
		{"backends", c.Backends, src.Backends},
		{"telemetry", c.Telemetry, src.Telemetry},
		{"dead_letter", c.DeadLetter, src.DeadLetter},
	} {
		if !reflect.DeepEqual(sec.cur, sec.next) {
			restart = append(restart, sec.name)
		}
	}
	return restart
}

// Tunables returns the hot-reloadable sections under the read lock.
func (c *Config) Tunables() (AggregatorConfig, InvokerConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Aggregator, c.Invoker
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
