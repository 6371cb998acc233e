package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             18790,
			MaxBodyBytes:     96 << 20,
			RateLimitRPM:     120,
			RateLimitBurst:   20,
			DedupeTTLMs:      20 * 60 * 1000,
			DedupeMaxEntries: 5000,
			MetricsPath:      "/metrics",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:     true,
				WebhookPath: "/webhook/whatsapp",
			},
		},
		Media: MediaConfig{
			MaxBytes: 64 << 20,
		},
		Aggregator: AggregatorConfig{
			QuietPeriodMs:     8000,
			MaxBufferSize:     20,
			MaxBufferAgeMs:    60000,
			DeliveryAttempts:  3,
			DeliveryBackoffMs: 500,
		},
		Invoker: InvokerConfig{
			MaxRetries:         2,
			FallbackMaxRetries: 1,
			AttemptTimeoutMs:   30000,
			BackoffBaseMs:      500,
			BackoffCapMs:       8000,
			BackoffJitter:      0.2,
			CooldownMs:         5 * 60 * 1000,
			SessionIdleTTLMs:   60 * 60 * 1000,
		},
		Backends: BackendsConfig{
			Primary: BackendConfig{
				Type:  "openai",
				Name:  "gemini",
				Model: "gemini-2.5-flash",
				// OpenAI-compatible Gemini endpoint.
				APIBase: "https://generativelanguage.googleapis.com/v1beta/openai",
			},
			Fallback: BackendConfig{
				Type:  "anthropic",
				Model: "claude-sonnet-4-5-20250929",
			},
		},
		Agent: AgentConfig{
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "wainbound",
		},
		DeadLetter: DeadLetterConfig{
			Path: "~/.wainbound/deadletters.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overlays.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Backend secrets
	envStr("WAINBOUND_PRIMARY_API_KEY", &c.Backends.Primary.APIKey)
	envStr("WAINBOUND_PRIMARY_MODEL", &c.Backends.Primary.Model)
	envStr("WAINBOUND_PRIMARY_API_BASE", &c.Backends.Primary.APIBase)
	envStr("WAINBOUND_FALLBACK_API_KEY", &c.Backends.Fallback.APIKey)
	envStr("WAINBOUND_FALLBACK_MODEL", &c.Backends.Fallback.Model)
	envStr("WAINBOUND_FALLBACK_API_BASE", &c.Backends.Fallback.APIBase)

	// Gateway
	envStr("WAINBOUND_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("WAINBOUND_HOST", &c.Gateway.Host)
	if v := os.Getenv("WAINBOUND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// WhatsApp
	envStr("WAINBOUND_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	if v := os.Getenv("WAINBOUND_WHATSAPP_ALLOW_FROM"); v != "" {
		c.Channels.WhatsApp.AllowFrom = strings.Split(v, ",")
	}

	// Tunables
	envInt("WAINBOUND_QUIET_PERIOD_MS", &c.Aggregator.QuietPeriodMs)
	envInt("WAINBOUND_MAX_RETRIES", &c.Invoker.MaxRetries)
	envInt("WAINBOUND_COOLDOWN_MS", &c.Invoker.CooldownMs)

	// Telemetry
	envStr("WAINBOUND_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WAINBOUND_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WAINBOUND_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("WAINBOUND_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Dead letters
	envStr("WAINBOUND_DEAD_LETTER_PATH", &c.DeadLetter.Path)
	envBool("WAINBOUND_DEAD_LETTER_ENABLED", &c.DeadLetter.Enabled)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	a, inv := c.Aggregator, c.Invoker
	check(a.QuietPeriodMs > 0, "aggregator.quiet_period_ms must be > 0")
	check(a.MaxBufferSize > 0, "aggregator.max_buffer_size must be > 0")
	check(a.MaxBufferAgeMs >= a.QuietPeriodMs, "aggregator.max_buffer_age_ms must be >= quiet_period_ms")
	check(a.DeliveryAttempts > 0, "aggregator.delivery_attempts must be > 0")
	check(a.DeliveryBackoffMs >= 0, "aggregator.delivery_backoff_ms must be >= 0")

	check(inv.MaxRetries >= 0, "invoker.max_retries must be >= 0")
	check(inv.FallbackMaxRetries >= 0, "invoker.fallback_max_retries must be >= 0")
	check(inv.AttemptTimeoutMs > 0, "invoker.attempt_timeout_ms must be > 0")
	check(inv.BackoffBaseMs >= 0 && inv.BackoffCapMs >= inv.BackoffBaseMs, "invoker backoff must satisfy 0 <= base <= cap")
	check(inv.BackoffJitter >= 0 && inv.BackoffJitter <= 1, "invoker.backoff_jitter must be within [0,1]")
	check(inv.CooldownMs >= 0, "invoker.cooldown_ms must be >= 0")

	for name, b := range map[string]BackendConfig{"primary": c.Backends.Primary, "fallback": c.Backends.Fallback} {
		switch b.Type {
		case "openai", "anthropic":
		case "":
			check(name == "fallback", "backends.primary.type is required")
		default:
			check(false, "backends.%s.type %q unknown (want openai or anthropic)", name, b.Type)
		}
	}

	check(c.Gateway.Port > 0 && c.Gateway.Port < 65536, "gateway.port %d out of range", c.Gateway.Port)
	check(c.Media.MaxBytes >= 0, "media.max_bytes must be >= 0")

	return errors.Join(errs...)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 fingerprint of the config.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the doctor command when printing the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Backends.Primary.APIKey)
	maskNonEmpty(&cp.Backends.Fallback.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Warnings reports settings that load fine but degrade the service.
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	if wa := c.Channels.WhatsApp; wa.Enabled && wa.BridgeURL == "" {
		out = append(out, "channels.whatsapp.bridge_url is empty: webhook messages are processed but replies cannot be sent")
	}
	return out
}
