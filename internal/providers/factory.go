package providers

import (
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/config"
)

// ErrNotConfigured is returned by NewFromConfig for a backend with no type.
var ErrNotConfigured = errors.New("providers: backend not configured")

// NewFromConfig builds a provider from its config section.
func NewFromConfig(bc config.BackendConfig) (Provider, error) {
	switch bc.Type {
	case "":
		return nil, ErrNotConfigured
	case "openai":
		return NewOpenAIProvider(bc.Label(), bc.APIKey, bc.APIBase, bc.Model), nil
	case "anthropic":
		return NewAnthropicProvider(bc.APIKey,
			WithAnthropicModel(bc.Model),
			WithAnthropicBaseURL(bc.APIBase),
		), nil
	default:
		return nil, fmt.Errorf("providers: unknown backend type %q", bc.Type)
	}
}

// InvokerConfigFrom converts the millisecond config section into an InvokerConfig.
func InvokerConfigFrom(c config.InvokerConfig) InvokerConfig {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return InvokerConfig{
		MaxRetries:         c.MaxRetries,
		FallbackMaxRetries: c.FallbackMaxRetries,
		AttemptTimeout:     ms(c.AttemptTimeoutMs),
		Backoff: BackoffPolicy{
			Base:   ms(c.BackoffBaseMs),
			Cap:    ms(c.BackoffCapMs),
			Jitter: c.BackoffJitter,
		},
		Cooldown:       ms(c.CooldownMs),
		SessionIdleTTL: ms(c.SessionIdleTTLMs),
	}
}
