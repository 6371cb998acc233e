package providers

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/metrics"
	"github.com/nextlevelbuilder/wainbound/internal/tracing"
)

// ErrEmptyResponse is returned when a backend answers 200 with no body.
var ErrEmptyResponse = errors.New("providers: empty response")

// InvokerConfig holds retry and fallback tunables.
type InvokerConfig struct {
	MaxRetries         int // primary retries after the first attempt
	FallbackMaxRetries int // fallback retries after the first attempt
	AttemptTimeout     time.Duration
	Backoff            BackoffPolicy
	Cooldown           time.Duration // time on fallback before primary is probed again
	SessionIdleTTL     time.Duration // PruneIdle evicts sessions unused for this long
}

// DefaultInvokerConfig returns the standard tunables.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxRetries:         2,
		FallbackMaxRetries: 1,
		AttemptTimeout:     30 * time.Second,
		Backoff:            DefaultBackoff(),
		Cooldown:           5 * time.Minute,
		SessionIdleTTL:     time.Hour,
	}
}

// Attempt is one backend call made while serving a request.
type Attempt struct {
	Backend   BackendKind
	Provider  string
	Number    int // 1-based, increasing across backends within one request
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	Probe     bool
	Err       error
}

// Result is a successful invocation.
type Result struct {
	Response *ChatResponse
	Backend  BackendKind
	Provider string
	Attempts []Attempt
	Probed   bool // primary was probed after a cool-down during this request
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithNow replaces the wall clock used for cool-down and attempt timestamps.
func WithNow(now func() time.Time) InvokerOption { return func(i *Invoker) { i.now = now } }

// WithSleep replaces the backoff wait. The function must return ctx.Err()
// if ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(i *Invoker) { i.sleep = sleep }
}

// WithJitterSource replaces the [0,1) random source used for jitter.
func WithJitterSource(r func() float64) InvokerOption { return func(i *Invoker) { i.rand = r } }

// Invoker calls a primary backend with retries and fails over to a fallback,
// tracking per-session health so a failing primary is not hammered.
// Safe for concurrent use.
type Invoker struct {
	primary  Provider
	fallback Provider // may be nil

	cfg      atomic.Pointer[InvokerConfig]
	sessions sync.Map // session key -> *sessionHealth

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewInvoker creates an Invoker. fallback may be nil, in which case primary
// failures surface directly as AllBackendsExhausted.
func NewInvoker(primary, fallback Provider, cfg InvokerConfig, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		primary:  primary,
		fallback: fallback,
		now:      time.Now,
		sleep:    sleepCtx,
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.SetConfig(cfg)
	return inv
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetConfig replaces the tunables for subsequent requests.
func (i *Invoker) SetConfig(cfg InvokerConfig) {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultInvokerConfig().AttemptTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.FallbackMaxRetries < 0 {
		cfg.FallbackMaxRetries = 0
	}
	i.cfg.Store(&cfg)
}

// Config returns the tunables in effect.
func (i *Invoker) Config() InvokerConfig { return *i.cfg.Load() }

func (i *Invoker) health(session string) *sessionHealth {
	if h, ok := i.sessions.Load(session); ok {
		return h.(*sessionHealth)
	}
	h, _ := i.sessions.LoadOrStore(session, newSessionHealth())
	return h.(*sessionHealth)
}

// State returns the session's current health; unknown sessions report Primary.
func (i *Invoker) State(session string) HealthState {
	if h, ok := i.sessions.Load(session); ok {
		return h.(*sessionHealth).snapshot()
	}
	return HealthState{Current: BackendPrimary}
}

// Reset forgets a session's health so its next request starts on primary.
func (i *Invoker) Reset(session string) { i.sessions.Delete(session) }

// PruneIdle evicts sessions that have not been used within SessionIdleTTL of now.
// Returns the number of sessions removed.
func (i *Invoker) PruneIdle(now time.Time) int {
	ttl := i.Config().SessionIdleTTL
	if ttl <= 0 {
		return 0
	}
	n := 0
	i.sessions.Range(func(k, v any) bool {
		if now.Sub(v.(*sessionHealth).snapshot().LastUsedAt) >= ttl {
			i.sessions.Delete(k)
			n++
		}
		return true
	})
	return n
}

// invocation carries the attempt log of one request across backends.
type invocation struct {
	session  string
	req      ChatRequest
	cfg      InvokerConfig
	attempts []Attempt
}

// Invoke serves req for session, retrying and failing over as needed.
// Errors are always *InvocationError: KindAllBackendsExhausted when every
// backend failed, KindNonRetryable wrapping ctx.Err() when the caller gave up.
func (i *Invoker) Invoke(ctx context.Context, session string, req ChatRequest) (*Result, error) {
	ctx, span := tracing.StartInvokeSpan(ctx, session)
	res, err := i.invoke(ctx, session, req)
	tracing.End(span, err)

	switch {
	case err == nil:
		metrics.Invocations.WithLabelValues(string(res.Backend), "ok").Inc()
	case IsExhausted(err):
		metrics.Invocations.WithLabelValues("none", "exhausted").Inc()
	default:
		metrics.Invocations.WithLabelValues("none", "canceled").Inc()
	}
	return res, err
}

func (i *Invoker) invoke(ctx context.Context, session string, req ChatRequest) (*Result, error) {
	inv := &invocation{session: session, req: req, cfg: i.Config()}
	h := i.health(session)
	st, probe := h.touch(i.now(), inv.cfg.Cooldown)

	var lastErr error
	if st.Current == BackendPrimary || probe || i.fallback == nil {
		retries := inv.cfg.MaxRetries
		if probe {
			retries = 0
			slog.Info("probing primary backend after cool-down", "session", session,
				"since_switch", i.now().Sub(st.LastSwitchAt).Round(time.Second))
		}

		resp, err := i.runBackend(ctx, inv, BackendPrimary, i.primary, retries, probe)
		if err == nil {
			if h.primarySucceeded(i.now()) {
				metrics.BackendSwitches.WithLabelValues(string(BackendPrimary)).Inc()
				slog.Info("session recovered to primary backend", "session", session, "provider", i.primary.Name())
			}
			return inv.result(resp, BackendPrimary, i.primary.Name(), probe), nil
		}
		if ctx.Err() != nil {
			return nil, inv.canceled(ctx.Err())
		}
		lastErr = err

		if i.fallback == nil {
			return nil, inv.exhausted(lastErr)
		}
		if h.primaryFailed(i.now()) {
			metrics.BackendSwitches.WithLabelValues(string(BackendFallback)).Inc()
			slog.Warn("switching session to fallback backend", "session", session,
				"primary", i.primary.Name(), "fallback", i.fallback.Name(), "error", err)
		} else if probe {
			slog.Warn("primary probe failed, staying on fallback", "session", session, "error", err)
		}
		inv.handOff()
	}

	resp, err := i.runBackend(ctx, inv, BackendFallback, i.fallback, inv.cfg.FallbackMaxRetries, false)
	if err == nil {
		if lastErr != nil {
			slog.Info("used fallback backend", "session", session, "provider", i.fallback.Name())
		}
		return inv.result(resp, BackendFallback, i.fallback.Name(), probe), nil
	}
	if ctx.Err() != nil {
		return nil, inv.canceled(ctx.Err())
	}
	return nil, inv.exhausted(err)
}

// runBackend makes up to retries+1 attempts on p. It stops early on a fatal
// outcome or when ctx ends.
func (i *Invoker) runBackend(ctx context.Context, inv *invocation, kind BackendKind, p Provider, retries int, probe bool) (*ChatResponse, error) {
	var lastErr error
	for try := 0; try <= retries; try++ {
		if try > 0 {
			delay := inv.cfg.Backoff.DelayFor(try-1, i.rand(), lastErr)
			slog.Warn("retrying model request", "session", inv.session, "backend", kind,
				"provider", p.Name(), "attempt", len(inv.attempts)+1, "delay", delay, "error", lastErr)
			if err := i.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := i.attempt(ctx, inv, kind, p, probe)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || inv.attempts[len(inv.attempts)-1].Outcome == OutcomeFatal {
			break
		}
	}
	return nil, lastErr
}

func (i *Invoker) attempt(ctx context.Context, inv *invocation, kind BackendKind, p Provider, probe bool) (*ChatResponse, error) {
	number := len(inv.attempts) + 1
	actx, cancel := context.WithTimeout(ctx, inv.cfg.AttemptTimeout)
	defer cancel()
	actx, span := tracing.StartAttemptSpan(actx, string(kind), p.Name(), number, probe)

	started := i.now()
	wall := time.Now()
	resp, err := p.Chat(actx, inv.req)
	if err == nil && resp == nil {
		err = ErrEmptyResponse
	}

	outcome := Classify(err)
	if err != nil && ctx.Err() != nil {
		// The caller's context, not the attempt timeout, ended the call.
		outcome = OutcomeFatal
	}

	inv.attempts = append(inv.attempts, Attempt{
		Backend:   kind,
		Provider:  p.Name(),
		Number:    number,
		StartedAt: started,
		Duration:  i.now().Sub(started),
		Outcome:   outcome,
		Probe:     probe,
		Err:       err,
	})
	metrics.ModelAttempts.WithLabelValues(string(kind), string(outcome)).Inc()
	metrics.ModelAttemptDuration.WithLabelValues(string(kind)).Observe(time.Since(wall).Seconds())
	tracing.End(span, err)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (inv *invocation) result(resp *ChatResponse, kind BackendKind, provider string, probed bool) *Result {
	return &Result{
		Response: resp,
		Backend:  kind,
		Provider: provider,
		Attempts: inv.attempts,
		Probed:   probed,
	}
}

// handOff relabels a fatal primary attempt as retryable once the request
// moves on to the fallback, so only the final attempt is terminal.
func (inv *invocation) handOff() {
	if n := len(inv.attempts); n > 0 && inv.attempts[n-1].Outcome == OutcomeFatal {
		inv.attempts[n-1].Outcome = OutcomeRetryable
	}
}

// exhausted closes the attempt log with a terminal fatal entry.
func (inv *invocation) exhausted(err error) *InvocationError {
	if n := len(inv.attempts); n > 0 {
		inv.attempts[n-1].Outcome = OutcomeFatal
	}
	slog.Error("all model backends exhausted", "session", inv.session, "attempts", len(inv.attempts), "error", err)
	return &InvocationError{Kind: KindAllBackendsExhausted, Session: inv.session, Err: err, Attempts: inv.attempts}
}

func (inv *invocation) canceled(err error) *InvocationError {
	return &InvocationError{Kind: KindNonRetryable, Session: inv.session, Err: err, Attempts: inv.attempts}
}
