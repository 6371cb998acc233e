package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// scriptedProvider returns the scripted errors in order, then succeeds.
type scriptedProvider struct {
	name string

	mu     sync.Mutex
	script []error
	calls  int
	block  bool // wait for ctx instead of answering
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.name + "-model" }

func (p *scriptedProvider) Chat(ctx context.Context, _ ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	block := p.block
	var err error
	if n <= len(p.script) {
		err = p.script[n-1]
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: fmt.Sprintf("%s reply %d", p.name, n), FinishReason: "stop"}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) setScript(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = errs
	p.calls = 0
}

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type invokerHarness struct {
	inv      *Invoker
	primary  *scriptedProvider
	fallback *scriptedProvider
	clock    *fakeTime

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg InvokerConfig) *invokerHarness {
	t.Helper()
	h := &invokerHarness{
		primary:  &scriptedProvider{name: "gemini"},
		fallback: &scriptedProvider{name: "claude"},
		clock:    &fakeTime{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.inv = NewInvoker(h.primary, h.fallback, cfg,
		WithNow(h.clock.Now),
		WithJitterSource(func() float64 { return 0.5 }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}),
	)
	return h
}

func testInvokerConfig() InvokerConfig {
	cfg := DefaultInvokerConfig()
	cfg.AttemptTimeout = time.Second
	return cfg
}

var (
	errUnavailable = &HTTPError{Status: 503, Body: "overloaded"}
	errQuota       = &HTTPError{Status: 403, Body: "quota exceeded"}
)

const session = "whatsapp:direct:34600111222"

func TestInvoke_PrimarySuccess(t *testing.T) {
	h := newHarness(t, testInvokerConfig())

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Backend != BackendPrimary || res.Provider != "gemini" || len(res.Attempts) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts[0].Outcome != OutcomeSuccess || res.Attempts[0].Number != 1 {
		t.Errorf("attempt = %+v", res.Attempts[0])
	}
	if h.fallback.Calls() != 0 {
		t.Error("fallback should not be called")
	}
}

func TestInvoke_RetriesThenFallsBack(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errUnavailable, errUnavailable, errUnavailable)

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Backend != BackendFallback {
		t.Fatalf("backend = %s, want fallback", res.Backend)
	}
	if got := h.primary.Calls(); got != 3 {
		t.Errorf("primary calls = %d, want maxRetries+1 = 3", got)
	}

	wantBackends := []BackendKind{BackendPrimary, BackendPrimary, BackendPrimary, BackendFallback}
	for i, a := range res.Attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.Number)
		}
		if a.Backend != wantBackends[i] {
			t.Errorf("attempt %d backend = %s, want %s", i, a.Backend, wantBackends[i])
		}
	}
	if last := res.Attempts[len(res.Attempts)-1]; last.Outcome != OutcomeSuccess {
		t.Errorf("final outcome = %s", last.Outcome)
	}

	// Backoff between the three primary attempts only: 500ms then 1s (r=0.5 means no jitter).
	if fmt.Sprint(h.sleeps) != "[500ms 1s]" {
		t.Errorf("sleeps = %v", h.sleeps)
	}

	st := h.inv.State(session)
	if st.Current != BackendFallback || st.ConsecutiveFailures != 1 || !st.LastSwitchAt.Equal(h.clock.Now()) {
		t.Errorf("state = %+v", st)
	}
}

func TestInvoke_FatalPrimarySkipsRetries(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if h.primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", h.primary.Calls())
	}
	if res.Backend != BackendFallback || len(res.Attempts) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts[0].Outcome != OutcomeRetryable || res.Attempts[1].Outcome != OutcomeSuccess {
		t.Errorf("outcomes = %s, %s; want retryable, success", res.Attempts[0].Outcome, res.Attempts[1].Outcome)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("fatal error should not back off, slept %v", h.sleeps)
	}
}

func TestInvoke_StaysOnFallbackDuringCooldown(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), session, ChatRequest{})

	h.primary.setScript()
	h.clock.Advance(4 * time.Minute)

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Backend != BackendFallback || res.Probed {
		t.Fatalf("result = %+v, want fallback without probe", res)
	}
	if h.primary.Calls() != 0 {
		t.Error("primary called during cool-down")
	}
}

func TestInvoke_ProbeRecoversPrimary(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), session, ChatRequest{})

	h.primary.setScript()
	h.clock.Advance(5 * time.Minute)

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Backend != BackendPrimary || !res.Probed {
		t.Fatalf("result = %+v, want probed primary", res)
	}
	st := h.inv.State(session)
	if st.Current != BackendPrimary || st.ConsecutiveFailures != 0 {
		t.Errorf("state = %+v", st)
	}

	// Subsequent calls stay on primary.
	res, _ = h.inv.Invoke(context.Background(), session, ChatRequest{})
	if res.Backend != BackendPrimary || res.Probed {
		t.Errorf("follow-up result = %+v", res)
	}
}

func TestInvoke_ProbeFailureResetsCooldown(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), session, ChatRequest{})
	firstSwitch := h.inv.State(session).LastSwitchAt

	h.clock.Advance(6 * time.Minute)
	h.primary.setScript(errUnavailable, errUnavailable, errUnavailable)
	fallbackBefore := h.fallback.Calls()

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if h.primary.Calls() != 1 {
		t.Errorf("probe made %d primary attempts, want 1", h.primary.Calls())
	}
	if res.Backend != BackendFallback || !res.Probed {
		t.Errorf("result = %+v", res)
	}
	if h.fallback.Calls() != fallbackBefore+1 {
		t.Error("request not served by fallback after failed probe")
	}
	if !res.Attempts[0].Probe {
		t.Error("probe attempt not marked")
	}

	st := h.inv.State(session)
	if st.Current != BackendFallback || st.LastSwitchAt.Equal(firstSwitch) || !st.LastSwitchAt.Equal(h.clock.Now()) {
		t.Errorf("cool-down not reset: %+v", st)
	}
	if st.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", st.ConsecutiveFailures)
	}

	// Within the fresh cool-down, primary is left alone.
	h.clock.Advance(time.Minute)
	h.inv.Invoke(context.Background(), session, ChatRequest{})
	if h.primary.Calls() != 1 {
		t.Error("primary probed again before the new cool-down elapsed")
	}
}

func TestInvoke_AllBackendsExhausted(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errUnavailable, errUnavailable, errUnavailable)
	h.fallback.setScript(errUnavailable, errUnavailable)

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if res != nil {
		t.Fatal("expected nil result")
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindAllBackendsExhausted {
		t.Fatalf("err = %v, want AllBackendsExhausted", err)
	}
	if !IsExhausted(err) {
		t.Error("IsExhausted = false")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Errorf("last error not wrapped: %v", err)
	}
	if len(ie.Attempts) != 5 {
		t.Fatalf("attempts = %d, want 3 primary + 2 fallback", len(ie.Attempts))
	}
	fatal := 0
	for _, a := range ie.Attempts {
		if a.Outcome == OutcomeFatal {
			fatal++
		}
	}
	if fatal != 1 || ie.Attempts[4].Outcome != OutcomeFatal {
		t.Errorf("attempt log must end in exactly one fatal entry: %+v", ie.Attempts)
	}
}

func TestInvoke_FatalOnBothBackendsLogsOneFatal(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.fallback.setScript(errQuota)

	_, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindAllBackendsExhausted {
		t.Fatalf("err = %v, want AllBackendsExhausted", err)
	}
	if len(ie.Attempts) != 2 {
		t.Fatalf("attempts = %+v", ie.Attempts)
	}
	if ie.Attempts[0].Outcome != OutcomeRetryable || ie.Attempts[1].Outcome != OutcomeFatal {
		t.Errorf("outcomes = %s, %s; want retryable, fatal", ie.Attempts[0].Outcome, ie.Attempts[1].Outcome)
	}
}

func TestInvoke_NoFallbackConfigured(t *testing.T) {
	primary := &scriptedProvider{name: "gemini", script: []error{errQuota}}
	inv := NewInvoker(primary, nil, testInvokerConfig())

	_, err := inv.Invoke(context.Background(), session, ChatRequest{})
	if !IsExhausted(err) {
		t.Fatalf("err = %v, want AllBackendsExhausted", err)
	}
	if st := inv.State(session); st.Current != BackendPrimary {
		t.Errorf("state = %+v, want primary with no fallback available", st)
	}
}

func TestInvoke_CallerCancellation(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.inv.Invoke(ctx, session, ChatRequest{})
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Kind != KindNonRetryable {
		t.Fatalf("err = %v, want NonRetryable", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cancellation error not wrapped")
	}
	if h.fallback.Calls() != 0 {
		t.Error("fallback called after caller gave up")
	}
	if st := h.inv.State(session); st.Current != BackendPrimary || st.ConsecutiveFailures != 0 {
		t.Errorf("cancellation changed state: %+v", st)
	}
}

func TestInvoke_AttemptTimeoutIsRetryable(t *testing.T) {
	cfg := testInvokerConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.primary.block = true

	res, err := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if h.primary.Calls() != 2 {
		t.Errorf("primary calls = %d, want 2 (timeout retried)", h.primary.Calls())
	}
	if res.Attempts[0].Outcome != OutcomeRetryable || !errors.Is(res.Attempts[0].Err, context.DeadlineExceeded) {
		t.Errorf("timeout attempt = %+v", res.Attempts[0])
	}
	if res.Backend != BackendFallback {
		t.Errorf("backend = %s", res.Backend)
	}
}

func TestInvoke_RetryAfterRaisesDelay(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(&HTTPError{Status: 429, RetryAfter: 3 * time.Second}, &HTTPError{Status: 429, RetryAfter: time.Minute})

	if _, err := h.inv.Invoke(context.Background(), session, ChatRequest{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if fmt.Sprint(h.sleeps) != "[3s 8s]" {
		t.Errorf("sleeps = %v, want Retry-After honoured and capped", h.sleeps)
	}
}

func TestInvoke_SessionsAreIndependent(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), "whatsapp:direct:a", ChatRequest{})

	if h.inv.State("whatsapp:direct:a").Current != BackendFallback {
		t.Fatal("session a should be on fallback")
	}
	res, err := h.inv.Invoke(context.Background(), "whatsapp:direct:b", ChatRequest{})
	if err != nil || res.Backend != BackendPrimary {
		t.Fatalf("session b: %+v, %v", res, err)
	}
}

func TestInvoke_ConcurrentSameSession(t *testing.T) {
	h := newHarness(t, testInvokerConfig())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.inv.Invoke(context.Background(), session, ChatRequest{}); err != nil {
				t.Errorf("Invoke: %v", err)
			}
		}()
	}
	wg.Wait()
	if h.primary.Calls() != 32 {
		t.Errorf("primary calls = %d", h.primary.Calls())
	}
}

func TestPruneIdleAndReset(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.inv.Invoke(context.Background(), "old", ChatRequest{})
	h.clock.Advance(2 * time.Hour)
	h.inv.Invoke(context.Background(), "fresh", ChatRequest{})

	if n := h.inv.PruneIdle(h.clock.Now()); n != 1 {
		t.Fatalf("pruned %d sessions, want 1", n)
	}
	if st := h.inv.State("fresh"); st.LastUsedAt.IsZero() {
		t.Error("fresh session pruned")
	}

	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), "fresh", ChatRequest{})
	h.inv.Reset("fresh")
	if st := h.inv.State("fresh"); st.Current != BackendPrimary {
		t.Errorf("Reset left state %+v", st)
	}
}

func TestSetConfig_Cooldown(t *testing.T) {
	h := newHarness(t, testInvokerConfig())
	h.primary.setScript(errQuota)
	h.inv.Invoke(context.Background(), session, ChatRequest{})

	cfg := testInvokerConfig()
	cfg.Cooldown = time.Second
	h.inv.SetConfig(cfg)
	h.clock.Advance(time.Second)
	h.primary.setScript()

	res, _ := h.inv.Invoke(context.Background(), session, ChatRequest{})
	if !res.Probed || res.Backend != BackendPrimary {
		t.Errorf("shorter cool-down not applied: %+v", res)
	}
}
