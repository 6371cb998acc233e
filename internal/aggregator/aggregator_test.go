package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// Advance moves time forward by d, firing due timers in deadline order.
// Callbacks run outside the clock lock.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *manualTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if !t.at.After(target) {
				next = t
				c.timers = append(c.timers[:i:i], c.timers[i+1:]...)
			}
			break
		}
		if next == nil {
			c.now = target
			c.timers = compact(c.timers)
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

func compact(ts []*manualTimer) []*manualTimer {
	out := ts[:0]
	for _, t := range ts {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// recorder collects delivered batches.
type recorder struct {
	mu      sync.Mutex
	batches []Batch
	ch      chan Batch
}

func newRecorder() *recorder { return &recorder{ch: make(chan Batch, 64)} }

func (r *recorder) consume(_ context.Context, b Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.ch <- b
	return nil
}

func (r *recorder) next(t *testing.T) Batch {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-r.ch:
		t.Fatalf("unexpected batch: %d events, reason %s", len(b.Events), b.Reason)
	case <-time.After(30 * time.Millisecond):
	}
}

func testConfig() Config {
	return Config{
		QuietPeriod:      8 * time.Second,
		MaxBufferSize:    20,
		MaxBufferAge:     60 * time.Second,
		DeliveryAttempts: 3,
	}
}

func event(sender, text string) bus.InboundEvent {
	return bus.InboundEvent{Channel: "whatsapp", SenderID: sender, ChatID: sender, SequenceID: text, Text: text}
}

func texts(b Batch) []string {
	out := make([]string, len(b.Events))
	for i, ev := range b.Events {
		out[i] = ev.Text
	}
	return out
}

func TestIngest_QuietPeriodCoalesces(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	agg := New(testConfig(), rec.consume, WithClock(clock))

	agg.Ingest(event("u1", "hola"))
	clock.Advance(time.Second)
	agg.Ingest(event("u1", "quiero"))
	clock.Advance(time.Second)
	agg.Ingest(event("u1", "una cita"))

	if got := agg.Pending("u1"); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	clock.Advance(7 * time.Second)
	rec.none(t)

	clock.Advance(time.Second)
	b := rec.next(t)
	if got := texts(b); fmt.Sprint(got) != "[hola quiero una cita]" {
		t.Errorf("texts = %v", got)
	}
	if b.Reason != ReasonQuiet {
		t.Errorf("reason = %s, want quiet", b.Reason)
	}
	if b.SenderID != "u1" || b.ID == "" {
		t.Errorf("batch identity = %q/%q", b.SenderID, b.ID)
	}
	if !b.LastEventAt.After(b.FirstEventAt) {
		t.Error("LastEventAt should be after FirstEventAt")
	}
	if agg.Pending("u1") != 0 || agg.ActiveSenders() != 0 {
		t.Error("buffer should be gone after flush")
	}
}

func TestIngest_SizeCapFlushesImmediately(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxBufferSize = 3
	agg := New(cfg, rec.consume, WithClock(clock))

	for i := 0; i < 4; i++ {
		agg.Ingest(event("u1", fmt.Sprintf("m%d", i)))
	}

	b := rec.next(t)
	if b.Reason != ReasonSize || len(b.Events) != 3 {
		t.Fatalf("got %d events, reason %s", len(b.Events), b.Reason)
	}
	if got := agg.Pending("u1"); got != 1 {
		t.Fatalf("Pending = %d, want 1 (m3 in a fresh buffer)", got)
	}

	clock.Advance(8 * time.Second)
	b = rec.next(t)
	if fmt.Sprint(texts(b)) != "[m3]" {
		t.Errorf("second batch = %v", texts(b))
	}
}

func TestIngest_AgeCapUnderContinuousTraffic(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	agg := New(testConfig(), rec.consume, WithClock(clock))

	// One message every 5s never lets the 8s quiet period elapse.
	for i := 0; i < 12; i++ {
		agg.Ingest(event("u1", fmt.Sprintf("m%d", i)))
		clock.Advance(5 * time.Second)
	}

	b := rec.next(t)
	if b.Reason != ReasonAge {
		t.Fatalf("reason = %s, want age", b.Reason)
	}
	if age := b.LastEventAt.Sub(b.FirstEventAt); age >= 60*time.Second {
		t.Errorf("batch spans %v, want < 60s", age)
	}
	if len(b.Events) != 12 {
		t.Errorf("events = %d, want 12", len(b.Events))
	}
}

func TestIngest_TimerClampedToRemainingAge(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxBufferAge = 10 * time.Second
	agg := New(cfg, rec.consume, WithClock(clock))

	agg.Ingest(event("u1", "a"))
	clock.Advance(6 * time.Second)
	agg.Ingest(event("u1", "b")) // quiet would fire at 14s; age cap at 10s

	clock.Advance(4 * time.Second)
	b := rec.next(t)
	if b.Reason != ReasonAge || len(b.Events) != 2 {
		t.Fatalf("got %d events, reason %s", len(b.Events), b.Reason)
	}
}

func TestIngest_SendersAreIndependent(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	agg := New(testConfig(), rec.consume, WithClock(clock), WithShards(4))

	agg.Ingest(event("u1", "a1"))
	clock.Advance(4 * time.Second)
	agg.Ingest(event("u2", "b1"))

	if n := agg.ActiveSenders(); n != 2 {
		t.Fatalf("ActiveSenders = %d, want 2", n)
	}

	clock.Advance(4 * time.Second)
	b := rec.next(t)
	if b.SenderID != "u1" {
		t.Fatalf("first flush for %s, want u1", b.SenderID)
	}
	rec.none(t)

	clock.Advance(4 * time.Second)
	if b = rec.next(t); b.SenderID != "u2" {
		t.Fatalf("second flush for %s, want u2", b.SenderID)
	}
}

func TestIngest_OrderPreservedAcrossBatches(t *testing.T) {
	clock := newManualClock()
	cfg := testConfig()
	cfg.MaxBufferSize = 2

	var mu sync.Mutex
	var seen []string
	release := make(chan struct{})
	done := make(chan struct{}, 16)
	consumer := func(_ context.Context, b Batch) error {
		<-release // hold the lane so later batches queue up behind
		mu.Lock()
		seen = append(seen, texts(b)...)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}
	agg := New(cfg, consumer, WithClock(clock))

	for i := 0; i < 6; i++ {
		agg.Ingest(event("u1", fmt.Sprintf("m%d", i)))
	}
	close(release)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != "[m0 m1 m2 m3 m4 m5]" {
		t.Fatalf("delivery order = %v", seen)
	}
}

func TestIngest_ConcurrentNoLossNoDuplicates(t *testing.T) {
	cfg := Config{
		QuietPeriod:      5 * time.Millisecond,
		MaxBufferSize:    7,
		MaxBufferAge:     20 * time.Millisecond,
		DeliveryAttempts: 1,
	}

	var mu sync.Mutex
	got := make(map[string][]string)
	agg := New(cfg, func(_ context.Context, b Batch) error {
		mu.Lock()
		got[b.SenderID] = append(got[b.SenderID], texts(b)...)
		mu.Unlock()
		return nil
	})

	const senders, perSender = 8, 200
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sender := fmt.Sprintf("u%d", s)
			for i := 0; i < perSender; i++ {
				if err := agg.Ingest(event(sender, fmt.Sprintf("%d", i))); err != nil {
					t.Errorf("Ingest: %v", err)
					return
				}
				if i%50 == 0 {
					time.Sleep(6 * time.Millisecond)
				}
			}
		}(s)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := agg.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for s := 0; s < senders; s++ {
		sender := fmt.Sprintf("u%d", s)
		evs := got[sender]
		if len(evs) != perSender {
			t.Fatalf("%s: delivered %d events, want %d", sender, len(evs), perSender)
		}
		for i, text := range evs {
			if text != fmt.Sprintf("%d", i) {
				t.Fatalf("%s: event %d = %s, out of order or duplicated", sender, i, text)
			}
		}
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	clock := newManualClock()
	var mu sync.Mutex
	calls := 0
	delivered := make(chan Batch, 1)
	agg := New(testConfig(), func(_ context.Context, b Batch) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("agent busy")
		}
		delivered <- b
		return nil
	}, WithClock(clock), WithDropHandler(func(Batch, error) { t.Error("batch dropped") }))

	agg.Ingest(event("u1", "hi"))
	clock.Advance(8 * time.Second)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDeliver_DropAfterExhaustion(t *testing.T) {
	clock := newManualClock()
	failure := errors.New("agent down")
	dropped := make(chan error, 1)
	var calls int
	var mu sync.Mutex

	agg := New(testConfig(), func(context.Context, Batch) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return failure
	}, WithClock(clock), WithDropHandler(func(b Batch, err error) {
		if len(b.Events) != 1 {
			t.Errorf("dropped batch has %d events", len(b.Events))
		}
		dropped <- err
	}))

	agg.Ingest(event("u1", "hi"))
	clock.Advance(8 * time.Second)

	var err error
	select {
	case err = <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("drop handler not called")
	}

	var aerr *AggregationError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %T, want *AggregationError", err)
	}
	if aerr.Kind != KindDeliveryFailed || aerr.Attempts != 3 || aerr.SenderID != "u1" {
		t.Errorf("unexpected error fields: %+v", aerr)
	}
	if !errors.Is(err, failure) {
		t.Error("AggregationError should wrap the consumer error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDeliver_BackoffUsesClock(t *testing.T) {
	clock := newManualClock()
	cfg := testConfig()
	cfg.DeliveryBackoff = time.Second
	cfg.DeliveryAttempts = 2

	attempts := make(chan struct{}, 4)
	agg := New(cfg, func(context.Context, Batch) error {
		attempts <- struct{}{}
		return errors.New("nope")
	}, WithClock(clock))

	agg.Ingest(event("u1", "hi"))
	clock.Advance(8 * time.Second)

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("first attempt missing")
	}
	select {
	case <-attempts:
		t.Fatal("retried before backoff elapsed")
	case <-time.After(30 * time.Millisecond):
	}

	// The lane is now parked on the backoff timer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		clock.Advance(time.Second)
		select {
		case <-attempts:
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("retry never happened")
		}
	}
}

func TestStop_FlushesOpenBuffers(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	agg := New(testConfig(), rec.consume, WithClock(clock))

	agg.Ingest(event("u1", "a"))
	agg.Ingest(event("u2", "b"))

	if err := agg.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	n := len(rec.batches)
	for _, b := range rec.batches {
		if b.Reason != ReasonShutdown {
			t.Errorf("reason = %s, want shutdown", b.Reason)
		}
	}
	rec.mu.Unlock()
	if n != 2 {
		t.Fatalf("delivered %d batches, want 2", n)
	}

	if err := agg.Ingest(event("u1", "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Ingest after Stop = %v, want ErrStopped", err)
	}
	// A stale timer firing after Stop must not redeliver.
	clock.Advance(time.Minute)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches) != 2 {
		t.Fatalf("delivered %d batches after stale timers, want 2", len(rec.batches))
	}
}

func TestStop_ContextDeadline(t *testing.T) {
	clock := newManualClock()
	agg := New(testConfig(), func(ctx context.Context, _ Batch) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithClock(clock))

	agg.Ingest(event("u1", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := agg.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}
}

func TestIngest_EmptySender(t *testing.T) {
	agg := New(testConfig(), func(context.Context, Batch) error { return nil })
	if err := agg.Ingest(bus.InboundEvent{Text: "x"}); !errors.Is(err, ErrEmptySender) {
		t.Fatalf("err = %v, want ErrEmptySender", err)
	}
}

func TestSetConfig_AppliesToNextIngest(t *testing.T) {
	clock := newManualClock()
	rec := newRecorder()
	agg := New(testConfig(), rec.consume, WithClock(clock))

	cfg := testConfig()
	cfg.MaxBufferSize = 2
	agg.SetConfig(cfg)

	agg.Ingest(event("u1", "a"))
	agg.Ingest(event("u1", "b"))
	if b := rec.next(t); b.Reason != ReasonSize {
		t.Fatalf("reason = %s, want size", b.Reason)
	}
	if got := agg.Config().QuietPeriod; got != 8*time.Second {
		t.Errorf("QuietPeriod = %v", got)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c != (Config{QuietPeriod: 8 * time.Second, MaxBufferSize: 20, MaxBufferAge: 60 * time.Second, DeliveryAttempts: 3}) {
		t.Fatalf("defaults = %+v", c)
	}
}
