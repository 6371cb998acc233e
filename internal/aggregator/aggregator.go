// Package aggregator coalesces bursts of inbound messages from one sender
// into a single batch, flushed after a quiet period or when a buffer grows
// too large or too old.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/metrics"
)

const defaultShards = 32

// Reason records why a batch was flushed.
type Reason string

const (
	ReasonQuiet    Reason = "quiet"
	ReasonSize     Reason = "size"
	ReasonAge      Reason = "age"
	ReasonShutdown Reason = "shutdown"
)

var (
	ErrStopped     = errors.New("aggregator: stopped")
	ErrEmptySender = errors.New("aggregator: event has no sender id")
)

// ErrorKind classifies an AggregationError.
type ErrorKind string

const KindDeliveryFailed ErrorKind = "delivery_failed"

// AggregationError reports a batch that could not be handed to the consumer.
type AggregationError struct {
	Kind     ErrorKind
	SenderID string
	BatchID  string
	Attempts int
	Err      error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregator: %s for sender %s (batch %s, %d attempts): %v",
		e.Kind, e.SenderID, e.BatchID, e.Attempts, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// Config holds the buffering tunables. Zero values for QuietPeriod,
// MaxBufferSize, MaxBufferAge and DeliveryAttempts take the defaults;
// a zero DeliveryBackoff retries immediately.
type Config struct {
	QuietPeriod      time.Duration
	MaxBufferSize    int
	MaxBufferAge     time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		QuietPeriod:      8 * time.Second,
		MaxBufferSize:    20,
		MaxBufferAge:     60 * time.Second,
		DeliveryAttempts: 3,
		DeliveryBackoff:  500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = d.QuietPeriod
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.MaxBufferAge <= 0 {
		c.MaxBufferAge = d.MaxBufferAge
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = d.DeliveryAttempts
	}
	if c.DeliveryBackoff < 0 {
		c.DeliveryBackoff = 0
	}
	return c
}

// Batch is one logical turn: every event a sender produced between two flushes.
type Batch struct {
	ID           string
	SenderID     string
	Events       []bus.InboundEvent
	FirstEventAt time.Time
	LastEventAt  time.Time
	Reason       Reason
}

// Consumer receives flushed batches. A non-nil error triggers redelivery.
type Consumer func(ctx context.Context, b Batch) error

// DropHandler is told about batches abandoned after every delivery attempt failed.
type DropHandler func(b Batch, err error)

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithClock(c Clock) Option { return func(a *Aggregator) { a.clock = c } }

func WithDropHandler(h DropHandler) Option { return func(a *Aggregator) { a.onDrop = h } }

// WithShards sets the number of buffer map shards (rounded up to at least 1).
func WithShards(n int) Option {
	return func(a *Aggregator) {
		if n < 1 {
			n = 1
		}
		a.shardCount = n
	}
}

// buffer is the open, not yet flushed set of events for one sender.
// Guarded by mu; once closed it is unreachable from the shard map.
type buffer struct {
	mu      sync.Mutex
	sender  string
	events  []bus.InboundEvent
	firstAt time.Time
	lastAt  time.Time
	timer   Timer
	gen     uint64
	closed  bool
}

// lane delivers one sender's batches strictly in flush order.
type lane struct {
	queue   []Batch
	running bool
}

// shard guards a slice of the sender space. Lock order: buffer.mu before shard.mu.
type shard struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	lanes   map[string]*lane
}

// Aggregator buffers inbound events per sender. Safe for concurrent use.
type Aggregator struct {
	consumer   Consumer
	onDrop     DropHandler
	clock      Clock
	shardCount int
	shards     []*shard

	cfg atomic.Pointer[Config]

	lifeMu  sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Aggregator that hands flushed batches to consumer.
func New(cfg Config, consumer Consumer, opts ...Option) *Aggregator {
	a := &Aggregator{
		consumer:   consumer,
		clock:      realClock{},
		shardCount: defaultShards,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.shards = make([]*shard, a.shardCount)
	for i := range a.shards {
		a.shards[i] = &shard{
			buffers: make(map[string]*buffer),
			lanes:   make(map[string]*lane),
		}
	}
	a.SetConfig(cfg)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// SetConfig replaces the tunables. Open buffers pick them up on their next
// ingest or timer fire.
func (a *Aggregator) SetConfig(cfg Config) {
	c := cfg.withDefaults()
	a.cfg.Store(&c)
}

// Config returns the tunables in effect.
func (a *Aggregator) Config() Config { return *a.cfg.Load() }

func (a *Aggregator) shardFor(sender string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Ingest appends ev to its sender's buffer, creating the buffer if needed,
// and re-arms the quiet timer. Size and age caps flush synchronously.
func (a *Aggregator) Ingest(ev bus.InboundEvent) error {
	if ev.SenderID == "" {
		return ErrEmptySender
	}

	a.lifeMu.RLock()
	defer a.lifeMu.RUnlock()
	if a.stopped {
		return ErrStopped
	}

	sh := a.shardFor(ev.SenderID)
	for {
		sh.mu.Lock()
		buf := sh.buffers[ev.SenderID]
		if buf == nil {
			buf = &buffer{sender: ev.SenderID}
			sh.buffers[ev.SenderID] = buf
		}
		sh.mu.Unlock()

		buf.mu.Lock()
		if buf.closed {
			// Lost the race with a flush; the next lookup sees a fresh buffer.
			buf.mu.Unlock()
			continue
		}
		a.appendLocked(sh, buf, ev)
		buf.mu.Unlock()
		return nil
	}
}

func (a *Aggregator) appendLocked(sh *shard, buf *buffer, ev bus.InboundEvent) {
	cfg := a.Config()
	now := a.clock.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if len(buf.events) == 0 {
		buf.firstAt = now
	}
	buf.events = append(buf.events, ev)
	buf.lastAt = now

	if len(buf.events) >= cfg.MaxBufferSize {
		a.flushLocked(sh, buf, ReasonSize)
		return
	}
	age := now.Sub(buf.firstAt)
	if age >= cfg.MaxBufferAge {
		a.flushLocked(sh, buf, ReasonAge)
		return
	}

	wait := cfg.QuietPeriod
	if remaining := cfg.MaxBufferAge - age; remaining < wait {
		wait = remaining
	}
	a.armLocked(sh, buf, wait)
}

func (a *Aggregator) armLocked(sh *shard, buf *buffer, wait time.Duration) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.gen++
	gen := buf.gen
	buf.timer = a.clock.AfterFunc(wait, func() { a.onTimer(sh, buf, gen) })
}

func (a *Aggregator) onTimer(sh *shard, buf *buffer, gen uint64) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.closed || buf.gen != gen {
		return
	}

	cfg := a.Config()
	now := a.clock.Now()
	age := now.Sub(buf.firstAt)
	if age >= cfg.MaxBufferAge {
		a.flushLocked(sh, buf, ReasonAge)
		return
	}
	// Config may have grown the quiet period since the timer was armed.
	if idle := now.Sub(buf.lastAt); idle < cfg.QuietPeriod {
		wait := cfg.QuietPeriod - idle
		if remaining := cfg.MaxBufferAge - age; remaining < wait {
			wait = remaining
		}
		a.armLocked(sh, buf, wait)
		return
	}
	a.flushLocked(sh, buf, ReasonQuiet)
}

// flushLocked closes buf and queues its batch. Caller holds buf.mu.
func (a *Aggregator) flushLocked(sh *shard, buf *buffer, reason Reason) {
	buf.closed = true
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}

	b := Batch{
		ID:           uuid.NewString(),
		SenderID:     buf.sender,
		Events:       buf.events,
		FirstEventAt: buf.firstAt,
		LastEventAt:  buf.lastAt,
		Reason:       reason,
	}
	buf.events = nil

	// Removing the buffer and queueing its batch under one shard lock keeps
	// a successor buffer's batch behind this one in the lane.
	sh.mu.Lock()
	if sh.buffers[buf.sender] == buf {
		delete(sh.buffers, buf.sender)
	}
	l := sh.lanes[b.SenderID]
	if l == nil {
		l = &lane{}
		sh.lanes[b.SenderID] = l
	}
	l.queue = append(l.queue, b)
	if !l.running {
		l.running = true
		a.wg.Add(1)
		go a.drain(sh, b.SenderID, l)
	}
	sh.mu.Unlock()

	metrics.BatchesFlushed.WithLabelValues(string(reason)).Inc()
	metrics.BatchSize.Observe(float64(len(b.Events)))
	slog.Debug("aggregator: batch flushed", "sender_id", b.SenderID, "batch_id", b.ID,
		"events", len(b.Events), "reason", reason)
}

func (a *Aggregator) drain(sh *shard, sender string, l *lane) {
	defer a.wg.Done()
	for {
		sh.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(sh.lanes, sender)
			sh.mu.Unlock()
			return
		}
		b := l.queue[0]
		l.queue[0] = Batch{}
		l.queue = l.queue[1:]
		sh.mu.Unlock()

		a.deliver(b)
	}
}

func (a *Aggregator) deliver(b Batch) {
	cfg := a.Config()
	var err error
	attempts := 0
	for attempts < cfg.DeliveryAttempts {
		if attempts > 0 {
			metrics.DeliveryRetries.Inc()
			slog.Warn("aggregator: retrying batch delivery", "sender_id", b.SenderID,
				"batch_id", b.ID, "attempt", attempts+1, "error", err)
			if serr := a.sleep(cfg.DeliveryBackoff); serr != nil {
				err = errors.Join(err, serr)
				break
			}
		}
		attempts++
		if err = a.consumer(a.ctx, b); err == nil {
			return
		}
	}

	aerr := &AggregationError{
		Kind:     KindDeliveryFailed,
		SenderID: b.SenderID,
		BatchID:  b.ID,
		Attempts: attempts,
		Err:      err,
	}
	metrics.BatchesDropped.Inc()
	slog.Error("aggregator: batch dropped", "alert", true, "sender_id", b.SenderID,
		"batch_id", b.ID, "events", len(b.Events), "attempts", attempts, "error", err)
	if a.onDrop != nil {
		a.onDrop(b, aerr)
	}
}

// sleep waits d on the aggregator clock, or returns early once the
// aggregator context is canceled.
func (a *Aggregator) sleep(d time.Duration) error {
	if d <= 0 {
		return a.ctx.Err()
	}
	done := make(chan struct{})
	t := a.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-a.ctx.Done():
		t.Stop()
		return a.ctx.Err()
	}
}

// Pending returns the number of buffered, unflushed events for sender.
func (a *Aggregator) Pending(sender string) int {
	sh := a.shardFor(sender)
	sh.mu.Lock()
	buf := sh.buffers[sender]
	sh.mu.Unlock()
	if buf == nil {
		return 0
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.closed {
		return 0
	}
	return len(buf.events)
}

// ActiveSenders returns the number of senders with an open buffer.
func (a *Aggregator) ActiveSenders() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		n += len(sh.buffers)
		sh.mu.Unlock()
	}
	return n
}

// Stop rejects further ingests, flushes every open buffer with
// ReasonShutdown and waits for all queued batches to be delivered or
// dropped. If ctx ends first, in-flight deliveries are canceled and
// ctx.Err() is returned.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.lifeMu.Lock()
	already := a.stopped
	a.stopped = true
	a.lifeMu.Unlock()

	if !already {
		var open []*buffer
		for _, sh := range a.shards {
			sh.mu.Lock()
			for _, buf := range sh.buffers {
				open = append(open, buf)
			}
			sh.mu.Unlock()
		}
		for _, buf := range open {
			buf.mu.Lock()
			if !buf.closed {
				a.flushLocked(a.shardFor(buf.sender), buf, ReasonShutdown)
			}
			buf.mu.Unlock()
		}
		if len(open) > 0 {
			slog.Info("aggregator: flushed open buffers on shutdown", "senders", len(open))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}
