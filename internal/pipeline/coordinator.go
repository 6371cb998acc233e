// Package pipeline connects media decryption, message aggregation and model
// invocation into one inbound flow.
//
// Events arrive through HandleInbound (or Run, which consumes them from the
// bus and hands each sender's events to that sender's ingest lane, so one
// slow attachment never holds up other senders). Attachments are decrypted
// first; an unreadable attachment degrades the event instead of dropping it. The aggregator then coalesces each sender's
// events into a batch, and every flushed batch becomes one model request and
// one Turn handed to the Agent.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/aggregator"
	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/internal/media"
	"github.com/nextlevelbuilder/wainbound/internal/metrics"
	"github.com/nextlevelbuilder/wainbound/internal/providers"
	"github.com/nextlevelbuilder/wainbound/internal/sessions"
	"github.com/nextlevelbuilder/wainbound/internal/store"
	"github.com/nextlevelbuilder/wainbound/internal/tracing"
)

const (
	defaultChannel  = "whatsapp"
	deadLetterWrite = 5 * time.Second

	// maxVisionBytes is the largest image attached as a vision input (10MB).
	// Bigger images are still tagged and handed to the agent.
	maxVisionBytes = 10 * 1024 * 1024
)

// ErrMediaTooLarge marks attachments over Options.MaxMediaBytes.
var ErrMediaTooLarge = errors.New("pipeline: media exceeds size limit")

// MediaDecrypter decrypts one attachment. *media.Pool implements it.
type MediaDecrypter interface {
	Decrypt(ctx context.Context, ref media.EncryptedMediaRef) (*media.DecryptedMedia, error)
}

// ModelInvoker is the part of providers.Invoker the coordinator needs.
type ModelInvoker interface {
	Invoke(ctx context.Context, session string, req providers.ChatRequest) (*providers.Result, error)
}

// Options configures a Coordinator. Pool, Invoker and Agent are required.
type Options struct {
	Pool    MediaDecrypter
	Invoker ModelInvoker
	Agent   Agent

	Aggregator        aggregator.Config
	AggregatorOptions []aggregator.Option

	Prompt config.AgentConfig

	// MaxMediaBytes rejects larger ciphertexts without decrypting them. Zero means no limit.
	MaxMediaBytes int64

	// Dedupe suppresses repeated sequence ids (webhook retries). Nil disables it.
	Dedupe *bus.DedupeCache
	// DeadLetters receives batches the aggregator gave up on. Optional.
	DeadLetters store.DeadLetterStore
}

// memo is the outcome of the model call for a batch. err is nil or an
// exhausted *providers.InvocationError.
type memo struct {
	res *providers.Result
	err error
}

// Coordinator runs the inbound pipeline.
type Coordinator struct {
	pool    MediaDecrypter
	invoker ModelInvoker
	agent   Agent
	agg     *aggregator.Aggregator
	dedupe  *bus.DedupeCache
	dead    store.DeadLetterStore
	maxMed  int64
	prompt  atomic.Pointer[config.AgentConfig]

	memoMu sync.Mutex
	memos  map[string]memo

	laneMu  sync.Mutex
	lanes   map[string]*ingestLane
	laneWG  sync.WaitGroup
	closing bool
}

// ingestLane holds the events of one sender waiting for decrypt and ingest.
type ingestLane struct {
	queue []bus.InboundEvent
}

// New builds a Coordinator and its aggregator.
func New(opts Options) (*Coordinator, error) {
	if opts.Pool == nil || opts.Invoker == nil || opts.Agent == nil {
		return nil, errors.New("pipeline: pool, invoker and agent are required")
	}
	c := &Coordinator{
		pool:    opts.Pool,
		invoker: opts.Invoker,
		agent:   opts.Agent,
		dedupe:  opts.Dedupe,
		dead:    opts.DeadLetters,
		maxMed:  opts.MaxMediaBytes,
		memos:   make(map[string]memo),
		lanes:   make(map[string]*ingestLane),
	}
	prompt := opts.Prompt
	c.prompt.Store(&prompt)

	aggOpts := append([]aggregator.Option{aggregator.WithDropHandler(c.onDrop)}, opts.AggregatorOptions...)
	c.agg = aggregator.New(opts.Aggregator, c.consume, aggOpts...)
	return c, nil
}

// Aggregator exposes the underlying aggregator for tuning and inspection.
func (c *Coordinator) Aggregator() *aggregator.Aggregator { return c.agg }

// SetPrompt replaces the prompt settings used for subsequent batches.
func (c *Coordinator) SetPrompt(p config.AgentConfig) { c.prompt.Store(&p) }

// HandleInbound decrypts ev's attachment, if any, and buffers the event.
// Duplicate sequence ids are ignored. Errors come only from the aggregator
// (stopped, or an event without sender).
func (c *Coordinator) HandleInbound(ctx context.Context, ev bus.InboundEvent) error {
	if ev.Channel == "" {
		ev.Channel = defaultChannel
	}
	var dedupeKey string
	if c.dedupe != nil && ev.SequenceID != "" {
		dedupeKey = ev.Channel + ":" + ev.SequenceID
		if c.dedupe.IsDuplicate(dedupeKey) {
			slog.Debug("pipeline: duplicate inbound event skipped", "sender_id", ev.SenderID, "sequence_id", ev.SequenceID)
			return nil
		}
	}

	if ev.Media != nil {
		c.decrypt(ctx, &ev)
	}

	if err := c.agg.Ingest(ev); err != nil {
		if dedupeKey != "" {
			// Not buffered: a redelivery must not be mistaken for a duplicate.
			c.dedupe.Forget(dedupeKey)
		}
		return fmt.Errorf("pipeline: ingest: %w", err)
	}
	metrics.InboundEvents.WithLabelValues(ev.Channel).Inc()
	return nil
}

func (c *Coordinator) decrypt(ctx context.Context, ev *bus.InboundEvent) {
	ref := *ev.Media
	ev.Media = nil
	ev.MediaClass = ref.Class

	var dec *media.DecryptedMedia
	var err error
	if c.maxMed > 0 && int64(len(ref.Ciphertext)) > c.maxMed {
		err = fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, len(ref.Ciphertext))
	} else {
		dec, err = c.pool.Decrypt(ctx, ref)
	}
	metrics.MediaDecrypts.WithLabelValues(string(ref.Class), decryptResult(err)).Inc()
	if err != nil {
		ev.MediaUnavailable = true
		ev.MediaError = err.Error()
		slog.Warn("pipeline: media unavailable", "sender_id", ev.SenderID,
			"sequence_id", ev.SequenceID, "class", ref.Class, "error", err)
		return
	}
	ev.Decrypted = dec
}

func decryptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, media.ErrInvalidKey), errors.Is(err, media.ErrUnknownClass):
		return "invalid_key"
	case errors.Is(err, media.ErrIntegrityFailed):
		return "integrity"
	case errors.Is(err, media.ErrPaddingInvalid):
		return "padding"
	case errors.Is(err, ErrMediaTooLarge):
		return "too_large"
	default:
		return "error"
	}
}

// Run feeds inbound events from router into the pipeline until ctx ends.
// Each sender's events are decrypted and ingested in arrival order on that
// sender's lane; different senders proceed concurrently, bounded by the pool.
// Lane work already queued when ctx ends still completes; Stop waits for it.
func (c *Coordinator) Run(ctx context.Context, router bus.MessageRouter) {
	slog.Info("inbound pipeline started")
	laneCtx := context.WithoutCancel(ctx)
	for {
		ev, ok := router.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound pipeline stopped")
			return
		}
		c.enqueue(laneCtx, ev)
	}
}

// enqueue appends ev to its sender's lane, starting the lane if it is idle.
func (c *Coordinator) enqueue(ctx context.Context, ev bus.InboundEvent) {
	c.laneMu.Lock()
	if c.closing {
		c.laneMu.Unlock()
		slog.Warn("pipeline: event after shutdown discarded", "sender_id", ev.SenderID, "sequence_id", ev.SequenceID)
		return
	}
	if l, ok := c.lanes[ev.SenderID]; ok {
		l.queue = append(l.queue, ev)
		c.laneMu.Unlock()
		return
	}
	l := &ingestLane{queue: []bus.InboundEvent{ev}}
	c.lanes[ev.SenderID] = l
	c.laneWG.Add(1)
	c.laneMu.Unlock()

	go c.runLane(ctx, ev.SenderID, l)
}

func (c *Coordinator) runLane(ctx context.Context, sender string, l *ingestLane) {
	defer c.laneWG.Done()
	for {
		c.laneMu.Lock()
		if len(l.queue) == 0 {
			delete(c.lanes, sender)
			c.laneMu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		c.laneMu.Unlock()

		if err := c.HandleInbound(ctx, ev); err != nil {
			if errors.Is(err, aggregator.ErrStopped) {
				slog.Warn("pipeline: event after shutdown discarded", "sender_id", ev.SenderID, "sequence_id", ev.SequenceID)
				continue
			}
			slog.Warn("pipeline: inbound event rejected", "sender_id", ev.SenderID, "error", err)
		}
	}
}

// Stop waits for queued lane work, then flushes every open buffer and waits
// for in-flight batches. If ctx ends first the buffers are still flushed and
// ctx.Err() is returned.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.laneMu.Lock()
	c.closing = true
	c.laneMu.Unlock()

	idle := make(chan struct{})
	go func() {
		c.laneWG.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		slog.Warn("pipeline: ingest lanes still busy at shutdown deadline")
	}
	return c.agg.Stop(ctx)
}

// consume is the aggregator's delivery callback for one batch.
func (c *Coordinator) consume(ctx context.Context, b aggregator.Batch) error {
	ctx, span := tracing.StartBatchSpan(ctx, b.ID, b.SenderID, len(b.Events))
	err := c.process(ctx, b)
	tracing.End(span, err)
	return err
}

func (c *Coordinator) process(ctx context.Context, b aggregator.Batch) error {
	turn := buildTurn(b)

	m, err := c.model(ctx, b, turn)
	if err != nil {
		return err
	}
	if m.err != nil {
		turn.Status = StatusUnavailable
	} else {
		turn.Status = StatusOK
		turn.Response = m.res.Response.Content
		turn.Backend = m.res.Provider
	}

	if err := c.agent.Handle(ctx, turn); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	c.forget(b.ID)

	slog.Info("pipeline: turn delivered", "batch_id", b.ID, "sender_id", b.SenderID,
		"events", len(b.Events), "status", turn.Status, "backend", turn.Backend, "reason", b.Reason)
	return nil
}

// model returns the memoised model outcome for b, invoking the model on the
// first delivery. Only caller cancellation is returned as an error.
func (c *Coordinator) model(ctx context.Context, b aggregator.Batch, turn Turn) (memo, error) {
	c.memoMu.Lock()
	m, ok := c.memos[b.ID]
	c.memoMu.Unlock()
	if ok {
		return m, nil
	}

	res, err := c.invoker.Invoke(ctx, turn.SessionKey, c.buildRequest(b))
	if err != nil && !providers.IsExhausted(err) {
		return memo{}, err
	}
	if err != nil {
		slog.Warn("pipeline: all backends exhausted", "batch_id", b.ID, "sender_id", b.SenderID, "error", err)
	}
	m = memo{res: res, err: err}

	c.memoMu.Lock()
	c.memos[b.ID] = m
	c.memoMu.Unlock()
	return m, nil
}

func (c *Coordinator) forget(batchID string) {
	c.memoMu.Lock()
	delete(c.memos, batchID)
	c.memoMu.Unlock()
}

// onDrop persists a batch the aggregator abandoned.
func (c *Coordinator) onDrop(b aggregator.Batch, err error) {
	c.forget(b.ID)
	if c.dead == nil {
		return
	}

	dl := store.DeadLetter{
		BatchID:  b.ID,
		SenderID: b.SenderID,
		Events:   len(b.Events),
		Payload:  batchPayload(b),
		Error:    err.Error(),
		FailedAt: time.Now(),
	}
	if n := len(b.Events); n > 0 {
		dl.Channel = b.Events[n-1].Channel
		dl.ChatID = b.Events[n-1].ChatID
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadLetterWrite)
	defer cancel()
	if werr := c.dead.Record(ctx, dl); werr != nil {
		slog.Error("pipeline: dead letter write failed", "batch_id", b.ID, "sender_id", b.SenderID, "error", werr)
	}
}

func batchPayload(b aggregator.Batch) string {
	data, err := json.Marshal(b.Events)
	if err != nil {
		return ""
	}
	return string(data)
}

func buildTurn(b aggregator.Batch) Turn {
	t := Turn{
		BatchID:  b.ID,
		SenderID: b.SenderID,
		Items:    make([]TurnItem, 0, len(b.Events)),
	}
	for _, ev := range b.Events {
		it := TurnItem{
			SequenceID:       ev.SequenceID,
			SenderID:         ev.SenderID,
			Text:             ev.Text,
			MediaClass:       ev.MediaClass,
			MediaUnavailable: ev.MediaUnavailable,
		}
		if it.MediaClass == "" && ev.HasMedia() {
			it.MediaClass = media.ClassUnknown
		}
		if ev.Decrypted != nil && ev.Decrypted.Verified {
			it.Media = ev.Decrypted.Plaintext
			it.MimeType = ev.Decrypted.MimeType
		}
		t.Items = append(t.Items, it)
		t.Channel = ev.Channel
		t.ChatID = ev.ChatID
	}
	if t.Channel == "" {
		t.Channel = defaultChannel
	}
	if t.ChatID == "" {
		t.ChatID = b.SenderID
	}
	t.SessionKey = sessions.BuildDirectKey(t.Channel, b.SenderID)
	return t
}

// buildRequest turns a batch into one user message. Texts keep their arrival
// order, attachments are marked with <media:class> tags, and readable images
// are attached as vision inputs.
func (c *Coordinator) buildRequest(b aggregator.Batch) providers.ChatRequest {
	prompt := c.prompt.Load()

	var lines []string
	var images []providers.ImageContent
	for _, ev := range b.Events {
		if ev.HasMedia() {
			class := ev.MediaClass
			if class == "" {
				class = media.ClassUnknown
			}
			switch {
			case ev.MediaUnavailable:
				lines = append(lines, fmt.Sprintf("<media:%s unavailable>", class))
			default:
				lines = append(lines, fmt.Sprintf("<media:%s>", class))
				if d := ev.Decrypted; d != nil && d.Verified && isVisual(d.Class) && len(d.Plaintext) <= maxVisionBytes {
					images = append(images, providers.ImageContent{
						MimeType: imageMime(d.MimeType),
						Data:     base64.StdEncoding.EncodeToString(d.Plaintext),
					})
				}
			}
		}
		if s := strings.TrimSpace(ev.Text); s != "" {
			lines = append(lines, s)
		}
	}

	var msgs []providers.Message
	if prompt.SystemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: prompt.SystemPrompt})
	}
	msgs = append(msgs, providers.Message{
		Role:    "user",
		Content: strings.Join(lines, "\n"),
		Images:  images,
	})

	opts := map[string]interface{}{}
	if prompt.MaxTokens > 0 {
		opts[providers.OptMaxTokens] = prompt.MaxTokens
	}
	if prompt.Temperature > 0 {
		opts[providers.OptTemperature] = prompt.Temperature
	}
	return providers.ChatRequest{Messages: msgs, Options: opts}
}

func isVisual(c media.Class) bool {
	return c == media.ClassImage || c == media.ClassSticker
}

func imageMime(mime string) string {
	if mime == "" {
		return "image/jpeg"
	}
	return mime
}
