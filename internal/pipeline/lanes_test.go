package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/aggregator"
	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/channels"
	"github.com/nextlevelbuilder/wainbound/internal/media"
)

// gatedDecrypter blocks every decrypt until release is closed.
type gatedDecrypter struct {
	pool    *media.Pool
	started chan struct{}
	release chan struct{}
}

func (g *gatedDecrypter) Decrypt(ctx context.Context, ref media.EncryptedMediaRef) (*media.DecryptedMedia, error) {
	g.started <- struct{}{}
	<-g.release
	return g.pool.Decrypt(ctx, ref)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_SlowDecryptDoesNotDelayOtherSenders(t *testing.T) {
	gate := &gatedDecrypter{pool: media.NewPool(2), started: make(chan struct{}, 1), release: make(chan struct{})}
	rec := &turnRecorder{}
	c, err := New(Options{
		Pool:       gate,
		Invoker:    &fakeInvoker{},
		Agent:      rec,
		Aggregator: aggregator.Config{QuietPeriod: time.Hour, MaxBufferSize: 100, MaxBufferAge: time.Hour, DeliveryAttempts: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, mb)
		close(done)
	}()

	photo := bus.InboundEvent{Channel: "whatsapp", SenderID: "A", SequenceID: "a1", Text: "look"}
	ref := encryptedImage(t, []byte("jpeg bytes"))
	photo.Media = &ref
	mb.PublishInbound(photo)
	mb.PublishInbound(bus.InboundEvent{Channel: "whatsapp", SenderID: "B", SequenceID: "b1", Text: "hola"})
	mb.PublishInbound(bus.InboundEvent{Channel: "whatsapp", SenderID: "A", SequenceID: "a2", Text: "after photo"})

	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("decrypt for A never started")
	}
	waitFor(t, "B buffered while A decrypts", func() bool { return c.Aggregator().Pending("B") == 1 })
	if n := c.Aggregator().Pending("A"); n != 0 {
		t.Fatalf("A pending = %d before its photo was decrypted, want 0", n)
	}

	close(gate.release)
	waitFor(t, "A buffered after decrypt", func() bool { return c.Aggregator().Pending("A") == 2 })

	cancel()
	<-done
	stop(t, c)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var turnA *Turn
	for i := range rec.turns {
		if rec.turns[i].SenderID == "A" {
			turnA = &rec.turns[i]
		}
	}
	if turnA == nil || len(turnA.Items) != 2 {
		t.Fatalf("turns = %+v", rec.turns)
	}
	if turnA.Items[0].SequenceID != "a1" || turnA.Items[1].SequenceID != "a2" {
		t.Errorf("A order = %s, %s; want a1, a2", turnA.Items[0].SequenceID, turnA.Items[1].SequenceID)
	}
	if turnA.Items[0].Media == nil {
		t.Error("photo not decrypted")
	}
}

func TestCoordinator_RejectedIngestDoesNotConsumeSequenceID(t *testing.T) {
	dedupe := bus.NewDedupeCache(time.Minute, 100)
	c := newTestCoordinator(t, &fakeInvoker{}, &turnRecorder{}, nil, dedupe)
	stop(t, c)

	if err := c.HandleInbound(context.Background(), event("m1", "during shutdown")); !errors.Is(err, aggregator.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if dedupe.IsDuplicate("whatsapp:m1") {
		t.Error("sequence id recorded although the event was never buffered")
	}
}

// recordingChannel captures what the manager dispatches.
type recordingChannel struct {
	*channels.BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (r *recordingChannel) Start(context.Context) error { r.SetRunning(true); return nil }
func (r *recordingChannel) Stop(context.Context) error  { r.SetRunning(false); return nil }

func (r *recordingChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

// Mirrors serve: the signal cancels the run context, the pipeline flushes,
// then the channels stop.
func TestShutdown_FlushedRepliesReachChannel(t *testing.T) {
	mb := bus.New()
	ch := &recordingChannel{BaseChannel: channels.NewBaseChannel("whatsapp", mb, nil)}
	mgr := channels.NewManager(mb)
	mgr.RegisterChannel("whatsapp", ch)

	c := newTestCoordinator(t, &fakeInvoker{}, NewRelay(mb), nil, nil)

	gctx, signal := context.WithCancel(context.Background())
	if err := mgr.StartAll(gctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Run(gctx, mb)
		close(done)
	}()

	mb.PublishInbound(event("m1", "hola"))
	waitFor(t, "event buffered", func() bool { return c.Aggregator().Pending("34600111222") == 1 })

	signal()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(shutdownCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 || ch.sent[0].Content != "reply" {
		t.Fatalf("sent = %+v, want the flushed reply", ch.sent)
	}
}
