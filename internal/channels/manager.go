package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels     map[string]Channel
	bus          bus.MessageRouter
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

// outboundDrainIdle ends the shutdown drain once the outbound queue has been
// empty this long.
const outboundDrainIdle = 200 * time.Millisecond

type asyncTask struct {
	cancel context.CancelFunc
	stop   chan context.Context // StopAll's context, handed over before cancel
	done   chan struct{}
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
// Cancelling ctx does not stop them; only StopAll does, so replies produced
// while the pipeline drains are still delivered.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, stop: make(chan context.Context, 1), done: make(chan struct{})}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll delivers the replies still queued on the bus, then stops the
// dispatch loop and every channel. ctx bounds the whole shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	m.mu.Unlock()

	slog.Info("stopping all channels")

	if task != nil {
		task.stop <- ctx
		task.cancel()
		select {
		case <-task.done:
		case <-ctx.Done():
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel. After StopAll it keeps routing until the queue
// stays empty for outboundDrainIdle or the StopAll context ends.
func (m *Manager) dispatchOutbound(ctx context.Context, task *asyncTask) {
	defer close(task.done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			break
		}
		m.route(ctx, msg)
	}

	stopCtx := <-task.stop
	drained := 0
	for {
		idleCtx, cancel := context.WithTimeout(stopCtx, outboundDrainIdle)
		msg, ok := m.bus.SubscribeOutbound(idleCtx)
		cancel()
		if !ok {
			break
		}
		m.route(stopCtx, msg)
		drained++
	}
	slog.Info("outbound dispatcher stopped", "drained", drained)
}

func (m *Manager) route(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()

	if !exists {
		slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
		return
	}

	if err := channel.Send(ctx, msg); err != nil {
		slog.Error("error sending message to channel",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"error", err,
		)
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// SendToChannel delivers a message to a specific channel by name.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
