// Package whatsapp receives WhatsApp messages from a bridge WebSocket or
// an HTTP webhook and sends replies back through the bridge.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wainbound/internal/bus"
	"github.com/nextlevelbuilder/wainbound/internal/channels"
	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// ErrNotConnected is returned by Send while the bridge socket is down.
var ErrNotConnected = errors.New("whatsapp: bridge not connected")

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge handles the actual WhatsApp protocol and media download;
// this channel just sends/receives JSON envelopes over WS.
type Channel struct {
	*channels.BaseChannel
	conn   *websocket.Conn
	config config.WhatsAppConfig
	dialer *websocket.Dialer
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new WhatsApp bridge channel from config.
func New(cfg config.WhatsAppConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	base := channels.NewBaseChannel(channelName, router, cfg.AllowFrom)
	base.SetPolicies(channels.DMPolicy(cfg.DMPolicy), channels.GroupPolicy(cfg.GroupPolicy))

	return &Channel{
		BaseChannel: base,
		config:      cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		// Not fatal: the listen loop keeps reconnecting.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge socket and waits for the listen loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.SetRunning(false)

	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send delivers an outbound message to the WhatsApp bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	data, err := json.Marshal(protocol.OutboundFrame{
		Type:    protocol.FrameMessage,
		To:      msg.ChatID,
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// listenLoop reads messages from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectWait)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		c.handleIncoming(message)
	}
}

// handleIncoming parses one bridge frame and publishes it.
func (c *Channel) handleIncoming(data []byte) {
	ev, err := ParseEnvelope(data)
	if err != nil {
		if !errors.Is(err, ErrNotAMessage) {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
		}
		return
	}

	slog.Debug("whatsapp message received",
		"sender_id", ev.SenderID,
		"chat_id", ev.ChatID,
		"media", ev.HasMedia(),
		"preview", channels.Truncate(ev.Text, 50),
	)
	c.HandleEvent(ev)
}
