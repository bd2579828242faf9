// Package whatsapp connects to a WhatsApp-Web bridge over WebSocket.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/channels"
	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/pkg/protocol"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	userSuffix  = "@s.whatsapp.net"
	groupSuffix = "@g.us"
)

var errNotConnected = errors.New("whatsapp bridge not connected")

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge (e.g. whatsapp-web.js based) handles the actual WhatsApp
// protocol; this channel just sends/receives JSON frames over WS.
//
// The bridge connection is trusted: messages skip per-request signature
// checks but still go through the allowlist.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppBridgeConfig

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	minBackoff time.Duration
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppBridgeConfig, handler bus.Handler) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelBridge, handler),
		config:      cfg,
		minBackoff:  minBackoff,
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(c.ctx); err != nil {
		// The listen loop keeps retrying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	c.wg.Add(1)
	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the connection and waits for in-flight messages.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.SetRunning(false)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one message frame per chunk to the bridge.
func (c *Channel) Send(_ context.Context, chatID string, chunks []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}
	for i, chunk := range chunks {
		data, err := json.Marshal(protocol.NewMessage(chatID, chunk))
		if err != nil {
			return fmt.Errorf("marshal whatsapp message: %w", err)
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("send whatsapp message %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.config.BridgeURL, header)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	defer c.wg.Done()
	backoff := c.minBackoff

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

			if err := c.connect(c.ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = c.minBackoff
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "error", err)
			}
			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var head protocol.Frame
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Warn("invalid whatsapp frame JSON", "error", err)
		return
	}
	switch head.Type {
	case protocol.FrameMessage:
		var f protocol.InboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp message frame", "error", err)
			return
		}
		msg, ok := toInbound(f)
		if !ok {
			return
		}
		c.wg.Add(1)
		go c.process(msg)
	case protocol.FrameStatus:
		var f protocol.StatusFrame
		_ = json.Unmarshal(data, &f)
		slog.Info("whatsapp bridge status", "status", f.Status)
	default:
		slog.Debug("whatsapp frame ignored", "type", head.Type)
	}
}

// process runs one message through the pipeline and writes the reply back.
func (c *Channel) process(msg bus.InboundMessage) {
	defer c.wg.Done()

	slog.Debug("whatsapp message received",
		"sender_id", sessions.MaskSender(msg.SenderID),
		"preview", channels.Truncate(msg.Content, 50),
	)

	r := c.HandleMessage(c.ctx, msg)
	if r.Empty() {
		return
	}
	if err := c.Send(c.ctx, msg.ChatID, r.Chunks); err != nil {
		slog.Error("whatsapp reply failed", "request_id", r.RequestID, "error", err)
	}
}

// toInbound maps a bridge frame. Group chats and empty messages are dropped.
func toInbound(f protocol.InboundFrame) (bus.InboundMessage, bool) {
	if f.From == "" {
		return bus.InboundMessage{}, false
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	if strings.HasSuffix(chat, groupSuffix) {
		slog.Debug("whatsapp group message ignored", "chat_id", chat)
		return bus.InboundMessage{}, false
	}
	content := strings.TrimSpace(f.Content)
	if content == "" && len(f.Media) == 0 {
		return bus.InboundMessage{}, false
	}

	msg := bus.InboundMessage{
		Channel:     bus.ChannelBridge,
		SenderID:    PhoneFromJID(f.From),
		ChatID:      chat,
		Content:     content,
		MessageID:   f.ID,
		ProfileName: f.FromName,
		ReceivedAt:  time.Now(),
		Trusted:     true,
	}
	if len(f.Media) > 0 {
		msg.MediaURL = f.Media[0]
	}
	return msg, true
}

// PhoneFromJID turns "15551234567@s.whatsapp.net" into "+15551234567".
// Anything else is returned unchanged.
func PhoneFromJID(jid string) string {
	num, ok := strings.CutSuffix(jid, userSuffix)
	if !ok {
		return jid
	}
	if i := strings.IndexByte(num, ':'); i >= 0 { // device suffix
		num = num[:i]
	}
	if !strings.HasPrefix(num, "+") {
		num = "+" + num
	}
	return num
}
