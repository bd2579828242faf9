// Package channels connects long-lived messaging transports to the message
// pipeline. The Twilio webhook is request-scoped and lives in internal/http;
// transports that hold their own connection (the WhatsApp-Web bridge) live here.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/wacoder/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (bus.ChannelBridge, ...).
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers reply chunks to a chat, in order.
	Send(ctx context.Context, chatID string, chunks []string) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	handler bus.Handler
	running atomic.Bool
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, handler bus.Handler) *BaseChannel {
	return &BaseChannel{name: name, handler: handler}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HandleMessage runs msg through the handler and returns the reply.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) bus.OutboundReply {
	msg.Channel = c.name
	return c.handler(ctx, msg)
}

// Truncate shortens s to maxRunes, appending "..." if truncated.
func Truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
