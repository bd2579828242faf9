// Package bus holds the envelopes exchanged between ingress channels and the
// message pipeline.
package bus

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/auth"
)

// Channel names.
const (
	ChannelTwilio = "twilio"
	ChannelBridge = "whatsapp_bridge"
)

// InboundMessage is one chat message received from a channel.
type InboundMessage struct {
	RequestID   string            `json:"request_id"`
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"` // where replies go; equals SenderID for 1:1 chats
	Content     string            `json:"content"`
	MediaURL    string            `json:"media_url,omitempty"`
	MediaType   string            `json:"media_type,omitempty"`
	MessageID   string            `json:"message_id,omitempty"` // provider id (Twilio MessageSid)
	ProfileName string            `json:"profile_name,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Proof is checked by the pipeline. Nil means the channel authenticated
	// the transport itself and set Trusted.
	Proof   *auth.Proof `json:"-"`
	Trusted bool        `json:"-"`
}

// OutboundReply is the ordered reply to one InboundMessage.
type OutboundReply struct {
	RequestID string   `json:"request_id"`
	Channel   string   `json:"channel"`
	ChatID    string   `json:"chat_id"`
	Chunks    []string `json:"chunks"`
}

// Empty reports whether there is nothing to deliver.
func (r OutboundReply) Empty() bool { return len(r.Chunks) == 0 }

// Handler processes one message and returns its reply.
type Handler func(ctx context.Context, msg InboundMessage) OutboundReply

// Sender delivers reply chunks to a chat, in order.
type Sender interface {
	Send(ctx context.Context, chatID string, chunks []string) error
}
