// Package protocol defines the JSON frames exchanged with the WhatsApp-Web
// bridge over its WebSocket.
package protocol

// ProtocolVersion is reported by GET /health.
const ProtocolVersion = 1

// Frame types.
const (
	FrameMessage = "message"
	FrameStatus  = "status" // bridge connection status, logged only
)

// Frame is the envelope every bridge frame shares. Decode it first to
// dispatch on Type.
type Frame struct {
	Type string `json:"type"`
}

// InboundFrame is a chat message received by the bridge.
type InboundFrame struct {
	Type     string   `json:"type"`
	From     string   `json:"from"`
	Chat     string   `json:"chat,omitempty"`
	Content  string   `json:"content"`
	ID       string   `json:"id,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Media    []string `json:"media,omitempty"`
}

// OutboundFrame asks the bridge to send one text message.
type OutboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// StatusFrame reports the bridge's own WhatsApp session state.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"` // "connected", "disconnected", "qr"
}

// NewMessage builds an outbound message frame.
func NewMessage(to, content string) OutboundFrame {
	return OutboundFrame{Type: FrameMessage, To: to, Content: content}
}
