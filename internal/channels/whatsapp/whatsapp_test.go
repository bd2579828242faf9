package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/channels"
	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/pkg/protocol"
)

// bridge is a fake WhatsApp-Web bridge. Every accepted connection is handed
// to the test through conns.
type bridge struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
	auth     atomic.Value
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	b := &bridge{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.auth.Store(r.Header.Get("Authorization"))
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridge) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *bridge) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("bridge: no connection")
		return nil
	}
}

func echoHandler(received chan<- bus.InboundMessage) bus.Handler {
	return func(_ context.Context, msg bus.InboundMessage) bus.OutboundReply {
		received <- msg
		return bus.OutboundReply{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Chunks:  []string{"got: " + msg.Content, "second"},
		}
	}
}

func startChannel(t *testing.T, b *bridge, h bus.Handler) *Channel {
	t.Helper()
	ch, err := New(config.WhatsAppBridgeConfig{Enabled: true, BridgeURL: b.url(), Token: "tok"}, h)
	require.NoError(t, err)
	ch.minBackoff = 10 * time.Millisecond
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ch.Stop(ctx)
	})
	return ch
}

func TestChannel_RoundTrip(t *testing.T) {
	b := newBridge(t)
	received := make(chan bus.InboundMessage, 1)
	ch := startChannel(t, b, echoHandler(received))
	conn := b.next(t)

	assert.Equal(t, "Bearer tok", b.auth.Load())
	assert.True(t, ch.IsRunning())
	assert.Equal(t, bus.ChannelBridge, ch.Name())

	require.NoError(t, conn.WriteJSON(protocol.InboundFrame{
		Type:     protocol.FrameMessage,
		From:     "15551234567@s.whatsapp.net",
		Content:  "/help",
		ID:       "MSG1",
		FromName: "Ada",
	}))

	var msg bus.InboundMessage
	select {
	case msg = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Equal(t, "+15551234567", msg.SenderID)
	assert.Equal(t, "15551234567@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, "/help", msg.Content)
	assert.Equal(t, "Ada", msg.ProfileName)
	assert.True(t, msg.Trusted)
	assert.Nil(t, msg.Proof)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for _, want := range []string{"got: /help", "second"} {
		var out protocol.OutboundFrame
		require.NoError(t, conn.ReadJSON(&out))
		assert.Equal(t, protocol.FrameMessage, out.Type)
		assert.Equal(t, "15551234567@s.whatsapp.net", out.To)
		assert.Equal(t, want, out.Content)
	}
}

func TestChannel_Reconnects(t *testing.T) {
	b := newBridge(t)
	received := make(chan bus.InboundMessage, 1)
	startChannel(t, b, echoHandler(received))

	first := b.next(t)
	require.NoError(t, first.Close())

	second := b.next(t)
	assert.Equal(t, int32(2), b.accepted.Load())

	require.NoError(t, second.WriteJSON(protocol.InboundFrame{
		Type: protocol.FrameMessage, From: "+15550001111", Content: "again",
	}))
	select {
	case msg := <-received:
		assert.Equal(t, "again", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestChannel_SendWithoutConnection(t *testing.T) {
	t.Parallel()
	ch, err := New(config.WhatsAppBridgeConfig{BridgeURL: "ws://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Send(context.Background(), "x", []string{"a"}), errNotConnected)
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(config.WhatsAppBridgeConfig{}, nil)
	assert.Error(t, err)
}

func TestToInbound(t *testing.T) {
	t.Parallel()

	_, ok := toInbound(protocol.InboundFrame{Type: "message", From: "1@s.whatsapp.net", Chat: "123-456@g.us", Content: "hi"})
	assert.False(t, ok, "group chats are ignored")

	_, ok = toInbound(protocol.InboundFrame{Type: "message", From: "1@s.whatsapp.net", Content: "  "})
	assert.False(t, ok, "empty messages are ignored")

	msg, ok := toInbound(protocol.InboundFrame{
		Type: "message", From: "1555@s.whatsapp.net", Media: []string{"/tmp/a.jpg"},
	})
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.jpg", msg.MediaURL)
	assert.Equal(t, "1555@s.whatsapp.net", msg.ChatID)
}

func TestPhoneFromJID(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"15551234567@s.whatsapp.net":   "+15551234567",
		"15551234567:12@s.whatsapp.net": "+15551234567",
		"+15551234567":                 "+15551234567",
		"whatsapp:+1555":               "whatsapp:+1555",
	}
	for in, want := range tests {
		assert.Equal(t, want, PhoneFromJID(in), in)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	b := newBridge(t)
	ch, err := New(config.WhatsAppBridgeConfig{BridgeURL: b.url()}, echoHandler(make(chan bus.InboundMessage, 1)))
	require.NoError(t, err)

	m := channels.NewManager()
	m.Register(ch)
	assert.Equal(t, 1, m.Len())
	got, ok := m.Get(bus.ChannelBridge)
	require.True(t, ok)
	assert.Same(t, ch, got)

	require.NoError(t, m.StartAll(context.Background()))
	b.next(t)
	assert.Equal(t, map[string]bool{bus.ChannelBridge: true}, m.Status())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Equal(t, map[string]bool{bus.ChannelBridge: false}, m.Status())
}
