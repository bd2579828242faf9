// Package http serves the Twilio webhooks and the health endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/auth"
	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/pipeline"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

// DefaultMaxBody caps webhook request bodies.
const DefaultMaxBody = 1 << 20

// Processor runs one inbound message to completion.
type Processor interface {
	Process(ctx context.Context, msg bus.InboundMessage) pipeline.Outcome
}

// WebhookOptions configure a WebhookHandler.
type WebhookOptions struct {
	PublicURL string // base URL the provider signs against
	Async     bool   // ack immediately and deliver through Sender
	MaxBody   int64
}

// WebhookHandler serves POST /webhook/whatsapp and POST /webhook/status.
type WebhookHandler struct {
	proc     Processor
	verifier auth.Verifier
	sender   bus.Sender // required when opts.Async
	opts     WebhookOptions

	wg sync.WaitGroup
}

// NewWebhookHandler creates the webhook handler. verifier may not be nil.
func NewWebhookHandler(proc Processor, verifier auth.Verifier, sender bus.Sender, opts WebhookOptions) *WebhookHandler {
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if sender == nil && opts.Async {
		slog.Warn("webhook.async_without_sender", "fallback", "sync")
		opts.Async = false
	}
	return &WebhookHandler{proc: proc, verifier: verifier, sender: sender, opts: opts}
}

// RegisterRoutes registers the webhook routes on mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/whatsapp", h.handleMessage)
	mux.HandleFunc("POST /webhook/status", h.handleStatus)
}

// Wait blocks until background deliveries finish or ctx ends.
func (h *WebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebhookHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, form, err := readForm(w, r, h.opts.MaxBody)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	proof := &auth.Proof{
		URL:       auth.PublicURL(r, h.opts.PublicURL),
		Form:      form,
		Body:      raw,
		Signature: r.Header.Get(h.verifier.Header()),
	}
	msg := inboundFromForm(form, proof)

	if h.opts.Async {
		// The pipeline verifies again; this early check only decides the status code.
		if !h.verifier.Verify(*proof) {
			slog.Warn("webhook.bad_signature", "sender_id", sessions.MaskSender(msg.SenderID))
			writeTwiML(w, http.StatusForbidden, nil)
			return
		}
		h.wg.Add(1)
		go h.deliver(context.WithoutCancel(r.Context()), msg)
		writeTwiML(w, http.StatusOK, nil)
		return
	}

	out := h.proc.Process(r.Context(), msg)
	status := http.StatusOK
	if out.Reason == pipeline.ReasonBadSignature {
		status = http.StatusForbidden
	}
	writeTwiML(w, status, out.Chunks)
}

func (h *WebhookHandler) deliver(ctx context.Context, msg bus.InboundMessage) {
	defer h.wg.Done()
	out := h.proc.Process(ctx, msg)
	if len(out.Chunks) == 0 {
		return
	}
	if err := h.sender.Send(ctx, msg.ChatID, out.Chunks); err != nil {
		slog.Error("webhook.delivery_failed",
			"request_id", out.RequestID,
			"sender_id", sessions.MaskSender(msg.SenderID),
			"error", err,
		)
	}
}

// handleStatus logs Twilio delivery callbacks.
func (h *WebhookHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, form, err := readForm(w, r, h.opts.MaxBody)
	if err != nil {
		slog.Warn("webhook.status_unreadable", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	attrs := []any{
		"message_sid", form.Get("MessageSid"),
		"status", form.Get("MessageStatus"),
		"to", sessions.MaskSender(form.Get("To")),
	}
	if code := form.Get("ErrorCode"); code != "" {
		slog.Warn("webhook.status", append(attrs, "error_code", code)...)
	} else {
		slog.Info("webhook.status", attrs...)
	}
	w.WriteHeader(http.StatusOK)
}

func readForm(w http.ResponseWriter, r *http.Request, max int64) ([]byte, url.Values, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		return nil, nil, err
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, nil, err
	}
	return raw, form, nil
}

// inboundFromForm maps the Twilio message webhook fields.
func inboundFromForm(form url.Values, proof *auth.Proof) bus.InboundMessage {
	from := sessions.NormalizeSender(form.Get("From"))
	msg := bus.InboundMessage{
		Channel:     bus.ChannelTwilio,
		SenderID:    from,
		ChatID:      from,
		Content:     strings.TrimSpace(form.Get("Body")),
		MessageID:   form.Get("MessageSid"),
		ProfileName: form.Get("ProfileName"),
		ReceivedAt:  time.Now(),
		Proof:       proof,
		Metadata: map[string]string{
			"to":          form.Get("To"),
			"account_sid": form.Get("AccountSid"),
		},
	}
	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		msg.MediaURL = form.Get("MediaUrl0")
		msg.MediaType = form.Get("MediaContentType0")
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
