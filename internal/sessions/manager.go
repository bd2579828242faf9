package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/store"
)

// Role of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Context keys used by the pipeline.
const (
	CtxTaskSessionID   = "task_session_id"
	CtxTaskDescription = "task_description"
	CtxProfileName     = "profile_name"
)

// Message is one history entry.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	MediaURL  string    `json:"media_url,omitempty"`
}

// Session is the persisted conversation state for one sender.
type Session struct {
	Sender            string            `json:"sender"`
	History           []Message         `json:"history"`
	ActiveProjectID   string            `json:"active_project_id,omitempty"`
	ActiveProjectName string            `json:"active_project_name,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	TTLSeconds        int64             `json:"ttl_seconds"`
}

// Append adds msg, evicting the oldest entries so len(History) never exceeds window.
func (s *Session) Append(msg Message, window int) {
	if window <= 0 {
		return
	}
	if over := len(s.History) + 1 - window; over > 0 {
		s.History = append(s.History[:0:0], s.History[over:]...)
	}
	s.History = append(s.History, msg)
}

// Recent returns up to n of the newest history entries, oldest first.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if n > len(s.History) {
		n = len(s.History)
	}
	out := make([]Message, n)
	copy(out, s.History[len(s.History)-n:])
	return out
}

// ClearHistory drops history and context. The active project is kept.
func (s *Session) ClearHistory() {
	s.History = nil
	s.Context = nil
}

// SetProject makes id the active project and forgets any task session that
// belonged to the previous one.
func (s *Session) SetProject(id, name string) {
	s.ActiveProjectID = id
	s.ActiveProjectName = name
	delete(s.Context, CtxTaskSessionID)
	delete(s.Context, CtxTaskDescription)
}

func (s *Session) Get(key string) string {
	return s.Context[key]
}

func (s *Session) Set(key, value string) {
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	s.Context[key] = value
}

// Expired reports whether the session idled past its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	if s.TTLSeconds <= 0 || s.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(s.LastActivityAt) > time.Duration(s.TTLSeconds)*time.Second
}

// Manager loads and saves sessions through a store.Store with sliding expiry.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Store, ttl time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{store: st, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() store.Store { return m.store }

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Load returns the sender's session. An absent, expired, or unreadable
// session yields a fresh one with isNew=true. Only store failures are errors.
func (m *Manager) Load(ctx context.Context, sender string) (*Session, bool, error) {
	sender = NormalizeSender(sender)
	now := m.now()

	data, err := m.store.Get(ctx, SessionKey(sender))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return m.fresh(sender, now), true, nil
	case err != nil:
		return nil, false, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		slog.Warn("sessions.decode_failed", "sender", MaskSender(sender), "error", err)
		return m.fresh(sender, now), true, nil
	}
	if sess.Expired(now) {
		return m.fresh(sender, now), true, nil
	}
	sess.Sender = sender
	return &sess, false, nil
}

func (m *Manager) fresh(sender string, now time.Time) *Session {
	return &Session{
		Sender:         sender,
		CreatedAt:      now,
		LastActivityAt: now,
		TTLSeconds:     int64(m.ttl / time.Second),
	}
}

// Save persists sess under sender and restarts its TTL.
func (m *Manager) Save(ctx context.Context, sender string, sess *Session) error {
	sender = NormalizeSender(sender)
	if now := m.now(); now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	sess.Sender = sender
	sess.TTLSeconds = int64(m.ttl / time.Second)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := m.store.Set(ctx, SessionKey(sender), data, m.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the sender's session.
func (m *Manager) Delete(ctx context.Context, sender string) error {
	if err := m.store.Delete(ctx, SessionKey(sender)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ErrNotListable is returned by List when the backend cannot enumerate keys.
var ErrNotListable = errors.New("sessions: backend cannot list sessions")

// List returns the senders with a live session.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	lister, ok := m.store.(store.Lister)
	if !ok {
		return nil, ErrNotListable
	}
	keys, err := lister.Keys(ctx, SessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	senders := make([]string, 0, len(keys))
	for _, k := range keys {
		if s := SenderFromKey(k); s != "" {
			senders = append(senders, s)
		}
	}
	return senders, nil
}

// DeleteMany removes the sessions of all senders.
func (m *Manager) DeleteMany(ctx context.Context, senders []string) (int, error) {
	keys := make([]string, len(senders))
	for i, s := range senders {
		keys[i] = SessionKey(s)
	}
	return store.DeleteMany(ctx, m.store, keys)
}
