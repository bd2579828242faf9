package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager manages the lifecycle of all registered channels.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds ch, replacing any channel with the same name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns the named channel.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Len is the number of registered channels.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Info("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every channel and returns the joined stop errors.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Status reports whether each channel is running, keyed by name.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}
