package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// healthLoop periodically pings the server and reconnects on failure.
func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Ping(ctx)
			// Servers that don't implement "ping" are still alive.
			if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
				c.markHealthy()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.setErr(err)
			slog.Warn("mcp.server.health_failed", "server", c.name, "error", err)
			c.tryReconnect(ctx)
		}
	}
}

// tryReconnect waits out an exponential backoff, then re-dials. Gives up after
// maxReconnectAttempts consecutive failures until a later ping succeeds.
func (c *Client) tryReconnect(ctx context.Context) {
	c.stateMu.Lock()
	if c.reconnAttempts >= maxReconnectAttempts {
		c.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		c.stateMu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", c.name)
		return
	}
	c.reconnAttempts++
	attempt := c.reconnAttempts
	c.stateMu.Unlock()

	wait := backoffFor(attempt)
	slog.Info("mcp.server.reconnecting",
		"server", c.name,
		"attempt", attempt,
		"backoff", wait,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	client, names, err := c.dial(ctx)
	if err != nil {
		c.setErr(err)
		slog.Warn("mcp.server.reconnect_failed", "server", c.name, "attempt", attempt, "error", err)
		return
	}
	c.install(client, names)
	slog.Info("mcp.server.reconnected", "server", c.name, "tools", len(names))
}

func backoffFor(attempt int) time.Duration {
	d := initialBackoff * time.Duration(1<<(attempt-1))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
