package http

import (
	"context"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

// Pinger is the store health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PlatformChecker probes the coding-agent platform and reports breaker state.
type PlatformChecker interface {
	Health(ctx context.Context) error
	Snapshot() map[tools.ToolName]tools.BreakerSnapshot
}

// HealthReport is the GET /health body.
type HealthReport struct {
	Status   string            `json:"status"` // "ok" or "degraded"
	Store    string            `json:"store"`
	Platform string            `json:"platform"`
	Breakers map[string]string `json:"breakers"`
	Protocol int               `json:"protocol"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	store    Pinger
	platform PlatformChecker
	timeout  time.Duration
	protocol int
}

func NewHealthHandler(store Pinger, platform PlatformChecker, protocolVersion int) *HealthHandler {
	return &HealthHandler{store: store, platform: platform, timeout: 5 * time.Second, protocol: protocolVersion}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
}

// Check probes every dependency.
func (h *HealthHandler) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep := HealthReport{Status: "ok", Store: "ok", Platform: "ok", Breakers: map[string]string{}, Protocol: h.protocol}
	if err := h.store.Ping(ctx); err != nil {
		rep.Status, rep.Store = "degraded", err.Error()
	}
	if err := h.platform.Health(ctx); err != nil {
		rep.Status, rep.Platform = "degraded", err.Error()
	}
	for tool, snap := range h.platform.Snapshot() {
		rep.Breakers[string(tool)] = snap.State.String()
	}
	return rep
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
