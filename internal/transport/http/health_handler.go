package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Pinger is what the health endpoint needs from the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process liveness and store reachability.
type HealthHandler struct {
	store   Pinger
	version string
}

// NewHealthHandler creates the handler.
func NewHealthHandler(store Pinger, version string) *HealthHandler {
	return &HealthHandler{store: store, version: version}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		storeStatus = err.Error()
		code = http.StatusServiceUnavailable
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]interface{}{
		"status":    status,
		"store":     storeStatus,
		"version":   h.version,
		"timestamp": time.Now().UTC(),
	})
}
