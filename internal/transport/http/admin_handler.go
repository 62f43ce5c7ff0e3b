package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/services"
	"licensegate/internal/store"
)

// AdminHandler serves the privileged license administration API. The
// AdminAuth middleware in front of these routes has already verified the
// caller.
type AdminHandler struct {
	service services.AdminService
	logger  *slog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(service services.AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// LicenseView is the admin-facing JSON shape of a license.
type LicenseView struct {
	ID           string     `json:"id"`
	LicenseKey   string     `json:"license_key"`
	OwnerID      string     `json:"owner_id"`
	Status       string     `json:"status"`
	MachineID    string     `json:"machine_id,omitempty"`
	MachineLabel string     `json:"machine_label,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
}

func toView(l *license.License) LicenseView {
	return LicenseView{
		ID:           l.ID,
		LicenseKey:   l.Key,
		OwnerID:      l.OwnerID,
		Status:       string(l.Status),
		MachineID:    l.MachineID,
		MachineLabel: l.MachineLabel,
		ActivatedAt:  l.ActivatedAt,
		IssuedAt:     l.IssuedAt,
	}
}

// Routes returns the chi router for the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/licenses", h.List)
	r.Route("/licenses/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/revoke", h.Revoke)
		r.Post("/clear-machine", h.ClearMachine)
		r.Delete("/", h.Purge)
	})
	return r
}

// List handles GET /api/admin/licenses with optional status and owner_email
// query filters.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		OwnerEmail: r.URL.Query().Get("owner_email"),
	}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case string(license.StatusActive), string(license.StatusRevoked):
		filter.Status = license.Status(status)
	default:
		render.Render(w, r, apierrors.InvalidRequest("status must be active or revoked", r.URL.Path).
			WithExtension("trace_id", infrastructure.TraceIDFromContext(r.Context())))
		return
	}

	licenses, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	views := make([]LicenseView, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, toView(l))
	}
	render.JSON(w, r, map[string]interface{}{"licenses": views, "count": len(views)})
}

// Get handles GET /api/admin/licenses/{id}.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"license": toView(lic)})
}

// Revoke handles POST /api/admin/licenses/{id}/revoke.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"license": toView(lic),
		"message": "license revoked",
	})
}

// ClearMachine handles POST /api/admin/licenses/{id}/clear-machine.
func (h *AdminHandler) ClearMachine(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.ClearMachine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"license": toView(lic),
		"message": "license machine binding cleared",
	})
}

// Purge handles DELETE /api/admin/licenses/{id}.
func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"message": "license deleted",
	})
}

func (h *AdminHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.TraceIDFromContext(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		render.Render(w, r, apierrors.NotFound("license not found", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}
	h.logger.ErrorContext(r.Context(), "admin operation failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("trace_id", traceID))
	render.Render(w, r, apierrors.Internal(r.URL.Path).WithExtension("trace_id", traceID))
}
