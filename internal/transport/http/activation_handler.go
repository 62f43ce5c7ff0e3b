// Package http contains the chi HTTP handlers: the public activation
// endpoint, the payment webhook, the administrative API and health/metrics.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/services"
	"licensegate/pkg/activation"
)

// newValidator builds the request validator shared by the handlers, with
// JSON field names in error messages and the license key format check.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("license_key", func(fl validator.FieldLevel) bool {
		return license.ValidKeyFormat(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ActivationHandler serves the public activation endpoint.
type ActivationHandler struct {
	service  services.ActivationService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewActivationHandler creates the handler.
func NewActivationHandler(service services.ActivationService, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "activation")),
		validate: newValidator(),
	}
}

// ActivationRequest is the POST body for license activation. MachineLabel
// is informational only and never part of the signed tuple.
type ActivationRequest struct {
	LicenseKey   string `json:"license_key" validate:"required,license_key"`
	MachineID    string `json:"machine_id" validate:"required,min=1,max=256"`
	MachineLabel string `json:"machine_label,omitempty" validate:"max=256"`
}

// ActivationResponse wraps the signed activation record the client stores
// for offline verification.
type ActivationResponse struct {
	Success   bool              `json:"success"`
	License   activation.Record `json:"license"`
	TraceID   string            `json:"trace_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Routes returns the chi router for the activation endpoints.
func (h *ActivationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Post("/activate", h.Activate)
	return r
}

// Activate handles POST /api/v1/licenses/activate.
func (h *ActivationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.TraceIDFromContext(ctx)
	tracer := otel.Tracer("activation-handler")

	ctx, span := tracer.Start(ctx, "activation_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/v1/licenses/activate"),
		),
	)
	defer span.End()

	var req ActivationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "undecodable activation request",
			slog.String("error", err.Error()),
			slog.String("trace_id", traceID))
		render.Render(w, r, apierrors.InvalidRequest("request body must be valid JSON", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.logger.WarnContext(ctx, "invalid activation request",
			slog.String("error", err.Error()),
			slog.String("trace_id", traceID))
		render.Render(w, r, apierrors.InvalidRequest(validationDetail(err), r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}

	span.SetAttributes(attribute.String("license.key_prefix", maskKey(req.LicenseKey)))

	record, err := h.service.Activate(ctx, req.LicenseKey, req.MachineID, req.MachineLabel)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "success"))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ActivationResponse{
		Success:   true,
		License:   record,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}

// handleError maps protocol failures onto their problem responses. Anything
// unrecognized is a 500 with the detail kept in the logs.
func (h *ActivationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.TraceIDFromContext(ctx)
	instance := r.URL.Path

	var problem *apierrors.ProblemDetails
	switch {
	case errors.Is(err, license.ErrUnknownKey):
		problem = apierrors.UnknownKey(instance)
	case errors.Is(err, license.ErrRevoked):
		problem = apierrors.Revoked(instance)
	case errors.Is(err, license.ErrMachineMismatch):
		problem = apierrors.MachineMismatch(instance)
	default:
		h.logger.ErrorContext(ctx, "activation failed",
			slog.String("error", err.Error()),
			slog.String("trace_id", traceID))
		problem = apierrors.Internal(instance)
	}
	render.Render(w, r, problem.WithExtension("trace_id", traceID))
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "license_key":
			return "license_key must be in the format XXXXX-XXXXX-XXXXX-XXXXX"
		default:
			return fe.Field() + " is invalid"
		}
	}
	return err.Error()
}

// maskKey keeps only the first segment for logs and traces.
func maskKey(key string) string {
	if i := strings.IndexByte(key, '-'); i > 0 {
		return key[:i] + "-****"
	}
	if len(key) > 5 {
		return key[:5] + "****"
	}
	return "****"
}
