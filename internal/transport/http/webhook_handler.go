package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/services"
)

// maxWebhookBody bounds how much of a webhook payload we will read.
const maxWebhookBody = 1 << 20

// signatureHeader carries the hex HMAC-SHA256 of the raw request body,
// computed by the payment collaborator with the shared webhook secret.
const signatureHeader = "X-Payment-Signature"

// eventCheckoutCompleted is the only event type this core reacts to; all
// others are acknowledged and ignored so the provider stops redelivering.
const eventCheckoutCompleted = "checkout.completed"

// WebhookHandler consumes payment-completed events and drives issuance.
type WebhookHandler struct {
	issuance services.IssuanceService
	secret   []byte
	logger   *slog.Logger
}

// NewWebhookHandler creates the handler. secret is the shared webhook
// signing secret; with it unset every delivery is rejected.
func NewWebhookHandler(issuance services.IssuanceService, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		issuance: issuance,
		secret:   []byte(secret),
		logger:   logger.With(slog.String("handler", "webhook")),
	}
}

// paymentEvent is the wire shape of a provider notification.
type paymentEvent struct {
	Type          string `json:"type"`
	PaymentRef    string `json:"payment_ref"`
	CustomerEmail string `json:"customer_email"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// webhookAck is the body the provider expects on success.
type webhookAck struct {
	Received bool `json:"received"`
}

// Routes returns the chi router for webhook endpoints.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Post("/payment", h.HandlePayment)
	return r
}

// HandlePayment handles POST /api/v1/webhooks/payment. The signature is
// verified over the raw body before any parsing; an unsigned or tampered
// delivery never reaches the issuance path.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.TraceIDFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		render.Render(w, r, apierrors.InvalidRequest("could not read request body", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}

	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		h.logger.WarnContext(ctx, "webhook signature verification failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("trace_id", traceID))
		render.Render(w, r, apierrors.InvalidRequest("webhook signature verification failed", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		render.Render(w, r, apierrors.InvalidRequest("event payload must be valid JSON", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}

	if ev.Type != eventCheckoutCompleted {
		h.logger.DebugContext(ctx, "ignoring webhook event",
			slog.String("type", ev.Type),
			slog.String("trace_id", traceID))
		render.JSON(w, r, webhookAck{Received: true})
		return
	}

	if ev.PaymentRef == "" || ev.CustomerEmail == "" {
		render.Render(w, r, apierrors.InvalidRequest("payment_ref and customer_email are required", r.URL.Path).
			WithExtension("trace_id", traceID))
		return
	}

	lic, err := h.issuance.Issue(ctx, services.PaymentEvent{
		PaymentRef: ev.PaymentRef,
		PayerEmail: ev.CustomerEmail,
		Amount:     ev.Amount,
		Currency:   ev.Currency,
	})
	if err != nil {
		// A 500 makes the provider redeliver; the payment_ref idempotence
		// key makes that retry safe.
		h.logger.ErrorContext(ctx, "payment event processing failed",
			slog.String("error", err.Error()),
			slog.String("payment_ref", ev.PaymentRef),
			slog.String("trace_id", traceID))
		render.Render(w, r, apierrors.Internal(r.URL.Path).WithExtension("trace_id", traceID))
		return
	}

	h.logger.InfoContext(ctx, "payment event processed",
		slog.String("payment_ref", ev.PaymentRef),
		slog.String("license_id", lic.ID),
		slog.String("trace_id", traceID))
	render.JSON(w, r, webhookAck{Received: true})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
