package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/services"
)

// MockIssuanceService implements services.IssuanceService for testing.
type MockIssuanceService struct {
	mock.Mock
}

func (m *MockIssuanceService) Issue(ctx context.Context, ev services.PaymentEvent) (*license.License, error) {
	args := m.Called(ctx, ev)
	if lic := args.Get(0); lic != nil {
		return lic.(*license.License), args.Error(1)
	}
	return nil, args.Error(1)
}

const testWebhookSecret = "whsec_test"

func newWebhookRouter(svc *MockIssuanceService, secret string) chi.Router {
	h := NewWebhookHandler(svc, secret, testLogger())
	r := chi.NewRouter()
	r.Mount("/api/v1/webhooks", h.Routes())
	return r
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(router http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Payment-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func checkoutCompletedBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":           "checkout.completed",
		"payment_ref":    "pi_abc123",
		"customer_email": "alice@example.com",
		"amount":         4900,
		"currency":       "usd",
	})
	require.NoError(t, err)
	return body
}

func TestWebhookHappyPath(t *testing.T) {
	svc := new(MockIssuanceService)
	svc.On("Issue", mock.Anything, services.PaymentEvent{
		PaymentRef: "pi_abc123",
		PayerEmail: "alice@example.com",
		Amount:     4900,
		Currency:   "usd",
	}).Return(&license.License{ID: "lic-1", Key: "AB12C-3D4E5-F6G78-9H0IJ"}, nil)

	body := checkoutCompletedBody(t)
	rec := postWebhook(newWebhookRouter(svc, testWebhookSecret), body, signBody(testWebhookSecret, body))

	require.Equal(t, http.StatusOK, rec.Code)
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	svc.AssertExpectations(t)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	body := checkoutCompletedBody(t)
	tests := []struct {
		name      string
		signature string
	}{
		{"missing signature", ""},
		{"wrong secret", signBody("whsec_other", body)},
		{"tampered body", signBody(testWebhookSecret, []byte(`{"type":"checkout.completed"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockIssuanceService)
			rec := postWebhook(newWebhookRouter(svc, testWebhookSecret), body, tt.signature)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookNoSecretConfiguredRejectsEverything(t *testing.T) {
	svc := new(MockIssuanceService)
	body := checkoutCompletedBody(t)
	rec := postWebhook(newWebhookRouter(svc, ""), body, signBody("", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	svc := new(MockIssuanceService)
	body := []byte(`{"type":"invoice.paid","payment_ref":"pi_x","customer_email":"x@example.com"}`)
	rec := postWebhook(newWebhookRouter(svc, testWebhookSecret), body, signBody(testWebhookSecret, body))

	// Unhandled events are acked so the provider stops redelivering.
	require.Equal(t, http.StatusOK, rec.Code)
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestWebhookRequiresEventFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing payment ref", `{"type":"checkout.completed","customer_email":"x@example.com"}`},
		{"missing email", `{"type":"checkout.completed","payment_ref":"pi_x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockIssuanceService)
			body := []byte(tt.body)
			rec := postWebhook(newWebhookRouter(svc, testWebhookSecret), body, signBody(testWebhookSecret, body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
		})
	}
}

func TestWebhookIssueFailureTriggersRedelivery(t *testing.T) {
	svc := new(MockIssuanceService)
	svc.On("Issue", mock.Anything, mock.Anything).Return(nil, errors.New("store unavailable"))

	body := checkoutCompletedBody(t)
	rec := postWebhook(newWebhookRouter(svc, testWebhookSecret), body, signBody(testWebhookSecret, body))

	// A 500 tells the provider to try again later.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
