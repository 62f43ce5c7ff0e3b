package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
)

// AdminAuth gates administrative routes behind an X-API-Key header compared
// in constant time. An unset key disables the admin surface entirely rather
// than leaving it open.
func AdminAuth(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				logger.ErrorContext(r.Context(), "admin API key not configured, rejecting request",
					slog.String("path", r.URL.Path))
				render.Render(w, r, apierrors.Unauthorized(r.URL.Path))
				return
			}
			supplied := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(apiKey)) != 1 {
				logger.WarnContext(r.Context(), "admin authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("trace_id", infrastructure.TraceIDFromContext(r.Context())))
				render.Render(w, r, apierrors.Unauthorized(r.URL.Path))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
