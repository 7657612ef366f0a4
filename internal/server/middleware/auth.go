package middleware

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amakom/BlueprintAI-sub001/internal/auth"
)

// NewAuthMiddleware authenticates the handshake before the websocket
// upgrade. The credential is accepted as a `token` query parameter, an
// `Authorization: Bearer` header, or a `session-token` cookie. Nothing
// past this middleware ever sees an unauthenticated request, so the
// relay can assume a trusted identity on every connection.
func NewAuthMiddleware(logger *slog.Logger, verifier auth.Verifier, failures prometheus.Counter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := credentialFrom(r)
			if token == "" {
				logger.Warn("handshake without credential", slog.String("ip", reqMeta.IP))
				failures.Inc()
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("handshake credential rejected",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				failures.Inc()
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			reqMeta.Identity = identity
			next.ServeHTTP(w, r)
		})
	}
}

func credentialFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		return header[7:]
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}
