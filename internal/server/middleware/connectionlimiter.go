package middleware

import (
	"log/slog"
	"net/http"

	"github.com/amakom/BlueprintAI-sub001/pkg/config"
)

type UserConnectionCounter func(subjectID string) int
type UserConnectionCycler func(subjectID string)

// NewConnectionLimiter caps how many simultaneous connections one
// subject may hold. It must run after authentication, since it keys on
// the verified subject. Mode "reject" refuses the new connection; mode
// "cycle" closes the subject's oldest one and admits the new one.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok || reqMeta.Identity.SubjectID == "" {
				logger.Error("connection limiter ran before authentication; check middleware order")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			subject := reqMeta.Identity.SubjectID
			count := counter(subject)
			if count < cfg.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("user connection limit reached",
				slog.String("subject", subject),
				slog.Int("count", count),
			)
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(subject)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
