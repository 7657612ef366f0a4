package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amakom/BlueprintAI-sub001/internal/server/middleware"
	"github.com/amakom/BlueprintAI-sub001/pkg/config"
	"github.com/amakom/BlueprintAI-sub001/pkg/state"
)

// withIdentity stands in for the auth middleware in these tests.
func withIdentity(subject string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
			reqMeta.Identity = state.Identity{SubjectID: subject}
			next.ServeHTTP(w, r)
		})
	}
}

func limitedHandler(count int, cycled *bool, cfg config.ConnectionLimitConfig) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	counter := func(string) int { return count }
	cycler := func(string) {
		if cycled != nil {
			*cycled = true
		}
	}
	return middleware.Chain(next,
		middleware.RequestMetadataMiddleware(),
		withIdentity("u1"),
		middleware.NewConnectionLimiter(newTestLogger(), counter, cycler, cfg),
	)
}

func TestLimiterDisabledWhenZero(t *testing.T) {
	h := limitedHandler(99, nil, config.ConnectionLimitConfig{MaxPerUser: 0})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with limiter disabled, got %d", rec.Code)
	}
}

func TestLimiterRejectMode(t *testing.T) {
	h := limitedHandler(2, nil, config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "reject"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 in reject mode, got %d", rec.Code)
	}
}

func TestLimiterCycleMode(t *testing.T) {
	cycled := false
	h := limitedHandler(2, &cycled, config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "cycle"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 in cycle mode, got %d", rec.Code)
	}
	if !cycled {
		t.Error("expected the oldest connection to be cycled")
	}
}

func TestLimiterUnderLimit(t *testing.T) {
	h := limitedHandler(1, nil, config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "reject"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 under the limit, got %d", rec.Code)
	}
}
