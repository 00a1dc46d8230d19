package middleware

import (
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
	"github.com/go-chi/httprate"
)

// FloodConfig holds the per-IP request budget for POST /login
type FloodConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultFloodConfig allows bursts well above the lockout threshold so the
// progressive lockout, not this guard, answers ordinary failed attempts.
func DefaultFloodConfig() FloodConfig {
	return FloodConfig{RequestsPerMinute: 30}
}

// LoginFloodGuard caps raw request volume per client IP. It sits in front of
// the gate and never touches lockout state. A zero budget disables it.
func LoginFloodGuard(config FloodConfig) func(next http.Handler) http.Handler {
	if config.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Too many requests")
		}),
	)
}
