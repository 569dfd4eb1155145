package http

import (
	"net/http"
	"strconv"

	"github.com/opentrusty/tenantvault/internal/gateway"
)

// RateLimitMiddleware limits requests per client address. Tenant limits are
// enforced separately by the gateway; this guards the service as a whole.
func RateLimitMiddleware(rl *gateway.RateLimiter, rps float64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow("ip:"+clientIP(r), rps) {
				w.Header().Set("Retry-After", strconv.Itoa(1))
				respondErrorKind(w, http.StatusTooManyRequests, "rate limit exceeded", "RateLimited", true)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
