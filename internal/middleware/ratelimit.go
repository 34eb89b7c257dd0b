package middleware

import (
	"net/http"
	"time"

	"github.com/hongminglow/venue-auth/internal/http/respond"
	"github.com/hongminglow/venue-auth/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// MsgTooManyRequests answers requests over the per-address budget.
const MsgTooManyRequests = "Too many requests, please try again later."

// RequestLimit allows perMinute requests per client address. Redis errors let the request through;
// OTP issuance has its own limiter that fails closed.
func RequestLimit(window *ratelimit.Window, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFrom(r.Context())
			res, err := window.Allow(r.Context(), ip, perMinute, time.Minute)
			if err != nil {
				log.WithError(err).Warn("request limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				retry := int(time.Until(res.Reset).Seconds()) + 1
				respond.TooManyRequests(w, MsgTooManyRequests, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
