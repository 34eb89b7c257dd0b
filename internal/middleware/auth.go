package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/hongminglow/venue-auth/internal/auth"
	"github.com/hongminglow/venue-auth/internal/http/respond"
)

const (
	MsgTokenRequired = "Token required"
	MsgForbidden     = "Forbidden: Access denied"
)

type claimsKey struct{}

// Authenticator resolves a bearer token to claims.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (*auth.Claims, error)
}

// Authenticate rejects requests without a valid bearer token and stores the claims in the context.
func Authenticate(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				respond.Error(w, http.StatusUnauthorized, MsgTokenRequired)
				return
			}
			claims, err := authenticator.Authenticate(r.Context(), raw)
			if err != nil {
				respond.AppError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireRole lets through only requests whose claims carry exactly role. It must run after
// Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.RequireRole(ClaimsFrom(r.Context()), role); err != nil {
				respond.Error(w, http.StatusForbidden, MsgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFrom returns the claims stored by Authenticate, or nil.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Chain applies middlewares so the first listed is outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
