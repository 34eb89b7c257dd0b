package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hongminglow/venue-auth/internal/models"
)

// ErrInvalidToken is the only error Verify returns. Callers cannot tell a bad signature from an
// expired or malformed token.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrForbidden is returned by RequireRole when the role does not match.
var ErrForbidden = errors.New("forbidden")

// Claims are the identity claims carried by a session token.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies signed session tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokenManager creates a manager with the provided secret, issuer, and lifetime.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		nowFn:  time.Now,
	}
}

// Generate issues a signed token for user.
func (t *TokenManager) Generate(user models.User) (string, error) {
	now := t.nowFn()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify checks signature, algorithm, issuer, expiry and role, and returns the embedded claims.
func (t *TokenManager) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.nowFn),
	)
	if err != nil || !token.Valid || claims.UserID == "" || claims.ID == "" || !models.ValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RemainingTTL is how long the token behind claims stays valid.
func (t *TokenManager) RemainingTTL(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Sub(t.nowFn())
}

// RequireRole succeeds only when claims carry exactly role.
func RequireRole(claims *Claims, role string) error {
	if claims == nil || claims.Role != role {
		return ErrForbidden
	}
	return nil
}
