package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// DefaultGoogleCertsURL publishes Google's ID token signing keys as a JWKS document.
const DefaultGoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

const certsTimeout = 5 * time.Second

var googleIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// ErrInvalidFederatedToken covers every rejection of a provider token.
var ErrInvalidFederatedToken = errors.New("invalid federated identity token")

// Identity is what a verified provider token asserts about its subject.
type Identity struct {
	Email    string
	FullName string
	Subject  string
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

func (c googleClaims) emailVerified() bool {
	switch v := c.EmailVerified.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// GoogleVerifier validates Google ID tokens against the published signing keys. The key set is
// fetched on first use and refreshed in the background until Close.
type GoogleVerifier struct {
	clientID   string
	certsURL   string
	httpClient *http.Client
	nowFn      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jwks keyfunc.Keyfunc
}

// NewGoogleVerifier creates a verifier that accepts tokens minted for clientID.
func NewGoogleVerifier(clientID, certsURL string, httpClient *http.Client) *GoogleVerifier {
	if certsURL == "" {
		certsURL = DefaultGoogleCertsURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: certsTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoogleVerifier{
		clientID:   clientID,
		certsURL:   certsURL,
		httpClient: httpClient,
		nowFn:      time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close stops the background key refresh.
func (g *GoogleVerifier) Close() {
	g.cancel()
}

// Verify checks the token's signature, audience, issuer and expiry and returns the identity it
// asserts. Only a provider-verified email is ever returned.
func (g *GoogleVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	if g.clientID == "" {
		return Identity{}, fmt.Errorf("%w: client id not configured", ErrInvalidFederatedToken)
	}
	jwks, err := g.keys()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidFederatedToken, err)
	}

	claims := &googleClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, jwks.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(g.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.nowFn),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidFederatedToken, err)
	}
	if _, ok := googleIssuers[claims.Issuer]; !ok {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidFederatedToken, claims.Issuer)
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" || !claims.emailVerified() {
		return Identity{}, fmt.Errorf("%w: email missing or unverified", ErrInvalidFederatedToken)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = email
	}
	return Identity{Email: email, FullName: name, Subject: claims.Subject}, nil
}

// keys builds the key set on first call. A failed first fetch is retried when a token names a
// key the set does not hold.
func (g *GoogleVerifier) keys() (keyfunc.Keyfunc, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.jwks != nil {
		return g.jwks, nil
	}
	jwks, err := keyfunc.NewDefaultOverrideCtx(g.ctx, []string{g.certsURL}, keyfunc.Override{
		Client:           g.httpClient,
		HTTPTimeout:      certsTimeout,
		RateLimitWaitMax: certsTimeout,
		RefreshErrorHandlerFunc: func(u string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				log.WithError(err).WithField("url", u).Warn("google certs refresh failed")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load google certs: %w", err)
	}
	g.jwks = jwks
	return jwks, nil
}
