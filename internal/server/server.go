package server

import (
	"context"
	"net/http"
	"time"

	"github.com/hongminglow/venue-auth/internal/auth"
	"github.com/hongminglow/venue-auth/internal/cache"
	"github.com/hongminglow/venue-auth/internal/config"
	"github.com/hongminglow/venue-auth/internal/http/handlers"
	"github.com/hongminglow/venue-auth/internal/middleware"
	"github.com/hongminglow/venue-auth/internal/notify"
	"github.com/hongminglow/venue-auth/internal/otp"
	"github.com/hongminglow/venue-auth/internal/ratelimit"
	"github.com/hongminglow/venue-auth/internal/service"
	"github.com/hongminglow/venue-auth/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store is the persistence the server needs.
type Store interface {
	storage.UserStore
	storage.OTPStore
	storage.Pinger
}

// Server wraps an http.Server with configured routes.
type Server struct {
	inner  *http.Server
	google *auth.GoogleVerifier
}

// New wires up middleware, routes, and returns a ready server.
func New(cfg config.Config, store Store, redisClient redis.UniversalClient) *Server {
	google := auth.NewGoogleVerifier(cfg.Google.ClientID, cfg.Google.CertsURL, nil)
	return &Server{
		google: google,
		inner: &http.Server{
			Addr:              cfg.HTTPAddress(),
			Handler:           newHandler(cfg, store, redisClient, google),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// NewHandler builds the full middleware and route tree.
func NewHandler(cfg config.Config, store Store, redisClient redis.UniversalClient) http.Handler {
	return newHandler(cfg, store, redisClient, auth.NewGoogleVerifier(cfg.Google.ClientID, cfg.Google.CertsURL, nil))
}

func newHandler(cfg config.Config, store Store, redisClient redis.UniversalClient, federated service.FederatedVerifier) http.Handler {
	sessions := cache.New(redisClient)
	limiter := ratelimit.New(redisClient, ratelimit.Policy{
		Cooldown:    cfg.OTP.Cooldown,
		DailyLimit:  cfg.OTP.DailyLimit,
		DailyWindow: 24 * time.Hour,
		IPLimit:     cfg.OTP.IPLimit,
		IPWindow:    cfg.OTP.IPWindow,
	})
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	email, relay := emailSender(cfg.SMTP)

	svc := service.NewAuthService(service.Dependencies{
		Users:     store,
		OTPs:      otp.NewEngine(store),
		Limiter:   limiter,
		Cache:     sessions,
		Tokens:    tokenManager,
		Federated: federated,
		Notifier:  notify.NewDispatcher(email, notify.LogSender{}, cfg.OTP.TTL),
		OTPTTL:    cfg.OTP.TTL,
	})

	mux := http.NewServeMux()
	health := handlers.NewHealthHandler(time.Now(), store, sessions)
	if relay != nil {
		health.WithMail(relay)
	}
	health.Register(mux)
	handlers.NewAuthHandler(svc).Register(mux, middleware.Authenticate(svc))

	return middleware.Chain(mux,
		middleware.ClientIP(cfg.TrustProxy),
		middleware.Logging,
		middleware.CORS(cfg.CORSOrigins),
		middleware.RequestLimit(ratelimit.NewWindow(redisClient, "req"), cfg.Request.PerMinute),
	)
}

// emailSender returns the SMTP relay when one is configured, and a log sender otherwise.
func emailSender(cfg config.SMTPConfig) (notify.EmailSender, *notify.SMTPSender) {
	if cfg.Host == "" {
		return notify.LogSender{}, nil
	}
	relay := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
	return relay, relay
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server and stops background key refresh.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.google.Close()
	return s.inner.Shutdown(ctx)
}
