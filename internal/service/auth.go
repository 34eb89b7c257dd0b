// Package service implements the authentication flows on top of the store, cache, rate limiter, OTP
// engine and token manager. Every error it returns is an *apperr.Error.
package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hongminglow/venue-auth/internal/apperr"
	"github.com/hongminglow/venue-auth/internal/auth"
	"github.com/hongminglow/venue-auth/internal/cache"
	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/models/dto"
	"github.com/hongminglow/venue-auth/internal/otp"
	"github.com/hongminglow/venue-auth/internal/storage"
	log "github.com/sirupsen/logrus"
)

const (
	MsgEmailRegistered  = "Email already registered. Please login."
	MsgPhoneRegistered  = "Phone number already registered."
	MsgInvalidOTP       = "Invalid or expired OTP."
	MsgSessionExpired   = "Session expired. Please start signup again."
	MsgOTPNotVerified   = "OTP not verified."
	MsgPasswordSet      = "Password already set. Please login."
	MsgInvalidCreds     = "Invalid credentials."
	MsgIdentifierNeeded = "Email or phone is required."
	MsgEmailUnknown     = "Email not registered."
	MsgPhoneUnknown     = "Phone number not registered."
	MsgUserNotFound     = "User not found."
	MsgMissingIDToken   = "Missing ID token"
	MsgFederatedFailed  = "Invalid Google login"
	MsgInvalidSession   = "Invalid or expired token"
)

// payloadGrace keeps a signup payload alive past its code so a code redeemed at its last instant
// still finds the payload.
const payloadGrace = time.Minute

// ErrSignupSessionExpired marks a signup whose cached payload is gone.
var ErrSignupSessionExpired = errors.New("signup session expired")

// RateLimiter gates OTP issuance.
type RateLimiter interface {
	CheckAndReserve(ctx context.Context, identifier, ip string) error
}

// SessionCache is the ephemeral state the flows need.
type SessionCache interface {
	SaveSignupPayload(ctx context.Context, payload models.SignupPayload, ttl time.Duration) error
	LoadSignupPayload(ctx context.Context, key string) (models.SignupPayload, error)
	DeleteSignupPayload(ctx context.Context, payload models.SignupPayload) error
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// FederatedVerifier validates a third-party identity token.
type FederatedVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.Identity, error)
}

// Notifier dispatches codes. Implementations must not block on delivery errors.
type Notifier interface {
	EmailOTP(ctx context.Context, to, code string, purpose models.Purpose)
	SMSOTP(ctx context.Context, to, code string, purpose models.Purpose)
}

// Dependencies wires an AuthService.
type Dependencies struct {
	Users     storage.UserStore
	OTPs      *otp.Engine
	Limiter   RateLimiter
	Cache     SessionCache
	Tokens    *auth.TokenManager
	Federated FederatedVerifier
	Notifier  Notifier
	OTPTTL    time.Duration
}

// AuthService runs the signup, login, federated login, password reset and logout flows.
type AuthService struct {
	users     storage.UserStore
	otps      *otp.Engine
	limiter   RateLimiter
	cache     SessionCache
	tokens    *auth.TokenManager
	federated FederatedVerifier
	notifier  Notifier
	otpTTL    time.Duration
}

// NewAuthService constructs the service.
func NewAuthService(deps Dependencies) *AuthService {
	ttl := deps.OTPTTL
	if ttl <= 0 {
		ttl = otp.DefaultTTL
	}
	return &AuthService{
		users:     deps.Users,
		otps:      deps.OTPs,
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		tokens:    deps.Tokens,
		federated: deps.Federated,
		notifier:  deps.Notifier,
		otpTTL:    ttl,
	}
}

// Session is the result of a successful login.
type Session struct {
	Token string
	User  models.User
}

// RequestSignupOTP stashes the provisional account and sends a signup code to the email (and phone
// when given). Registration checks run before the limiter so a registered user burns no quota.
func (s *AuthService) RequestSignupOTP(ctx context.Context, req dto.SignupRequest, ip string) error {
	email := normalizeEmail(req.Email)
	phone := normalizePhone(req.PhoneNumber)

	if err := s.ensureUnregistered(ctx, email, phone); err != nil {
		return err
	}
	if err := s.limiter.CheckAndReserve(ctx, email, ip); err != nil {
		return err
	}

	payload := models.SignupPayload{Email: email, Phone: phone, FullName: strings.TrimSpace(req.FullName)}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return apperr.Dependency("hash password", err)
		}
		payload.PasswordHash = hash
	}
	if err := s.cache.SaveSignupPayload(ctx, payload, s.otpTTL+payloadGrace); err != nil {
		return apperr.Dependency("stash signup payload", err)
	}

	code, err := s.otps.Issue(ctx, email, models.PurposeSignup, s.otpTTL)
	if err != nil {
		return apperr.Dependency("issue signup otp", err)
	}
	s.notifier.EmailOTP(ctx, email, code, models.PurposeSignup)
	if phone != "" {
		s.notifier.SMSOTP(ctx, phone, code, models.PurposeSignup)
	}
	return nil
}

// VerifySignupOTP redeems a signup code and creates the verified account from the stashed payload.
// The account is addressed by email, or by the phone given at signup.
func (s *AuthService) VerifySignupOTP(ctx context.Context, req dto.VerifyOTPRequest) (models.User, error) {
	email := normalizeEmail(req.Email)
	phone := normalizePhone(req.Phone)
	if email == "" && phone == "" {
		return models.User{}, apperr.Validation(MsgIdentifierNeeded)
	}

	// Codes are always issued against the email, so a phone lookup resolves the payload first.
	var (
		payload models.SignupPayload
		loaded  bool
	)
	if email == "" {
		p, err := s.loadPayload(ctx, cache.SignupPhoneKey(phone))
		if err != nil {
			return models.User{}, err
		}
		payload, loaded, email = p, true, p.Email
	}

	valid, err := s.otps.Validate(ctx, email, req.OTP, models.PurposeSignup)
	if err != nil {
		return models.User{}, apperr.Dependency("validate signup otp", err)
	}
	if !valid {
		return models.User{}, apperr.Authentication(http.StatusBadRequest, MsgInvalidOTP)
	}

	if !loaded {
		if payload, err = s.loadPayload(ctx, cache.SignupEmailKey(email)); err != nil {
			return models.User{}, err
		}
	}

	consumed, err := s.otps.MarkVerified(ctx, email, req.OTP, models.PurposeSignup)
	if err != nil {
		return models.User{}, apperr.Dependency("mark signup otp", err)
	}
	if !consumed {
		return models.User{}, apperr.Authentication(http.StatusBadRequest, MsgInvalidOTP)
	}

	user, err := s.users.CreateUser(ctx, models.User{
		Email:        email,
		Phone:        payload.Phone,
		PasswordHash: payload.PasswordHash,
		FullName:     payload.FullName,
		Role:         models.DefaultRole,
		IsVerified:   true,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return models.User{}, apperr.Conflict(MsgEmailRegistered).Wrap(err)
		}
		return models.User{}, apperr.Dependency("create user", err)
	}

	if err := s.cache.DeleteSignupPayload(ctx, payload); err != nil {
		log.WithError(err).Warn("service: drop signup payload failed")
	}
	return user, nil
}

// SetPassword sets the first password on an account whose signup code was verified within the
// code's lifetime. The verification is spent by the call.
func (s *AuthService) SetPassword(ctx context.Context, req dto.SetPasswordRequest) (models.User, error) {
	email := normalizeEmail(req.Email)

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return models.User{}, apperr.Dependency("hash password", err)
	}

	verified, err := s.otps.ConsumeVerified(ctx, email, models.PurposeSignup)
	if err != nil {
		return models.User{}, apperr.Dependency("consume verified otp", err)
	}
	if !verified {
		return models.User{}, apperr.Authentication(http.StatusBadRequest, MsgOTPNotVerified)
	}
	user, err := s.users.SetInitialPassword(ctx, email, hash, normalizePhone(req.PhoneNumber))
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return models.User{}, apperr.Conflict(MsgPasswordSet).Wrap(err)
		}
		return models.User{}, apperr.Dependency("set password", err)
	}
	return user, nil
}

// Login checks a password against the account found by email or phone. Unknown accounts and wrong
// passwords share one message and differ only in status.
func (s *AuthService) Login(ctx context.Context, req dto.LoginRequest) (Session, error) {
	user, err := s.findByIdentifier(ctx, req.Email, req.Phone)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Session{}, apperr.Authentication(http.StatusBadRequest, MsgInvalidCreds)
		}
		return Session{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		return Session{}, apperr.Authentication(http.StatusUnauthorized, MsgInvalidCreds)
	}
	return s.issueSession(user)
}

// RequestLoginOTP sends a login code to a registered phone or email.
func (s *AuthService) RequestLoginOTP(ctx context.Context, req dto.LoginOTPRequest, ip string) error {
	user, err := s.findByIdentifier(ctx, req.Email, req.Phone)
	if err != nil {
		return err
	}

	identifier, byPhone := loginIdentifier(req.Email, req.Phone)
	if err := s.limiter.CheckAndReserve(ctx, identifier, ip); err != nil {
		return err
	}
	code, err := s.otps.Issue(ctx, identifier, models.PurposeLogin, s.otpTTL)
	if err != nil {
		return apperr.Dependency("issue login otp", err)
	}
	if byPhone {
		s.notifier.SMSOTP(ctx, user.Phone, code, models.PurposeLogin)
	} else {
		s.notifier.EmailOTP(ctx, user.Email, code, models.PurposeLogin)
	}
	return nil
}

// VerifyLoginOTP redeems a login code and issues a session.
func (s *AuthService) VerifyLoginOTP(ctx context.Context, req dto.LoginOTPVerifyRequest) (Session, error) {
	identifier, _ := loginIdentifier(req.Email, req.Phone)
	if identifier == "" {
		return Session{}, apperr.Validation(MsgIdentifierNeeded)
	}
	if err := s.consume(ctx, identifier, req.OTP, models.PurposeLogin); err != nil {
		return Session{}, err
	}

	user, err := s.findByIdentifier(ctx, req.Email, req.Phone)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Session{}, apperr.NotFound(MsgUserNotFound)
		}
		return Session{}, err
	}
	return s.issueSession(user)
}

// FederatedLogin exchanges a provider identity token for a session, creating the account on first sight.
func (s *AuthService) FederatedLogin(ctx context.Context, idToken string) (Session, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return Session{}, apperr.Validation(MsgMissingIDToken)
	}

	identity, err := s.federated.Verify(ctx, idToken)
	if err != nil {
		return Session{}, apperr.Authentication(http.StatusUnauthorized, MsgFederatedFailed).Wrap(err)
	}
	user, err := s.users.FindOrCreateFederated(ctx, identity.Email, identity.FullName, models.DefaultRole)
	if err != nil {
		return Session{}, apperr.Dependency("find or create federated user", err)
	}
	return s.issueSession(user)
}

// ForgotPassword sends a reset code to a registered email.
func (s *AuthService) ForgotPassword(ctx context.Context, req dto.ForgotPasswordRequest, ip string) error {
	email := normalizeEmail(req.Email)
	if _, err := s.findByIdentifier(ctx, email, ""); err != nil {
		return err
	}
	if err := s.limiter.CheckAndReserve(ctx, email, ip); err != nil {
		return err
	}
	code, err := s.otps.Issue(ctx, email, models.PurposeReset, s.otpTTL)
	if err != nil {
		return apperr.Dependency("issue reset otp", err)
	}
	s.notifier.EmailOTP(ctx, email, code, models.PurposeReset)
	return nil
}

// ResetPassword redeems a reset code and replaces the password.
func (s *AuthService) ResetPassword(ctx context.Context, req dto.ResetPasswordRequest) error {
	email := normalizeEmail(req.Email)
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return apperr.Dependency("hash password", err)
	}
	if err := s.consume(ctx, email, req.OTP, models.PurposeReset); err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, email, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(MsgUserNotFound).Wrap(err)
		}
		return apperr.Dependency("update password", err)
	}
	return nil
}

// Authenticate verifies a bearer token and checks it against the deny-list. Cache failures reject
// the request.
func (s *AuthService) Authenticate(ctx context.Context, rawToken string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return nil, apperr.Authentication(http.StatusForbidden, MsgInvalidSession).Wrap(err)
	}
	revoked, err := s.cache.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.Dependency("check token revocation", err)
	}
	if revoked {
		return nil, apperr.Authentication(http.StatusForbidden, MsgInvalidSession).Wrap(auth.ErrInvalidToken)
	}
	return claims, nil
}

// Logout deny-lists the token behind claims for the rest of its lifetime.
func (s *AuthService) Logout(ctx context.Context, claims *auth.Claims) error {
	if err := s.cache.Revoke(ctx, claims.ID, s.tokens.RemainingTTL(claims)); err != nil {
		return apperr.Dependency("revoke token", err)
	}
	return nil
}

func (s *AuthService) ensureUnregistered(ctx context.Context, email, phone string) error {
	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil && user.IsVerified:
		return apperr.Conflict(MsgEmailRegistered)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return apperr.Dependency("lookup user by email", err)
	}
	if phone == "" {
		return nil
	}
	user, err = s.users.FindByPhone(ctx, phone)
	switch {
	case err == nil && user.IsVerified:
		return apperr.Conflict(MsgPhoneRegistered)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return apperr.Dependency("lookup user by phone", err)
	}
	return nil
}

func (s *AuthService) loadPayload(ctx context.Context, key string) (models.SignupPayload, error) {
	payload, err := s.cache.LoadSignupPayload(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return models.SignupPayload{}, apperr.Authentication(http.StatusBadRequest, MsgSessionExpired).Wrap(ErrSignupSessionExpired)
		}
		return models.SignupPayload{}, apperr.Dependency("load signup payload", err)
	}
	return payload, nil
}

// consume validates and then flips the code; losing a concurrent race reads as an invalid code.
func (s *AuthService) consume(ctx context.Context, identifier, code string, purpose models.Purpose) error {
	valid, err := s.otps.Validate(ctx, identifier, code, purpose)
	if err != nil {
		return apperr.Dependency("validate otp", err)
	}
	if !valid {
		return apperr.Authentication(http.StatusBadRequest, MsgInvalidOTP)
	}
	consumed, err := s.otps.MarkVerified(ctx, identifier, code, purpose)
	if err != nil {
		return apperr.Dependency("mark otp", err)
	}
	if !consumed {
		return apperr.Authentication(http.StatusBadRequest, MsgInvalidOTP)
	}
	return nil
}

// findByIdentifier prefers email over phone. Absent accounts come back as KindNotFound.
func (s *AuthService) findByIdentifier(ctx context.Context, email, phone string) (models.User, error) {
	identifier, byPhone := loginIdentifier(email, phone)
	if identifier == "" {
		return models.User{}, apperr.Validation(MsgIdentifierNeeded)
	}

	var (
		user models.User
		err  error
	)
	if byPhone {
		user, err = s.users.FindByPhone(ctx, identifier)
	} else {
		user, err = s.users.FindByEmail(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if byPhone {
				return models.User{}, apperr.NotFound(MsgPhoneUnknown).Wrap(err)
			}
			return models.User{}, apperr.NotFound(MsgEmailUnknown).Wrap(err)
		}
		return models.User{}, apperr.Dependency("lookup user", err)
	}
	return user, nil
}

func (s *AuthService) issueSession(user models.User) (Session, error) {
	token, err := s.tokens.Generate(user)
	if err != nil {
		return Session{}, apperr.Dependency("sign token", err)
	}
	return Session{Token: token, User: user}, nil
}

func loginIdentifier(email, phone string) (string, bool) {
	if e := normalizeEmail(email); e != "" {
		return e, false
	}
	p := normalizePhone(phone)
	return p, p != ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}
