package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hongminglow/venue-auth/internal/apperr"
	"github.com/hongminglow/venue-auth/internal/auth"
	"github.com/hongminglow/venue-auth/internal/cache"
	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/models/dto"
	"github.com/hongminglow/venue-auth/internal/otp"
	"github.com/hongminglow/venue-auth/internal/ratelimit"
	"github.com/hongminglow/venue-auth/internal/storage/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCode struct {
	channel string
	code    string
	purpose models.Purpose
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]sentCode
}

func (n *recordingNotifier) record(channel, to, code string, purpose models.Purpose) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]sentCode)
	}
	n.sent[to] = append(n.sent[to], sentCode{channel: channel, code: code, purpose: purpose})
}

func (n *recordingNotifier) EmailOTP(_ context.Context, to, code string, purpose models.Purpose) {
	n.record("email", to, code, purpose)
}

func (n *recordingNotifier) SMSOTP(_ context.Context, to, code string, purpose models.Purpose) {
	n.record("sms", to, code, purpose)
}

func (n *recordingNotifier) last(t *testing.T, to string) sentCode {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[to]
	require.NotEmpty(t, msgs, "nothing sent to %s", to)
	return msgs[len(msgs)-1]
}

type fakeFederated struct {
	identity auth.Identity
	err      error
}

func (f fakeFederated) Verify(context.Context, string) (auth.Identity, error) {
	return f.identity, f.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *AuthService
	store    *memory.Store
	mr       *miniredis.Miniredis
	notifier *recordingNotifier
	tokens   *auth.TokenManager
	clock    *testClock
}

func newHarness(t *testing.T, federated FederatedVerifier) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.New()
	clock := &testClock{now: time.Now()}
	notifier := &recordingNotifier{}
	tokens := auth.NewTokenManager("test-secret", "venue-auth", 24*time.Hour)
	if federated == nil {
		federated = fakeFederated{err: auth.ErrInvalidFederatedToken}
	}

	svc := NewAuthService(Dependencies{
		Users:     store,
		OTPs:      otp.NewEngine(store, otp.WithClock(clock.Now)),
		Limiter:   ratelimit.New(client, ratelimit.DefaultPolicy()),
		Cache:     cache.New(client),
		Tokens:    tokens,
		Federated: federated,
		Notifier:  notifier,
		OTPTTL:    10 * time.Minute,
	})
	return &harness{svc: svc, store: store, mr: mr, notifier: notifier, tokens: tokens, clock: clock}
}

func (h *harness) seedUser(t *testing.T, email, phone, password string) models.User {
	t.Helper()
	user := models.User{Email: email, Phone: phone, Role: models.DefaultRole, IsVerified: true}
	if password != "" {
		hash, err := auth.HashPassword(password)
		require.NoError(t, err)
		user.PasswordHash = hash
	}
	created, err := h.store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return created
}

func requireKind(t *testing.T, err error, kind apperr.Kind, message string) *apperr.Error {
	t.Helper()
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected *apperr.Error, got %v", err)
	assert.Equal(t, kind, appErr.Kind)
	if message != "" {
		assert.Equal(t, message, appErr.Message)
	}
	return appErr
}

func TestSignupFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	req := dto.SignupRequest{Email: " A@X.com ", Password: "secret1", PhoneNumber: "+15550001111", FullName: "Ann"}
	require.NoError(t, h.svc.RequestSignupOTP(ctx, req, "10.0.0.1"))

	email := h.notifier.last(t, "a@x.com")
	sms := h.notifier.last(t, "+15550001111")
	assert.Equal(t, email.code, sms.code)
	assert.Equal(t, models.PurposeSignup, email.purpose)

	// the stashed payload never holds the plain password
	raw, err := h.mr.Get(cache.SignupEmailKey("a@x.com"))
	require.NoError(t, err)
	assert.NotContains(t, raw, "secret1")

	user, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: email.code})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Equal(t, "+15550001111", user.Phone)
	assert.Equal(t, "Ann", user.FullName)
	assert.True(t, user.IsVerified)
	assert.Equal(t, models.DefaultRole, user.Role)

	assert.False(t, h.mr.Exists(cache.SignupEmailKey("a@x.com")))
	assert.False(t, h.mr.Exists(cache.SignupPhoneKey("+15550001111")))

	session, err := h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	claims, err := h.tokens.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
}

func TestSignupCooldownAndDailyCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := dto.SignupRequest{Email: "a@x.com", Password: "secret1"}

	require.NoError(t, h.svc.RequestSignupOTP(ctx, req, ""))

	appErr := requireKind(t, h.svc.RequestSignupOTP(ctx, req, ""), apperr.KindRateLimit, ratelimit.MsgCooldown)
	assert.LessOrEqual(t, appErr.RetryAfterSeconds(), 60)
	assert.Greater(t, appErr.RetryAfterSeconds(), 55)

	h.mr.FastForward(61 * time.Second)
	require.NoError(t, h.svc.RequestSignupOTP(ctx, req, ""))
	h.mr.FastForward(61 * time.Second)
	require.NoError(t, h.svc.RequestSignupOTP(ctx, req, ""))
	h.mr.FastForward(61 * time.Second)

	appErr = requireKind(t, h.svc.RequestSignupOTP(ctx, req, ""), apperr.KindRateLimit, ratelimit.MsgDailyCap)
	assert.Zero(t, appErr.RetryAfterSeconds())
}

func TestSignupForRegisteredEmailSkipsLimiter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "secret1")

	err := h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com"}, "10.0.0.1")
	requireKind(t, err, apperr.KindConflict, MsgEmailRegistered)

	assert.False(t, h.mr.Exists("otp:limit:a@x.com:last_sent"))
	assert.False(t, h.mr.Exists("otp:ip:10.0.0.1"))
}

func TestSignupForRegisteredPhoneIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "b@x.com", "+15550001111", "")

	err := h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com", PhoneNumber: "+15550001111"}, "")
	requireKind(t, err, apperr.KindConflict, MsgPhoneRegistered)
}

func TestVerifySignupWithExpiredPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com", Password: "secret1"}, ""))
	code := h.notifier.last(t, "a@x.com").code
	h.mr.Del(cache.SignupEmailKey("a@x.com"))

	_, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: code})
	appErr := requireKind(t, err, apperr.KindAuthentication, MsgSessionExpired)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.ErrorIs(t, err, ErrSignupSessionExpired)

	_, err = h.store.FindByEmail(ctx, "a@x.com")
	assert.Error(t, err, "no partial account is created")
}

func TestVerifySignupByPhone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com", PhoneNumber: "+15550001111"}, ""))
	code := h.notifier.last(t, "+15550001111").code

	user, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Phone: "+15550001111", OTP: code})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Equal(t, "+15550001111", user.Phone)
}

func TestVerifySignupRejectsBadCodes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{OTP: "123456"})
	requireKind(t, err, apperr.KindValidation, MsgIdentifierNeeded)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com", Password: "secret1"}, ""))
	code := h.notifier.last(t, "a@x.com").code
	wrong := "100000"
	if code == wrong {
		wrong = "100001"
	}

	_, err = h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: wrong})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidOTP)

	_, err = h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: code})
	require.NoError(t, err)

	_, err = h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: code})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidOTP)
}

func TestSignupPayloadOutlivesCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com", PhoneNumber: "+15550003333"}, ""))
	assert.Equal(t, 10*time.Minute+payloadGrace, h.mr.TTL(cache.SignupEmailKey("a@x.com")))
	assert.Equal(t, 10*time.Minute+payloadGrace, h.mr.TTL(cache.SignupPhoneKey("+15550003333")))
}

func TestSignupWithoutPasswordThenSetPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.SetPassword(ctx, dto.SetPasswordRequest{Email: "a@x.com", Password: "secret1"})
	requireKind(t, err, apperr.KindAuthentication, MsgOTPNotVerified)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com"}, ""))
	code := h.notifier.last(t, "a@x.com").code
	user, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "a@x.com", OTP: code})
	require.NoError(t, err)
	assert.False(t, user.HasPassword())

	_, err = h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: ""})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidCreds)

	updated, err := h.svc.SetPassword(ctx, dto.SetPasswordRequest{Email: "a@x.com", Password: "secret1", PhoneNumber: "+15550002222"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, updated.ID)
	assert.Equal(t, "+15550002222", updated.Phone)

	_, err = h.svc.SetPassword(ctx, dto.SetPasswordRequest{Email: "a@x.com", Password: "hijack1"})
	requireKind(t, err, apperr.KindAuthentication, MsgOTPNotVerified)

	_, err = h.svc.Login(ctx, dto.LoginRequest{Phone: "+15550002222", Password: "secret1"})
	require.NoError(t, err)
}

func TestSetPasswordAfterVerificationLapses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "v@x.com"}, ""))
	code := h.notifier.last(t, "v@x.com").code
	_, err := h.svc.VerifySignupOTP(ctx, dto.VerifyOTPRequest{Email: "v@x.com", OTP: code})
	require.NoError(t, err)

	h.clock.Advance(30 * 24 * time.Hour)
	_, err = h.svc.SetPassword(ctx, dto.SetPasswordRequest{Email: "v@x.com", Password: "attacker1"})
	requireKind(t, err, apperr.KindAuthentication, MsgOTPNotVerified)

	_, err = h.svc.Login(ctx, dto.LoginRequest{Email: "v@x.com", Password: "attacker1"})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidCreds)
}

func TestSetPasswordConflictsWhenPasswordExists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "p@x.com", "", "secret1")

	code, err := h.svc.otps.Issue(ctx, "p@x.com", models.PurposeSignup, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.svc.consume(ctx, "p@x.com", code, models.PurposeSignup))

	_, err = h.svc.SetPassword(ctx, dto.SetPasswordRequest{Email: "p@x.com", Password: "hijack1"})
	requireKind(t, err, apperr.KindConflict, MsgPasswordSet)
}

func TestLoginDoesNotRevealWhichCheckFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "secret1")

	_, err := h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "wrong"})
	wrongPassword := requireKind(t, err, apperr.KindAuthentication, MsgInvalidCreds)
	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Status)

	_, err = h.svc.Login(ctx, dto.LoginRequest{Email: "nobody@x.com", Password: "secret1"})
	unknown := requireKind(t, err, apperr.KindAuthentication, MsgInvalidCreds)
	assert.Equal(t, http.StatusBadRequest, unknown.Status)

	_, err = h.svc.Login(ctx, dto.LoginRequest{Password: "secret1"})
	requireKind(t, err, apperr.KindValidation, MsgIdentifierNeeded)
}

func TestLoginOTPFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seeded := h.seedUser(t, "a@x.com", "+15550001111", "")

	err := h.svc.RequestLoginOTP(ctx, dto.LoginOTPRequest{Phone: "+15559999999"}, "")
	requireKind(t, err, apperr.KindNotFound, MsgPhoneUnknown)

	require.NoError(t, h.svc.RequestLoginOTP(ctx, dto.LoginOTPRequest{Phone: "+15550001111"}, "10.0.0.1"))
	sent := h.notifier.last(t, "+15550001111")
	assert.Equal(t, "sms", sent.channel)
	assert.Equal(t, models.PurposeLogin, sent.purpose)

	err = h.svc.RequestLoginOTP(ctx, dto.LoginOTPRequest{Phone: "+15550001111"}, "10.0.0.1")
	requireKind(t, err, apperr.KindRateLimit, ratelimit.MsgCooldown)

	session, err := h.svc.VerifyLoginOTP(ctx, dto.LoginOTPVerifyRequest{Phone: "+15550001111", OTP: sent.code})
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, session.User.ID)

	_, err = h.svc.VerifyLoginOTP(ctx, dto.LoginOTPVerifyRequest{Phone: "+15550001111", OTP: sent.code})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidOTP)
}

func TestLoginOTPByEmail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "")

	require.NoError(t, h.svc.RequestLoginOTP(ctx, dto.LoginOTPRequest{Email: "A@x.com"}, ""))
	sent := h.notifier.last(t, "a@x.com")
	assert.Equal(t, "email", sent.channel)

	_, err := h.svc.VerifyLoginOTP(ctx, dto.LoginOTPVerifyRequest{Email: "a@x.com", OTP: sent.code})
	require.NoError(t, err)
}

func TestFederatedLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFederated{identity: auth.Identity{Email: "g@x.com", FullName: "Gee"}})

	_, err := h.svc.FederatedLogin(ctx, "  ")
	requireKind(t, err, apperr.KindValidation, MsgMissingIDToken)

	first, err := h.svc.FederatedLogin(ctx, "id-token")
	require.NoError(t, err)
	assert.NotEmpty(t, first.User.ID)
	assert.Equal(t, "Gee", first.User.FullName)
	assert.True(t, first.User.IsVerified)

	claims, err := h.tokens.Verify(first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, claims.UserID)

	second, err := h.svc.FederatedLogin(ctx, "id-token")
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)
}

func TestFederatedLoginRejected(t *testing.T) {
	h := newHarness(t, fakeFederated{err: errors.New("bad audience")})

	_, err := h.svc.FederatedLogin(context.Background(), "id-token")
	appErr := requireKind(t, err, apperr.KindAuthentication, MsgFederatedFailed)
	assert.Equal(t, http.StatusUnauthorized, appErr.Status)
}

func TestForgotAndResetPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "old-secret")

	err := h.svc.ForgotPassword(ctx, dto.ForgotPasswordRequest{Email: "nobody@x.com"}, "")
	requireKind(t, err, apperr.KindNotFound, MsgEmailUnknown)

	require.NoError(t, h.svc.ForgotPassword(ctx, dto.ForgotPasswordRequest{Email: "a@x.com"}, ""))
	sent := h.notifier.last(t, "a@x.com")
	assert.Equal(t, models.PurposeReset, sent.purpose)

	// a reset code cannot be replayed as a login code
	_, err = h.svc.VerifyLoginOTP(ctx, dto.LoginOTPVerifyRequest{Email: "a@x.com", OTP: sent.code})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidOTP)

	require.NoError(t, h.svc.ResetPassword(ctx, dto.ResetPasswordRequest{Email: "a@x.com", OTP: sent.code, Password: "new-secret"}))

	_, err = h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "old-secret"})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidCreds)
	_, err = h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "new-secret"})
	require.NoError(t, err)

	err = h.svc.ResetPassword(ctx, dto.ResetPasswordRequest{Email: "a@x.com", OTP: sent.code, Password: "again-1"})
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidOTP)
}

func TestAuthenticateAndLogout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "secret1")

	session, err := h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)

	claims, err := h.svc.Authenticate(ctx, session.Token)
	require.NoError(t, err)
	require.NoError(t, h.svc.Logout(ctx, claims))

	_, err = h.svc.Authenticate(ctx, session.Token)
	appErr := requireKind(t, err, apperr.KindAuthentication, MsgInvalidSession)
	assert.Equal(t, http.StatusForbidden, appErr.Status)

	_, err = h.svc.Authenticate(ctx, "garbage")
	requireKind(t, err, apperr.KindAuthentication, MsgInvalidSession)
}

func TestAuthenticateFailsClosedWhenCacheIsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedUser(t, "a@x.com", "", "secret1")

	session, err := h.svc.Login(ctx, dto.LoginRequest{Email: "a@x.com", Password: "secret1"})
	require.NoError(t, err)
	h.mr.Close()

	_, err = h.svc.Authenticate(ctx, session.Token)
	requireKind(t, err, apperr.KindDependency, "")
}

func TestRequestOTPWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.mr.Close()

	err := h.svc.RequestSignupOTP(ctx, dto.SignupRequest{Email: "a@x.com"}, "")
	requireKind(t, err, apperr.KindDependency, "")
	assert.Empty(t, h.store.OTPRecords("a@x.com", models.PurposeSignup))
}
