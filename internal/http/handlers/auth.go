package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hongminglow/venue-auth/internal/http/respond"
	"github.com/hongminglow/venue-auth/internal/middleware"
	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/models/dto"
	"github.com/hongminglow/venue-auth/internal/service"
)

const authPrefix = "/api/v1/auth"

// AuthHandler exposes the OTP, password, federated login and logout flows as JSON endpoints.
type AuthHandler struct {
	svc      *service.AuthService
	validate *validator.Validate
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc, validate: newValidator()}
}

// Register attaches auth routes to the mux. Logout and the dashboard sit behind authenticate.
func (h *AuthHandler) Register(mux *http.ServeMux, authenticate func(http.Handler) http.Handler) {
	mux.HandleFunc("POST "+authPrefix+"/signup", h.handleSignup)
	mux.HandleFunc("POST "+authPrefix+"/verify-otp", h.handleVerifyOTP)
	mux.HandleFunc("POST "+authPrefix+"/set-password", h.handleSetPassword)
	mux.HandleFunc("POST "+authPrefix+"/login", h.handleLogin)
	mux.HandleFunc("POST "+authPrefix+"/login-otp-request", h.handleLoginOTPRequest)
	mux.HandleFunc("POST "+authPrefix+"/login-otp-verify", h.handleLoginOTPVerify)
	mux.HandleFunc("POST "+authPrefix+"/social-login", h.handleSocialLogin)
	mux.HandleFunc("POST "+authPrefix+"/forgot-password", h.handleForgotPassword)
	mux.HandleFunc("POST "+authPrefix+"/reset-password", h.handleResetPassword)
	mux.Handle("POST "+authPrefix+"/logout", authenticate(http.HandlerFunc(h.handleLogout)))

	mux.Handle("GET /api/v1/protected/dashboard", middleware.Chain(
		http.HandlerFunc(h.handleDashboard),
		authenticate,
		middleware.RequireRole(models.RoleSuperAdmin),
	))
}

func (h *AuthHandler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req dto.SignupRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	if err := h.svc.RequestSignupOTP(r.Context(), req, middleware.ClientIPFrom(r.Context())); err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "OTP sent to email and phone (if provided).", nil)
}

func (h *AuthHandler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req dto.VerifyOTPRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	user, err := h.svc.VerifySignupOTP(r.Context(), req)
	if err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "Signup complete. You can now login.", user)
}

func (h *AuthHandler) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.SetPasswordRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	user, err := h.svc.SetPassword(r.Context(), req)
	if err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Password set. Account created.", user)
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	session, err := h.svc.Login(r.Context(), req)
	if err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Login successful", loginResponse(session))
}

func (h *AuthHandler) handleLoginOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginOTPRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	if err := h.svc.RequestLoginOTP(r.Context(), req, middleware.ClientIPFrom(r.Context())); err != nil {
		respond.AppError(w, r, err)
		return
	}
	message := "OTP sent to email."
	if req.Email == "" {
		message = "OTP sent to phone."
	}
	respond.JSON(w, http.StatusOK, message, nil)
}

func (h *AuthHandler) handleLoginOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginOTPVerifyRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	session, err := h.svc.VerifyLoginOTP(r.Context(), req)
	if err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Login successful", loginResponse(session))
}

func (h *AuthHandler) handleSocialLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.SocialLoginRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	session, err := h.svc.FederatedLogin(r.Context(), req.IDToken)
	if err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Login successful", loginResponse(session))
}

func (h *AuthHandler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.ForgotPasswordRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req, middleware.ClientIPFrom(r.Context())); err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "OTP sent for password reset.", nil)
}

func (h *AuthHandler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.ResetPasswordRequest
	if err := decodeAndValidate(w, r, h.validate, &req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req); err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Password updated successfully.", nil)
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), middleware.ClaimsFrom(r.Context())); err != nil {
		respond.AppError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Logged out", nil)
}

func (h *AuthHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, "Welcome Super Admin", middleware.ClaimsFrom(r.Context()))
}

func loginResponse(session service.Session) dto.LoginResponse {
	return dto.LoginResponse{Token: session.Token, Role: session.User.Role}
}
