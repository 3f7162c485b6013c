// internal/handlers/auth/auth_handler.go
package auth

import (
	"net/http"

	"authsync-service/internal/domain/auth"
	"authsync-service/internal/middleware"
	"authsync-service/internal/otp"
	"authsync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	logger *zap.Logger
}

func NewAuthHandler(logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		logger: logger,
	}
}

// ========== Sign in / Sign up ==========

// SignIn handles password sign-in
func (h *AuthHandler) SignIn(c *gin.Context) {
	var req auth.SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	cl := middleware.MustGetClient(c)
	sess, err := cl.Auth.SignIn(c.Request.Context(), &req)
	if err != nil {
		h.logger.Info("sign in failed",
			zap.String("email", req.Email),
			zap.String("device_id", cl.DeviceID),
			zap.Error(err),
		)
		response.FromError(c, "sign in failed", err)
		return
	}

	response.Success(c, http.StatusOK, "signed in", gin.H{
		"user": auth.NewUserResponse(sess),
	})
}

// SignUp registers the user and opens the OTP challenge
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req auth.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	cl := middleware.MustGetClient(c)
	resp, err := cl.Auth.SignUp(c.Request.Context(), &req)
	if err != nil {
		h.logger.Info("sign up failed",
			zap.String("email", req.Email),
			zap.Error(err),
		)
		response.FromError(c, "sign up failed", err)
		return
	}

	data := gin.H{"signup": resp}
	if resp.RequiresOTP {
		data["otp"] = cl.BeginChallenge(c.Request.Context(), resp.Email).Snapshot()
	}
	response.Success(c, http.StatusCreated, "sign up successful", data)
}

// ========== OTP challenge ==========

func (h *AuthHandler) challenge(c *gin.Context) (*otp.Machine, bool) {
	m, ok := middleware.MustGetClient(c).Challenge()
	if !ok {
		response.NotFound(c, "no verification in progress")
		return nil, false
	}
	return m, true
}

func (h *AuthHandler) otpResult(c *gin.Context, state otp.State, err error) {
	if err != nil {
		response.FromError(c, "verification step failed", err, state)
		return
	}
	response.Success(c, http.StatusOK, "ok", state)
}

// GetOTP returns the challenge state
func (h *AuthHandler) GetOTP(c *gin.Context) {
	m, ok := h.challenge(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, "ok", m.Snapshot())
}

// OTPDigit enters one digit; an empty digit clears the slot
func (h *AuthHandler) OTPDigit(c *gin.Context) {
	var req auth.OTPDigitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	m, ok := h.challenge(c)
	if !ok {
		return
	}

	var (
		state otp.State
		err   error
	)
	if req.Digit == "" {
		state, err = m.Backspace(req.Index)
	} else {
		state, err = m.EnterDigit(c.Request.Context(), req.Index, req.Digit)
	}
	h.otpResult(c, state, err)
}

func (h *AuthHandler) OTPBackspace(c *gin.Context) {
	var req auth.OTPDigitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	m, ok := h.challenge(c)
	if !ok {
		return
	}
	state, err := m.Backspace(req.Index)
	h.otpResult(c, state, err)
}

func (h *AuthHandler) OTPPaste(c *gin.Context) {
	var req auth.OTPPasteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	m, ok := h.challenge(c)
	if !ok {
		return
	}
	state, err := m.Paste(c.Request.Context(), req.Code)
	h.otpResult(c, state, err)
}

func (h *AuthHandler) OTPResend(c *gin.Context) {
	m, ok := h.challenge(c)
	if !ok {
		return
	}
	state, err := m.Resend(c.Request.Context())
	h.otpResult(c, state, err)
}

// OTPClose dismisses the challenge; refused after a successful verification
func (h *AuthHandler) OTPClose(c *gin.Context) {
	m, ok := h.challenge(c)
	if !ok {
		return
	}
	state, err := m.Close()
	if err != nil {
		response.FromError(c, "cannot close verification", err, state)
		return
	}
	middleware.MustGetClient(c).EndChallenge()
	response.Success(c, http.StatusOK, "verification closed", state)
}

// ========== Password reset ==========

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req auth.ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	if err := middleware.MustGetClient(c).Auth.ResetPassword(c.Request.Context(), &req); err != nil {
		response.FromError(c, "password reset failed", err)
		return
	}

	response.Success(c, http.StatusOK, "if the account exists, a reset email has been sent", nil)
}

// ========== Session ==========

// SignOut always clears local state; a remote failure is still reported
func (h *AuthHandler) SignOut(c *gin.Context) {
	cl := middleware.MustGetClient(c)
	cl.EndChallenge()

	if err := cl.Auth.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("remote sign out failed",
			zap.String("device_id", cl.DeviceID),
			zap.Error(err),
		)
		response.FromError(c, "signed out locally, remote sign out failed", err)
		return
	}

	response.Success(c, http.StatusOK, "signed out", nil)
}

// RefreshProfile re-reads the profile; force (default true) bypasses the cache
func (h *AuthHandler) RefreshProfile(c *gin.Context) {
	var req auth.RefreshProfileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, "invalid request", err)
			return
		}
	}
	force := req.Force == nil || *req.Force

	cl := middleware.MustGetClient(c)
	if err := cl.Auth.RefreshProfile(c.Request.Context(), force); err != nil {
		response.FromError(c, "profile refresh failed", err)
		return
	}

	response.Success(c, http.StatusAccepted, "profile refresh queued", auth.NewViewResponse(cl.Auth.View()))
}

// Me returns the current (session, profile, isLoading) triple
func (h *AuthHandler) Me(c *gin.Context) {
	cl := middleware.MustGetClient(c)
	response.Success(c, http.StatusOK, "ok", auth.NewViewResponse(cl.Auth.View()))
}
