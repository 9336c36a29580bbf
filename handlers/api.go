package handlers

import (
	"net/http"
	"strings"

	"stockroom/models"
)

type loginResult struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	Account   accountView `json:"account"`
}

// startSession sets the browser cookie and issues a bearer token for acct.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, acct models.Account) (loginResult, error) {
	if err := s.sessions.Set(w, r, acct); err != nil {
		return loginResult{}, err
	}
	token, err := s.tokens.Sign(acct)
	if err != nil {
		return loginResult{}, err
	}
	return loginResult{
		Token:     token,
		ExpiresIn: int64(s.tokens.TTL().Seconds()),
		Account:   viewOf(acct),
	}, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r)
	if !s.loginLimiter.Allow(ip) {
		sendErrorKey(w, r, http.StatusTooManyRequests, "TooManyAttempts")
		return
	}

	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	acct, err := s.users.Authenticate(strings.TrimSpace(input.Username), input.Password)
	if err != nil {
		s.loginLimiter.RecordFailure(ip)
		s.log.Info(r.Context(), "login failed", "username", input.Username, "ip", ip)
		sendErrorKey(w, r, http.StatusUnauthorized, "InvalidCredentials")
		return
	}
	s.loginLimiter.Reset(ip)

	res, err := s.startSession(w, r, acct)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "login", "username", acct.Username, "role", acct.Role)
	sendSuccess(w, r, http.StatusOK, "LoggedIn", res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Clear(w, r); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "LoggedOut", nil)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, acct models.Account) {
	sendSuccess(w, r, http.StatusOK, "", viewOf(acct))
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	pending := s.users.SetupPending()
	data := map[string]any{"pending": pending}
	if len(pending) > 0 {
		data["captcha_id"] = s.newCaptcha()
	}
	sendSuccess(w, r, http.StatusOK, "", data)
}

// handleSetup sets the first password of a bootstrapped admin or owner
// account. It is guarded by a captcha and the setup rate limiter.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r)
	if !s.setupLimiter.Allow(ip) {
		sendErrorKey(w, r, http.StatusTooManyRequests, "TooManyAttempts")
		return
	}

	var input struct {
		Username        string `json:"username"`
		Password        string `json:"password"`
		CaptchaID       string `json:"captcha_id"`
		CaptchaSolution string `json:"captcha_solution"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if !s.verifyCaptcha(input.CaptchaID, input.CaptchaSolution) {
		s.setupLimiter.RecordFailure(ip)
		sendErrorKey(w, r, http.StatusBadRequest, "InvalidCaptcha")
		return
	}

	if err := s.users.SetupPassword(input.Username, input.Password); err != nil {
		s.setupLimiter.RecordFailure(ip)
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "SetupComplete", nil)
}

// handleChangePassword is reachable while a password change is still
// required. The current password must be confirmed; the response carries a
// fresh token because earlier ones stop working.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var input struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	if err := s.users.CheckPassword(acct.Username, input.CurrentPassword); err != nil {
		sendErrorKey(w, r, http.StatusUnauthorized, "InvalidCredentials")
		return
	}
	if err := s.users.ChangePassword(acct.Username, input.NewPassword); err != nil {
		s.sendError(w, r, err)
		return
	}

	updated, err := s.users.Get(acct.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	res, err := s.startSession(w, r, updated)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "password changed", "username", acct.Username)
	sendSuccess(w, r, http.StatusOK, "PasswordUpdated", res)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var fields map[string]any
	if !decodeJSON(w, r, &fields) {
		return
	}
	if err := s.users.UpdateProfile(acct.Username, fields); err != nil {
		s.sendError(w, r, err)
		return
	}
	updated, err := s.users.Get(acct.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendSuccess(w, r, http.StatusOK, "ProfileUpdated", viewOf(updated))
}
