package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"stockroom/models"
	"stockroom/notify"
)

type credentialResult struct {
	Username     string `json:"username"`
	TempPassword string `json:"temp_password"`
	Emailed      bool   `json:"emailed"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request, _ models.Account) {
	workers := s.users.Workers()
	views := make([]accountView, 0, len(workers))
	for _, a := range workers {
		views = append(views, viewOf(a))
	}
	sendSuccess(w, r, http.StatusOK, "", views)
}

func (s *Server) handleAddWorker(w http.ResponseWriter, r *http.Request, admin models.Account) {
	var input struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	temp, err := s.users.AddWorker(input.Username, input.Email, input.FullName)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	username := strings.TrimSpace(input.Username)
	s.log.Info(r.Context(), "worker created", "username", username, "by", admin.Username)

	sendSuccess(w, r, http.StatusCreated, "WorkerAdded", credentialResult{
		Username:     username,
		TempPassword: temp,
		Emailed:      s.mailCredentialTo(r.Context(), username, temp),
	})
}

func (s *Server) handleResetWorker(w http.ResponseWriter, r *http.Request, admin models.Account) {
	var input struct {
		Username string `json:"username"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	temp, err := s.users.ResetWorkerPassword(input.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "worker password reset", "username", input.Username, "by", admin.Username)

	sendSuccess(w, r, http.StatusOK, "WorkerPasswordReset", credentialResult{
		Username:     input.Username,
		TempPassword: temp,
		Emailed:      s.mailCredentialTo(r.Context(), input.Username, temp),
	})
}

// mailCredentialTo looks the account up and mails its new temporary password.
// The credential is already stored, so a failed lookup only skips the mail.
func (s *Server) mailCredentialTo(ctx context.Context, username, temp string) bool {
	acct, err := s.users.Get(username)
	if err != nil {
		s.log.Warn(ctx, "cannot email temporary password", "username", username, "err", err)
		return false
	}
	return s.mailCredential(ctx, acct, temp)
}

// mailCredential e-mails a temporary password when mail is set up. The
// password is also returned to the admin, so a failed delivery is not fatal.
func (s *Server) mailCredential(ctx context.Context, acct models.Account, temp string) bool {
	if s.mailer == nil || acct.Email == "" {
		return false
	}
	err := s.mailer.NotifyPasswordIssued(ctx, acct.Email, acct.FullName, acct.Username, temp)
	switch {
	case err == nil:
		return true
	case errors.Is(err, notify.ErrDisabled), errors.Is(err, notify.ErrNotConfigured):
	default:
		s.log.Warn(ctx, "could not email temporary password", "username", acct.Username, "err", err)
	}
	return false
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request, admin models.Account) {
	var input struct {
		Username string `json:"username"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if err := s.users.DeleteWorker(input.Username); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "worker deactivated", "username", input.Username, "by", admin.Username)
	sendSuccess(w, r, http.StatusOK, "WorkerDeleted", nil)
}

func (s *Server) handleSetPermissions(w http.ResponseWriter, r *http.Request, admin models.Account) {
	var input struct {
		Username    string              `json:"username"`
		Permissions []models.Permission `json:"permissions"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if err := s.users.SetPermissions(input.Username, input.Permissions); err != nil {
		s.sendError(w, r, err)
		return
	}
	updated, err := s.users.Get(input.Username)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "permissions updated", "username", input.Username, "by", admin.Username)
	sendSuccess(w, r, http.StatusOK, "PermissionsUpdated", viewOf(updated))
}
