// Package handlers is the JSON HTTP API of the shop: login and first-time
// setup, self-service password changes, worker administration, inventory,
// reports and backups.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dchest/captcha"

	"stockroom/auth"
	"stockroom/backup"
	"stockroom/config"
	"stockroom/db"
	"stockroom/i18n"
	"stockroom/logging"
	"stockroom/models"
	"stockroom/notify"
	"stockroom/users"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 10 << 20
	notifyTimeout  = 30 * time.Second
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Mailer sends the notifications the API triggers.
type Mailer interface {
	NotifyPasswordIssued(ctx context.Context, email, fullName, username, tempPassword string) error
	NotifyInventoryChange(ctx context.Context, changes []notify.Change, changedBy string) error
}

// Offsite stores backup snapshots outside the host.
type Offsite interface {
	Upload(ctx context.Context, localPath string) (string, error)
	Download(ctx context.Context, key, dst string) error
}

// Deps are the collaborators of the API. Mailer and Offsite are optional.
type Deps struct {
	Config    *config.Config
	Users     *users.Store
	Inventory *db.InventoryStore
	Sessions  *auth.SessionManager
	Tokens    *auth.TokenIssuer
	Mailer    Mailer
	Offsite   Offsite
	Logger    logging.Logger
}

type Server struct {
	cfg       *config.Config
	users     *users.Store
	inventory *db.InventoryStore
	sessions  *auth.SessionManager
	tokens    *auth.TokenIssuer
	mailer    Mailer
	offsite   Offsite
	log       logging.Logger

	csrfKey      []byte
	loginLimiter *rateLimiter
	setupLimiter *rateLimiter

	newCaptcha    func() string
	verifyCaptcha func(id, solution string) bool
	now           func() time.Time

	wg sync.WaitGroup
}

func NewServer(d Deps) (*Server, error) {
	if d.Config == nil || d.Users == nil || d.Inventory == nil || d.Sessions == nil || d.Tokens == nil {
		return nil, errors.New("handlers: missing required dependency")
	}
	csrfKey, err := auth.DeriveKey(d.Config.SessionKey, "csrf", 32)
	if err != nil {
		return nil, err
	}
	log := d.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		cfg:           d.Config,
		users:         d.Users,
		inventory:     d.Inventory,
		sessions:      d.Sessions,
		tokens:        d.Tokens,
		mailer:        d.Mailer,
		offsite:       d.Offsite,
		log:           log,
		csrfKey:       csrfKey,
		loginLimiter:  newRateLimiter(),
		setupLimiter:  newRateLimiter(),
		newCaptcha:    captcha.New,
		verifyCaptcha: captcha.VerifyString,
		now:           time.Now,
	}, nil
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return SecurityHeadersMiddleware(CORSMiddleware(s.csrfMiddleware(mux)))
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/me", s.authenticated(s.handleMe))
	mux.HandleFunc("GET /api/v1/setup", s.handleSetupStatus)
	mux.HandleFunc("POST /api/v1/setup", s.handleSetup)
	mux.Handle("GET /captcha/", captcha.Server(captcha.StdWidth, captcha.StdHeight))
	mux.HandleFunc("POST /api/v1/password", s.authenticated(s.handleChangePassword))
	mux.HandleFunc("POST /api/v1/profile", s.require("", s.handleUpdateProfile))

	mux.HandleFunc("GET /api/v1/workers", s.require(models.PermViewWorkers, s.handleListWorkers))
	mux.HandleFunc("POST /api/v1/workers", s.require(models.PermManageWorkers, s.handleAddWorker))
	mux.HandleFunc("POST /api/v1/workers/reset", s.require(models.PermManageWorkers, s.handleResetWorker))
	mux.HandleFunc("POST /api/v1/workers/delete", s.require(models.PermManageWorkers, s.handleDeleteWorker))
	mux.HandleFunc("POST /api/v1/workers/permissions", s.require(models.PermManageWorkers, s.handleSetPermissions))

	mux.HandleFunc("GET /api/v1/inventory", s.require(models.PermViewInventory, s.handleListInventory))
	mux.HandleFunc("POST /api/v1/inventory", s.require(models.PermAddInventory, s.handleAddItem))
	mux.HandleFunc("POST /api/v1/inventory/update", s.require(models.PermUpdateInventory, s.handleUpdateItem))
	mux.HandleFunc("POST /api/v1/inventory/quantity", s.require(models.PermUpdateInventory, s.handleUpdateQuantity))
	mux.HandleFunc("POST /api/v1/inventory/delete", s.require(models.PermDeleteInventory, s.handleDeleteItem))
	mux.HandleFunc("GET /api/v1/inventory/export", s.require(models.PermExportData, s.handleExport))
	mux.HandleFunc("POST /api/v1/inventory/import", s.require(models.PermImportData, s.handleImport))

	mux.HandleFunc("GET /api/v1/reports/summary", s.require(models.PermViewReports, s.handleReportSummary))
	mux.HandleFunc("GET /api/v1/analytics", s.require(models.PermViewAnalytics, s.handleAnalytics))

	mux.HandleFunc("POST /api/v1/backups", s.require(models.PermManageBackups, s.handleCreateBackup))
	mux.HandleFunc("POST /api/v1/backups/restore", s.require(models.PermManageBackups, s.handleRestoreBackup))
}

// Wait blocks until background notifications have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// background runs fn detached from the request with its own deadline.
func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func sendJSONResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func sendSuccess(w http.ResponseWriter, r *http.Request, status int, msgKey string, data any) {
	msg := ""
	if msgKey != "" {
		msg = i18n.T(i18n.DetectLanguage(r), msgKey)
	}
	sendJSONResponse(w, status, APIResponse{Status: "success", Message: msg, Data: data})
}

func sendErrorKey(w http.ResponseWriter, r *http.Request, status int, msgKey string) {
	lang := i18n.DetectLanguage(r)
	sendJSONResponse(w, status, APIResponse{Status: "error", Message: i18n.T(lang, msgKey)})
}

// decodeJSON reads a bounded JSON body into v, answering 400 itself on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendErrorKey(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, users.ErrValidation), errors.Is(err, db.ErrInvalidItem), errors.Is(err, db.ErrEmptyCSV):
		return http.StatusBadRequest
	case errors.Is(err, users.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, users.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, users.ErrNotFound), errors.Is(err, db.ErrItemNotFound), errors.Is(err, backup.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendError maps domain errors to status codes and translated messages.
// Unexpected errors are logged and never shown to the client.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	lang := i18n.DetectLanguage(r)
	status := statusFor(err)

	var msg string
	var uerr *users.Error
	switch {
	case errors.As(err, &uerr):
		msg = i18n.T(lang, uerr.Msg)
	case errors.Is(err, db.ErrItemNotFound):
		msg = i18n.T(lang, "ItemNotFound")
	case errors.Is(err, db.ErrEmptyCSV):
		msg = i18n.T(lang, "EmptyOrInvalidCSV")
	case errors.Is(err, backup.ErrObjectNotFound):
		msg = i18n.T(lang, "BackupNotFound")
	case errors.Is(err, db.ErrInvalidItem):
		msg = err.Error()
	default:
		msg = i18n.T(lang, "InternalServerError")
	}
	if status == http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	sendJSONResponse(w, status, APIResponse{Status: "error", Message: msg})
}

// accountView is an account as shown to clients; the hash never leaves the
// server.
type accountView struct {
	Username           string              `json:"username"`
	Role               models.Role         `json:"role"`
	Email              string              `json:"email"`
	FullName           string              `json:"full_name"`
	Active             bool                `json:"active"`
	PasswordChanged    bool                `json:"password_changed"`
	MustChangePassword bool                `json:"must_change_password"`
	Permissions        []models.Permission `json:"permissions"`
	Extra              map[string]any      `json:"extra,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	LastLogin          *time.Time          `json:"last_login"`
	DeletedAt          *time.Time          `json:"deleted_at,omitempty"`
}

func viewOf(a models.Account) accountView {
	return accountView{
		Username:           a.Username,
		Role:               a.Role,
		Email:              a.Email,
		FullName:           a.FullName,
		Active:             a.Active,
		PasswordChanged:    a.PasswordChanged,
		MustChangePassword: a.MustChangePassword(),
		Permissions:        auth.PermissionsFor(a),
		Extra:              a.Extra,
		CreatedAt:          a.CreatedAt,
		LastLogin:          a.LastLogin,
		DeletedAt:          a.DeletedAt,
	}
}
