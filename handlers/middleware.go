package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/csrf"

	"stockroom/auth"
	"stockroom/i18n"
	"stockroom/models"
)

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; frame-ancestors 'none'")
		// Responses carry account and stock data; captcha images are single use.
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// API clients authenticate with bearer tokens, which browsers never
		// attach on their own, so any origin may call the API.
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-CSRF-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Paths that establish a session rather than use one.
var csrfExemptPaths = map[string]bool{
	"/api/v1/login": true,
	"/api/v1/setup": true,
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// csrfMiddleware protects cookie-authenticated requests. Bearer requests
// carry no ambient credentials and skip the check. The current token is
// returned in the X-CSRF-Token response header.
func (s *Server) csrfMiddleware(next http.Handler) http.Handler {
	protect := csrf.Protect(s.csrfKey,
		csrf.Secure(s.cfg.SecureCookies),
		csrf.Path("/"),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.log.Warn(r.Context(), "csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
			lang := i18n.DetectLanguage(r)
			sendJSONResponse(w, http.StatusForbidden, APIResponse{Status: "error", Message: i18n.T(lang, "Forbidden")})
		})),
	)
	withToken := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Exempt requests skip token generation entirely.
		if token := csrf.Token(r); token != "" {
			w.Header().Set("X-CSRF-Token", token)
		}
		next.ServeHTTP(w, r)
	})
	protected := protect(withToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.cfg.SecureCookies {
			r = csrf.PlaintextHTTPRequest(r)
		}
		if csrfExemptPaths[r.URL.Path] {
			r = csrf.UnsafeSkipCheck(r)
		}
		protected.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, acct models.Account)

// identify resolves the caller from a bearer token or the session cookie and
// re-reads the live account. Deactivated accounts and credentials issued
// before the last password change are refused.
func (s *Server) identify(r *http.Request) (models.Account, bool) {
	if raw := bearerToken(r); raw != "" {
		claims, err := s.tokens.Parse(raw)
		if err != nil {
			return models.Account{}, false
		}
		acct, err := s.users.Get(claims.Subject)
		if err != nil || !acct.Active || claims.IssuedBefore(acct.LastPasswordChange) {
			return models.Account{}, false
		}
		return acct, true
	}

	id, err := s.sessions.Identity(r)
	if err != nil {
		return models.Account{}, false
	}
	acct, err := s.users.Get(id.Username)
	if err != nil || !acct.Active || id.IssuedBefore(acct.LastPasswordChange) {
		return models.Account{}, false
	}
	return acct, true
}

// authenticated requires any signed-in user, including one who still has to
// change a temporary password.
func (s *Server) authenticated(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := s.identify(r)
		if !ok {
			lang := i18n.DetectLanguage(r)
			sendJSONResponse(w, http.StatusUnauthorized, APIResponse{Status: "error", Message: i18n.T(lang, "Unauthorized")})
			return
		}
		h(w, r, acct)
	}
}

// require additionally enforces the password-change gate and perm. An
// empty perm only applies the gate.
func (s *Server) require(perm models.Permission, h authedHandler) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, acct models.Account) {
		lang := i18n.DetectLanguage(r)
		if acct.MustChangePassword() {
			sendJSONResponse(w, http.StatusForbidden, APIResponse{Status: "error", Message: i18n.T(lang, "PasswordChangeRequired")})
			return
		}
		if perm != "" && !auth.Can(acct, perm) {
			s.log.Info(r.Context(), "permission denied", "username", acct.Username, "permission", perm)
			sendJSONResponse(w, http.StatusForbidden, APIResponse{Status: "error", Message: i18n.T(lang, "Forbidden")})
			return
		}
		h(w, r, acct)
	})
}
