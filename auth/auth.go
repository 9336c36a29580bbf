package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"

	"stockroom/models"
)

const SessionName = "stockroom-session"

const sessionMaxAge = 86400 * 7 // 7 days

var ErrNoSession = errors.New("no active session")

// DeriveKey expands the configured session secret into an n-byte key bound
// to purpose. Different purposes never share key material.
func DeriveKey(secret, purpose string, n int) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("empty session secret")
	}
	key := make([]byte, n)
	r := hkdf.New(sha256.New, []byte(secret), []byte("stockroom"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return key, nil
}

// Identity is what a browser session remembers about the signed-in user.
// Handlers re-check it against the live account on every request.
type Identity struct {
	Username           string
	Role               models.Role
	MustChangePassword bool
	IssuedAt           time.Time
}

// IssuedBefore reports whether the session predates ts at second precision.
func (id Identity) IssuedBefore(ts *time.Time) bool {
	return ts != nil && id.IssuedAt.Before(ts.Truncate(time.Second))
}

// SessionManager keeps the signed and encrypted session cookie.
type SessionManager struct {
	store *sessions.CookieStore
}

func NewSessionManager(secret string, secure bool) (*SessionManager, error) {
	authKey, err := DeriveKey(secret, "session-auth", 32)
	if err != nil {
		return nil, err
	}
	encKey, err := DeriveKey(secret, "session-encryption", 32)
	if err != nil {
		return nil, err
	}

	store := sessions.NewCookieStore(authKey, encKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionManager{store: store}, nil
}

// Identity returns the session's user. A missing, expired or tampered cookie
// yields ErrNoSession.
func (m *SessionManager) Identity(r *http.Request) (Identity, error) {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		return Identity{}, ErrNoSession
	}
	username, ok := session.Values["username"].(string)
	if !ok || username == "" {
		return Identity{}, ErrNoSession
	}
	role, _ := session.Values["role"].(string)
	mustChange, _ := session.Values["must_change"].(bool)
	issued, _ := session.Values["issued_at"].(int64)
	return Identity{
		Username:           username,
		Role:               models.Role(role),
		MustChangePassword: mustChange,
		IssuedAt:           time.Unix(issued, 0),
	}, nil
}

func (m *SessionManager) Set(w http.ResponseWriter, r *http.Request, acct models.Account) error {
	session, _ := m.store.Get(r, SessionName)
	session.Values["username"] = acct.Username
	session.Values["role"] = string(acct.Role)
	session.Values["must_change"] = acct.MustChangePassword()
	session.Values["issued_at"] = time.Now().Unix()
	session.Options.MaxAge = sessionMaxAge
	return session.Save(r, w)
}

func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.store.Get(r, SessionName)
	session.Values = map[any]any{}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
