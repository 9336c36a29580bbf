package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockroom/auth"
	"stockroom/backup"
	"stockroom/config"
	"stockroom/db"
	"stockroom/notify"
	"stockroom/users"
)

const (
	adminPass = "adminpass"
	ownerPass = "ownerpass"
	testIP    = "192.0.2.10"
)

type fakeMailer struct {
	mu      sync.Mutex
	issued  []string
	changes [][]notify.Change
	err     error
}

func (m *fakeMailer) NotifyPasswordIssued(_ context.Context, email, _, username, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.issued = append(m.issued, username+" <"+email+">")
	return nil
}

func (m *fakeMailer) NotifyInventoryChange(_ context.Context, changes []notify.Change, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, changes)
	return m.err
}

// fakeOffsite keeps uploaded snapshots in memory.
type fakeOffsite struct {
	objects map[string][]byte
}

func (f *fakeOffsite) Upload(_ context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := "stockroom/" + filepath.Base(localPath)
	f.objects[key] = data
	return key, nil
}

func (f *fakeOffsite) Download(_ context.Context, key, dst string) error {
	data, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", backup.ErrObjectNotFound, key)
	}
	return os.WriteFile(dst, data, 0o600)
}

type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	srv     *Server
	handler http.Handler
	users   *users.Store
	items   *db.InventoryStore
	mailer  *fakeMailer
	offsite *fakeOffsite

	mu  sync.Mutex
	now time.Time
}

// newBareEnv builds a server over freshly bootstrapped accounts; admin and
// owner still need first-time setup.
func newBareEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.SessionKey = "test-session-key-for-handler-tests"
	cfg.Backup.Dir = filepath.Join(dir, "backups")

	env := &testEnv{
		t:       t,
		cfg:     cfg,
		mailer:  &fakeMailer{},
		offsite: &fakeOffsite{objects: map[string][]byte{}},
		now:     time.Now().Add(-time.Hour),
	}

	store := users.New(filepath.Join(dir, "users.json"), users.WithClock(env.clock))
	require.NoError(t, store.Load())

	conn, err := db.Open(filepath.Join(dir, "stockroom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sessions, err := auth.NewSessionManager(cfg.SessionKey, false)
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer(cfg.SessionKey, time.Hour)
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Config:    cfg,
		Users:     store,
		Inventory: db.NewInventoryStore(conn),
		Sessions:  sessions,
		Tokens:    tokens,
		Mailer:    env.mailer,
		Offsite:   env.offsite,
	})
	require.NoError(t, err)
	srv.newCaptcha = func() string { return "cap-1" }
	srv.verifyCaptcha = func(id, solution string) bool { return id == "cap-1" && solution == "424242" }

	env.srv = srv
	env.handler = srv.Handler()
	env.users = store
	env.items = srv.inventory
	return env
}

func newTestEnv(t *testing.T) *testEnv {
	env := newBareEnv(t)
	require.NoError(t, env.users.SetupPassword("admin", adminPass))
	require.NoError(t, env.users.SetupPassword("owner", ownerPass))
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) setClock(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = t
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) request(method, path string, body any, token string) *http.Request {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = testIP + ":40000"
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.serve(e.request(method, path, body, token))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data), string(env.Data))
	}
	return env
}

func (e *testEnv) login(username, password string) string {
	e.t.Helper()
	rec := e.do("POST", "/api/v1/login", map[string]string{"username": username, "password": password}, "")
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var res loginResult
	decode(e.t, rec, &res)
	require.NotEmpty(e.t, res.Token)
	return res.Token
}

// addWorker creates a worker through the API and returns the temporary
// password.
func (e *testEnv) addWorker(adminToken, username string) string {
	e.t.Helper()
	rec := e.do("POST", "/api/v1/workers", map[string]string{
		"username":  username,
		"email":     username + "@shop.test",
		"full_name": "Worker " + username,
	}, adminToken)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var res credentialResult
	decode(e.t, rec, &res)
	return res.TempPassword
}

// activeWorker creates a worker who has already replaced the temporary
// password, and returns their token.
func (e *testEnv) activeWorker(adminToken, username string) string {
	e.t.Helper()
	temp := e.addWorker(adminToken, username)
	token := e.login(username, temp)
	rec := e.do("POST", "/api/v1/password", map[string]string{
		"current_password": temp,
		"new_password":     "workerpass",
	}, token)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var res loginResult
	decode(e.t, rec, &res)
	return res.Token
}

// cookieJar carries response cookies into later requests by name.
type cookieJar map[string]*http.Cookie

func (j cookieJar) update(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		j[c.Name] = c
	}
}

func (j cookieJar) apply(req *http.Request) *http.Request {
	for _, c := range j {
		req.AddCookie(c)
	}
	return req
}
