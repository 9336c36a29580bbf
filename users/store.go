// Package users owns the account document: loading and bootstrapping it,
// authenticating against it, the worker lifecycle, and backup/restore.
//
// Every mutation is applied in memory and then the whole document is written
// back. One Store should be shared per process.
package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"stockroom/auth"
	"stockroom/crypto"
	"stockroom/fsutil"
	"stockroom/logging"
	"stockroom/models"
)

const (
	DefaultAdminUsername = "admin"
	DefaultOwnerUsername = "owner"

	backupTimeLayout = "20060102_150405"
	filePerm         = 0o600
)

type Store struct {
	mu    sync.RWMutex
	path  string
	owner string
	now   func() time.Time
	log   logging.Logger

	accounts    map[string]*models.Account
	quarantined map[string]json.RawMessage
}

type Option func(*Store)

// WithOwnerUsername names the bootstrapped shop-owner account.
func WithOwnerUsername(name string) Option {
	return func(s *Store) {
		if name = strings.TrimSpace(name); name != "" {
			s.owner = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns an empty store bound to path. Call Load before use.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		owner:       DefaultOwnerUsername,
		now:         time.Now,
		log:         logging.Nop(),
		accounts:    make(map[string]*models.Account),
		quarantined: make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Load reads the account document. A missing file, an unreadable file and an
// unparseable file all leave the store bootstrapped; the latter two are
// reported as ErrPersistence so the caller can log them. An unparseable file
// is moved aside before the bootstrap document replaces it.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	s.accounts = make(map[string]*models.Account)
	s.quarantined = make(map[string]json.RawMessage)

	var loadErr error
	persist := true

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Info(ctx, "no user file, creating default accounts", "path", s.path)
	case err != nil:
		// Never overwrite a file we could not read.
		persist = false
		loadErr = persistenceError("Failed to load user data", fmt.Errorf("reading %s: %w", s.path, err))
	default:
		accounts, quarantined, err := decodeDocument(data)
		if err != nil {
			moved := s.quarantineFileLocked()
			loadErr = persistenceError("Failed to load user data", fmt.Errorf("parsing %s (moved to %s): %w", s.path, moved, err))
			break
		}
		s.accounts = accounts
		s.quarantined = quarantined
		for key := range quarantined {
			s.log.Warn(ctx, "quarantined malformed account record", "key", key)
		}
	}

	if len(s.accounts) > 0 {
		return loadErr
	}

	s.bootstrapLocked()
	if !persist {
		return loadErr
	}
	if err := s.saveLocked(); err != nil {
		return errors.Join(loadErr, err)
	}
	return loadErr
}

// bootstrapLocked creates the admin and owner accounts without passwords, so
// that first-time setup is required.
func (s *Store) bootstrapLocked() {
	now := s.now()
	s.accounts[DefaultAdminUsername] = &models.Account{
		Username:  DefaultAdminUsername,
		Role:      models.RoleAdmin,
		FullName:  "System Administrator",
		Active:    true,
		CreatedAt: now,
	}
	s.accounts[s.owner] = &models.Account{
		Username:  s.owner,
		Role:      models.RoleOwner,
		FullName:  "Shop Owner",
		Active:    true,
		CreatedAt: now,
	}
	s.log.Info(context.Background(), "default accounts created, first-time setup required",
		"admin", DefaultAdminUsername, "owner", s.owner)
}

func (s *Store) quarantineFileLocked() string {
	dst := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().Format(backupTimeLayout))
	if err := os.Rename(s.path, dst); err != nil {
		s.log.Error(context.Background(), "could not move unparseable user file aside", "path", s.path, "err", err)
		return ""
	}
	return dst
}

// Quarantined lists the keys of records that failed validation on load.
func (s *Store) Quarantined() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.quarantined))
	for k := range s.quarantined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Save writes the full document. On failure the in-memory state is kept.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := make(map[string]any, len(s.accounts)+len(s.quarantined))
	// Quarantined records are written back untouched unless a live account
	// took the key.
	for k, raw := range s.quarantined {
		if _, live := s.accounts[k]; !live {
			doc[k] = raw
		}
	}
	for k, a := range s.accounts {
		doc[k] = a
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return persistenceError("Failed to save user data", err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(s.path, data, filePerm); err != nil {
		s.log.Error(context.Background(), "saving user file failed", "path", s.path, "err", err)
		return persistenceError("Failed to save user data", err)
	}
	return nil
}

// Authenticate checks credentials with a case-insensitive username match.
// Unknown users, inactive accounts, accounts without a password and wrong
// passwords all fail with the same error. On success last_login is stamped.
func (s *Store) Authenticate(username, password string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.lookupFoldLocked(username)
	if acct == nil || !acct.Active || acct.PasswordHash == "" {
		crypto.VerifyPassword(crypto.DummyHash, password)
		return models.Account{}, errBadCredentials
	}
	if !crypto.VerifyPassword(acct.PasswordHash, password) {
		return models.Account{}, errBadCredentials
	}

	now := s.now()
	acct.LastLogin = &now
	if err := s.saveLocked(); err != nil {
		s.log.Warn(context.Background(), "could not record last login", "username", acct.Username, "err", err)
	}
	return acct.Clone(), nil
}

// CheckPassword re-verifies the password of a known account without
// recording a login. Used before sensitive self-service changes.
func (s *Store) CheckPassword(username, password string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[username]
	if !ok || !acct.Active || acct.PasswordHash == "" {
		crypto.VerifyPassword(crypto.DummyHash, password)
		return errBadCredentials
	}
	if !crypto.VerifyPassword(acct.PasswordHash, password) {
		return errBadCredentials
	}
	return nil
}

// lookupFoldLocked prefers an exact key, then the first case-insensitive
// match in sorted key order.
func (s *Store) lookupFoldLocked(username string) *models.Account {
	if a, ok := s.accounts[username]; ok {
		return a
	}
	keys := make([]string, 0, len(s.accounts))
	for k := range s.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, username) {
			return s.accounts[k]
		}
	}
	return nil
}

// Get returns a copy of the account stored under the exact username.
func (s *Store) Get(username string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok {
		return models.Account{}, errUserNotFound
	}
	return a.Clone(), nil
}

func (s *Store) UserExists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[username]
	return ok
}

// All returns every account, deactivated ones included, sorted by username.
func (s *Store) All() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(*models.Account) bool { return true })
}

// Workers returns the active worker accounts sorted by username.
func (s *Store) Workers() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(a *models.Account) bool {
		return a.Role == models.RoleWorker && a.Active
	})
}

// SetupPending lists admin and owner accounts that still have no password.
func (s *Store) SetupPending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, a := range s.collectLocked(func(a *models.Account) bool {
		return a.Role != models.RoleWorker && a.Active && a.SetupPending()
	}) {
		names = append(names, a.Username)
	}
	return names
}

func (s *Store) collectLocked(keep func(*models.Account) bool) []models.Account {
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.Account) int { return strings.Compare(a.Username, b.Username) })
	return out
}

// Counts is the number of active accounts per role.
type Counts struct {
	Admin  int `json:"admin"`
	Owner  int `json:"owner"`
	Worker int `json:"worker"`
	Total  int `json:"total"`
}

func (s *Store) CountByRole() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, a := range s.accounts {
		if !a.Active {
			continue
		}
		switch a.Role {
		case models.RoleAdmin:
			c.Admin++
		case models.RoleOwner:
			c.Owner++
		case models.RoleWorker:
			c.Worker++
		}
		c.Total++
	}
	return c
}

// HasPermission resolves perm for the account stored under username.
// Unknown and deactivated accounts hold nothing.
func (s *Store) HasPermission(username string, perm models.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[username]
	if !ok || !a.Active {
		return false
	}
	return auth.Can(*a, perm)
}

// Backup writes a snapshot of the live accounts. With an empty path the file
// is placed next to the user file with a timestamp suffix. It returns the
// path written.
func (s *Store) Backup(path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		path = fmt.Sprintf("%s.backup_%s", s.path, s.now().Format(backupTimeLayout))
	}
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return "", persistenceError("Failed to create backup", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), filePerm); err != nil {
		return "", persistenceError("Failed to create backup", err)
	}
	s.log.Info(context.Background(), "user backup written", "path", path, "accounts", len(s.accounts))
	return path, nil
}

// Restore overlays the accounts of a backup onto the live store, the backup
// winning on conflicts, and persists the result. A backup with any malformed
// record is rejected as a whole.
func (s *Store) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Error{Kind: ErrNotFound, Msg: "Backup file not found", Err: err}
		}
		return persistenceError("Failed to read backup", err)
	}
	restored, quarantined, err := decodeDocument(data)
	if err != nil {
		return &Error{Kind: ErrValidation, Msg: "Invalid backup file", Err: err}
	}
	if len(quarantined) > 0 {
		keys := make([]string, 0, len(quarantined))
		for k := range quarantined {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return newError(ErrValidation, fmt.Sprintf("Invalid backup file: malformed account %q", keys[0]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProtectedLocked(restored); err != nil {
		return err
	}

	prevAccounts := make(map[string]*models.Account, len(restored))
	prevQuarantined := make(map[string]json.RawMessage)
	for k, a := range restored {
		if cur, ok := s.accounts[k]; ok {
			prevAccounts[k] = cur
		}
		if raw, ok := s.quarantined[k]; ok {
			prevQuarantined[k] = raw
		}
		s.accounts[k] = a
		delete(s.quarantined, k)
	}
	if err := s.saveLocked(); err != nil {
		for k := range restored {
			if prev, ok := prevAccounts[k]; ok {
				s.accounts[k] = prev
			} else {
				delete(s.accounts, k)
			}
			if raw, ok := prevQuarantined[k]; ok {
				s.quarantined[k] = raw
			}
		}
		return err
	}
	s.log.Info(context.Background(), "user backup restored", "path", path, "accounts", len(restored))
	return nil
}

// checkProtectedLocked refuses backup records that would demote or deactivate
// the admin or owner account.
func (s *Store) checkProtectedLocked(restored map[string]*models.Account) error {
	protected := map[string]models.Role{
		DefaultAdminUsername: models.RoleAdmin,
		s.owner:              models.RoleOwner,
	}
	for k, a := range s.accounts {
		if a.Role == models.RoleAdmin || a.Role == models.RoleOwner {
			protected[k] = a.Role
		}
	}

	keys := make([]string, 0, len(protected))
	for k := range protected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a, ok := restored[k]
		if !ok {
			continue
		}
		if a.Role != protected[k] || !a.Active {
			return newError(ErrValidation, fmt.Sprintf("Invalid backup file: account %q must stay an active %s", k, protected[k]))
		}
	}
	return nil
}

// decodeDocument parses the keyed document or the legacy array form. Records
// that fail validation are returned separately, keyed as found.
func decodeDocument(data []byte) (map[string]*models.Account, map[string]json.RawMessage, error) {
	accounts := make(map[string]*models.Account)
	quarantined := make(map[string]json.RawMessage)

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return accounts, quarantined, nil
	}

	raw := make(map[string]json.RawMessage)
	if data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, nil, err
		}
		for i, rec := range list {
			var probe struct {
				Username string `json:"username"`
			}
			if err := json.Unmarshal(rec, &probe); err != nil || probe.Username == "" {
				quarantined[fmt.Sprintf("#%d", i)] = rec
				continue
			}
			raw[probe.Username] = rec
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	for key, rec := range raw {
		a, err := decodeAccount(key, rec)
		if err != nil {
			quarantined[key] = rec
			continue
		}
		accounts[key] = a
	}
	return accounts, quarantined, nil
}

func decodeAccount(key string, rec json.RawMessage) (*models.Account, error) {
	var a models.Account
	if err := json.Unmarshal(normalizeLegacyTimes(rec), &a); err != nil {
		return nil, err
	}
	if a.Username == "" {
		a.Username = key
	}
	if a.Username != key {
		return nil, fmt.Errorf("record key %q does not match username %q", key, a.Username)
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("account %q has no valid role", key)
	}
	// A malformed password_hash is kept as is: it never verifies, and it must
	// not turn an account back into one awaiting first-time setup.
	return &a, nil
}

var timeFields = []string{"created_at", "last_login", "last_password_change", "deleted_at"}

// normalizeLegacyTimes rewrites zone-less ISO timestamps written by older
// versions into RFC 3339 in local time.
func normalizeLegacyTimes(rec json.RawMessage) json.RawMessage {
	var fields map[string]any
	if err := json.Unmarshal(rec, &fields); err != nil {
		return rec
	}
	changed := false
	for _, f := range timeFields {
		v, ok := fields[f].(string)
		if !ok {
			continue
		}
		if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
			continue
		}
		if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", v, time.Local); err == nil {
			fields[f] = t.Format(time.RFC3339Nano)
			changed = true
		}
	}
	if !changed {
		return rec
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return rec
	}
	return out
}
