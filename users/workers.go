package users

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"stockroom/auth"
	"stockroom/crypto"
	"stockroom/models"
)

var (
	errUserNotFound   = newError(ErrNotFound, "User not found")
	errUsernameTaken  = newError(ErrConflict, "Username already exists")
	errNotWorker      = newError(ErrForbidden, "Can only reset worker passwords")
	errProtected      = newError(ErrForbidden, "Admin and owner accounts cannot be deleted")
	errAlreadySetUp   = newError(ErrForbidden, "Account is already set up")
	errSetupRole      = newError(ErrForbidden, "Only admin and owner accounts use first-time setup")
	errPermsNotWorker = newError(ErrForbidden, "Permissions can only be set for workers")
)

// Fields that update_profile never touches.
var (
	protectedFields    = []string{"username", "password_hash", "role", "created_at"}
	storeManagedFields = []string{"active", "password_changed", "permissions", "extra",
		"last_login", "last_password_change", "deleted_at"}
)

// AddWorker creates an active worker account with a temporary password and
// the default permissions. The plaintext password is returned once and is
// not retrievable afterwards.
func (s *Store) AddWorker(username, email, fullName string) (string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	fullName = strings.TrimSpace(fullName)

	switch {
	case username == "":
		return "", newError(ErrValidation, "Username is required")
	case !validEmail(email):
		return "", newError(ErrValidation, "Valid email is required")
	case fullName == "":
		return "", newError(ErrValidation, "Full name is required")
	}

	temp, hash, err := newTempCredential()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[username]; exists {
		return "", errUsernameTaken
	}
	if _, exists := s.quarantined[username]; exists {
		return "", errUsernameTaken
	}

	s.accounts[username] = &models.Account{
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleWorker,
		Email:        email,
		FullName:     fullName,
		Active:       true,
		Permissions:  slices.Clone(auth.DefaultWorkerPermissions),
		CreatedAt:    s.now(),
	}
	if err := s.saveLocked(); err != nil {
		// The temporary password is never handed out, so keep nothing.
		delete(s.accounts, username)
		return "", err
	}

	s.log.Info(context.Background(), "worker added", "username", username)
	return temp, nil
}

// ResetWorkerPassword issues a new temporary password for a worker and
// requires them to change it again.
func (s *Store) ResetWorkerPassword(username string) (string, error) {
	temp, hash, err := newTempCredential()
	if err != nil {
		return "", err
	}

	err = s.mutate(username, func(a *models.Account) error {
		if a.Role != models.RoleWorker {
			return errNotWorker
		}
		now := s.now()
		a.PasswordHash = hash
		a.PasswordChanged = false
		a.LastPasswordChange = &now
		return nil
	})
	if err != nil {
		return "", err
	}

	s.log.Info(context.Background(), "worker password reset", "username", username)
	return temp, nil
}

// ChangePassword sets a new password. For workers this clears the
// must-change-password requirement.
func (s *Store) ChangePassword(username, newPassword string) error {
	if _, err := crypto.ValidatePassword(newPassword); err != nil {
		return &Error{Kind: ErrValidation, Msg: capitalize(err.Error()), Err: err}
	}
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return s.mutate(username, func(a *models.Account) error {
		now := s.now()
		a.PasswordHash = hash
		if a.Role == models.RoleWorker {
			a.PasswordChanged = true
		}
		a.LastPasswordChange = &now
		return nil
	})
}

// SetupPassword sets the first password of a bootstrapped admin or owner
// account. It refuses accounts that already have one.
func (s *Store) SetupPassword(username, password string) error {
	if _, err := crypto.ValidatePassword(password); err != nil {
		return &Error{Kind: ErrValidation, Msg: capitalize(err.Error()), Err: err}
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	err = s.mutate(username, func(a *models.Account) error {
		if a.Role != models.RoleAdmin && a.Role != models.RoleOwner {
			return errSetupRole
		}
		if !a.SetupPending() {
			return errAlreadySetUp
		}
		now := s.now()
		a.PasswordHash = hash
		a.PasswordChanged = true
		a.LastPasswordChange = &now
		return nil
	})
	if err == nil {
		s.log.Info(context.Background(), "first-time setup completed", "username", username)
	}
	return err
}

// DeleteWorker deactivates a worker. The record is kept; admin and owner
// accounts can never be deleted.
func (s *Store) DeleteWorker(username string) error {
	err := s.mutate(username, func(a *models.Account) error {
		if a.Role != models.RoleWorker {
			return errProtected
		}
		if !a.Active {
			return nil
		}
		now := s.now()
		a.Active = false
		a.DeletedAt = &now
		return nil
	})
	if err == nil {
		s.log.Info(context.Background(), "worker deactivated", "username", username)
	}
	return err
}

// UpdateProfile applies contact updates. Protected and store-managed fields
// are ignored; email and full_name are validated; any other key is kept in
// the account's extra attributes.
func (s *Store) UpdateProfile(username string, fields map[string]any) error {
	return s.mutate(username, func(a *models.Account) error {
		staged := a.Clone()
		for key, value := range fields {
			if slices.Contains(protectedFields, key) || slices.Contains(storeManagedFields, key) {
				continue
			}
			switch key {
			case "email":
				email, ok := value.(string)
				email = strings.TrimSpace(email)
				if !ok || !validEmail(email) {
					return newError(ErrValidation, "Valid email is required")
				}
				staged.Email = email
			case "full_name":
				name, ok := value.(string)
				name = strings.TrimSpace(name)
				if !ok || name == "" {
					return newError(ErrValidation, "Full name is required")
				}
				staged.FullName = name
			default:
				if staged.Extra == nil {
					staged.Extra = make(map[string]any)
				}
				staged.Extra[key] = value
			}
		}
		*a = staged
		return nil
	})
}

// SetPermissions replaces a worker's permission list. Duplicates are dropped
// keeping the first occurrence.
func (s *Store) SetPermissions(username string, perms []models.Permission) error {
	clean := make([]models.Permission, 0, len(perms))
	for _, p := range perms {
		if !p.Known() {
			return newError(ErrValidation, fmt.Sprintf("Unknown permission %q", p))
		}
		if !slices.Contains(clean, p) {
			clean = append(clean, p)
		}
	}

	return s.mutate(username, func(a *models.Account) error {
		if a.Role != models.RoleWorker {
			return errPermsNotWorker
		}
		a.Permissions = clean
		return nil
	})
}

// mutate applies fn to the account under the exact username and persists.
// If fn or the save fails the account is left as it was.
func (s *Store) mutate(username string, fn func(a *models.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[username]
	if !ok {
		return errUserNotFound
	}
	before := a.Clone()
	if err := fn(a); err != nil {
		*a = before
		return err
	}
	if err := s.saveLocked(); err != nil {
		*a = before
		return err
	}
	return nil
}

func newTempCredential() (temp, hash string, err error) {
	temp, err = crypto.GenerateTempPassword()
	if err != nil {
		return "", "", err
	}
	hash, err = crypto.HashPassword(temp)
	if err != nil {
		return "", "", fmt.Errorf("hashing temporary password: %w", err)
	}
	return temp, hash, nil
}

func validEmail(email string) bool {
	return email != "" && strings.Contains(email, "@")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// IsPersistence reports whether err is a save/load failure rather than a
// problem with the request.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
