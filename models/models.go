package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleWorker Role = "worker"
)

// ParseRole accepts only the three known roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleOwner, RoleWorker:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Permission string

const (
	PermViewInventory   Permission = "view_inventory"
	PermUpdateInventory Permission = "update_inventory"
	PermAddInventory    Permission = "add_inventory"
	PermDeleteInventory Permission = "delete_inventory"
	PermViewReports     Permission = "view_reports"
	PermViewWorkers     Permission = "view_workers"
	PermManageWorkers   Permission = "manage_workers"
	PermExportData      Permission = "export_data"
	PermImportData      Permission = "import_data"
	PermViewAnalytics   Permission = "view_analytics"
	PermManageBackups   Permission = "manage_backups"
)

// AllPermissions lists every capability the application checks, in display order.
var AllPermissions = []Permission{
	PermViewInventory,
	PermUpdateInventory,
	PermAddInventory,
	PermDeleteInventory,
	PermViewReports,
	PermViewWorkers,
	PermManageWorkers,
	PermExportData,
	PermImportData,
	PermViewAnalytics,
	PermManageBackups,
}

func (p Permission) Known() bool {
	return slices.Contains(AllPermissions, p)
}

// PermissionSet is an ordered set of permissions.
type PermissionSet []Permission

func (s PermissionSet) Has(p Permission) bool {
	return slices.Contains(s, p)
}

// Account is one entry of the user document. Timestamps are owned by the
// user store; callers never set them directly.
type Account struct {
	Username           string         `json:"username"`
	PasswordHash       string         `json:"password_hash"`
	Role               Role           `json:"role"`
	Email              string         `json:"email"`
	FullName           string         `json:"full_name"`
	Active             bool           `json:"active"`
	PasswordChanged    bool           `json:"password_changed"`
	Permissions        []Permission   `json:"permissions,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastLogin          *time.Time     `json:"last_login"`
	LastPasswordChange *time.Time     `json:"last_password_change,omitempty"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
}

// SetupPending reports whether the account still waits for its first password.
func (a Account) SetupPending() bool {
	return a.PasswordHash == ""
}

// MustChangePassword is true for workers still holding an admin-issued password.
func (a Account) MustChangePassword() bool {
	return a.Role == RoleWorker && !a.PasswordChanged
}

// Clone returns a deep copy so callers cannot mutate store state.
func (a Account) Clone() Account {
	c := a
	c.Permissions = slices.Clone(a.Permissions)
	if a.Extra != nil {
		c.Extra = make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	c.LastLogin = cloneTime(a.LastLogin)
	c.LastPasswordChange = cloneTime(a.LastPasswordChange)
	c.DeletedAt = cloneTime(a.DeletedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// accountJSON mirrors Account but tolerates a missing "active" flag, which
// older documents omit and which means active.
type accountJSON struct {
	Username           string         `json:"username"`
	PasswordHash       string         `json:"password_hash"`
	Role               Role           `json:"role"`
	Email              string         `json:"email"`
	FullName           string         `json:"full_name"`
	Active             *bool          `json:"active"`
	PasswordChanged    bool           `json:"password_changed"`
	Permissions        []Permission   `json:"permissions,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastLogin          *time.Time     `json:"last_login"`
	LastPasswordChange *time.Time     `json:"last_password_change,omitempty"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
}

func (a *Account) UnmarshalJSON(b []byte) error {
	var raw accountJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	active := true
	if raw.Active != nil {
		active = *raw.Active
	}
	*a = Account{
		Username:           raw.Username,
		PasswordHash:       raw.PasswordHash,
		Role:               raw.Role,
		Email:              raw.Email,
		FullName:           raw.FullName,
		Active:             active,
		PasswordChanged:    raw.PasswordChanged,
		Permissions:        raw.Permissions,
		Extra:              raw.Extra,
		CreatedAt:          raw.CreatedAt,
		LastLogin:          raw.LastLogin,
		LastPasswordChange: raw.LastPasswordChange,
		DeletedAt:          raw.DeletedAt,
	}
	return a.collectUnknown(b)
}

var accountFields = []string{"username", "password_hash", "role", "email", "full_name", "active",
	"password_changed", "permissions", "extra", "created_at", "last_login",
	"last_password_change", "deleted_at"}

// collectUnknown moves top-level keys written by older versions (such as a
// "phone" set through the profile form) into Extra. An explicit extra entry
// of the same name wins.
func (a *Account) collectUnknown(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for key, value := range fields {
		if slices.Contains(accountFields, key) {
			continue
		}
		if _, set := a.Extra[key]; set {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if a.Extra == nil {
			a.Extra = make(map[string]any)
		}
		a.Extra[key] = v
	}
	return nil
}

// Item is a stock item in the shop inventory.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Size        string    `json:"size"`
	Color       string    `json:"color"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	LastUpdated time.Time `json:"last_updated"`
	UpdatedBy   string    `json:"updated_by"`
}

// InventoryDocument is the whole inventory as exchanged with clients.
type InventoryDocument struct {
	Items []Item `json:"items"`
}
