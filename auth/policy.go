package auth

import (
	"slices"

	"stockroom/models"
)

// DefaultWorkerPermissions is granted to every new worker account.
var DefaultWorkerPermissions = models.PermissionSet{
	models.PermViewInventory,
	models.PermUpdateInventory,
}

var ownerPermissions = models.PermissionSet{
	models.PermViewInventory,
	models.PermViewReports,
	models.PermViewWorkers,
	models.PermExportData,
	models.PermViewAnalytics,
}

// PermissionsFor resolves the effective permission set of an account. Admin
// and owner derive it from the role; workers use their own list; anything
// else gets nothing.
func PermissionsFor(acct models.Account) models.PermissionSet {
	switch acct.Role {
	case models.RoleAdmin:
		return slices.Clone(models.PermissionSet(models.AllPermissions))
	case models.RoleOwner:
		return slices.Clone(ownerPermissions)
	case models.RoleWorker:
		return slices.Clone(models.PermissionSet(acct.Permissions))
	default:
		return models.PermissionSet{}
	}
}

// Can reports whether acct holds perm. Admin holds every permission,
// including ones the application does not know about.
func Can(acct models.Account, perm models.Permission) bool {
	if acct.Role == models.RoleAdmin {
		return true
	}
	return PermissionsFor(acct).Has(perm)
}
