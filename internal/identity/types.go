package identity

import "time"

// Account represents a person or service able to authenticate.
type Account struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	IsActive     bool
	IsStaff      bool
	IsSuperuser  bool
	DateJoined   time.Time
	LastLogin    *time.Time
}

// Group bundles permissions assigned to its members.
type Group struct {
	ID          string
	Name        string
	Permissions []Permission
}

// Permission is a fine-grained capability identified by resource.code.
type Permission struct {
	ID       string
	Code     string
	Name     string
	Resource string
}

// Key returns the canonical "resource.code" form used in aggregated sets.
func (p Permission) Key() string {
	return p.Resource + "." + p.Code
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username        string
	Email           string
	Phone           string
	Password        string
	ConfirmPassword string
}

// CreateAccountInput carries the fields accepted when an operator
// provisions an account directly, bypassing self-registration. Groups
// and DirectPermissions name ids to attach at creation.
type CreateAccountInput struct {
	RegisterInput
	IsActive          *bool
	IsStaff           bool
	IsSuperuser       bool
	Groups            []string
	DirectPermissions []string
}

// AccountUpdate is a partial update; nil fields are left unchanged.
// Groups and DirectPermissions, when non-nil, replace the account's
// memberships and direct grants atomically with the rest of the update.
type AccountUpdate struct {
	Username          *string
	Email             *string
	Phone             *string
	Password          *string
	IsActive          *bool
	IsStaff           *bool
	IsSuperuser       *bool
	Groups            *[]string
	DirectPermissions *[]string
}

// GroupUpdate is a partial group update. A non-nil empty Permissions
// slice clears every permission; nil leaves the set unchanged.
type GroupUpdate struct {
	Name        *string
	Permissions *[]string
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	Search      string
	IsActive    *bool
	IsStaff     *bool
	IsSuperuser *bool
	Status      string
	Role        string
	StartDate   *time.Time
	EndDate     *time.Time
	Page        int
	PageSize    int
}

// GroupFilter narrows group listings.
type GroupFilter struct {
	Search        string
	PermissionIDs []string
	Page          int
	PageSize      int
}

// Page wraps a listing with its total size before pagination.
type Page[T any] struct {
	Items []T
	Total int
}

// RoleLabel derives the display-only role classification from the
// account's flags. Not a stored field.
func RoleLabel(a Account) string {
	switch {
	case a.IsSuperuser:
		return "Admin"
	case a.IsStaff:
		return "Staff"
	default:
		return "User"
	}
}

// StatusLabel derives the display-only status from the active flag.
func StatusLabel(a Account) string {
	if a.IsActive {
		return "Active"
	}
	return "Inactive"
}
