package identity

import (
	"context"
	"time"
)

// DirectoryStore describes persistence operations required by the
// identity subsystem. Implementations must enforce case-insensitive
// uniqueness of username, email, and phone, and must apply membership
// and grant replacements atomically with the surrounding update.
type DirectoryStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	FindAccount(ctx context.Context, id string) (Account, error)
	// FindAccountByLogin resolves a single login string against the
	// username, email, and phone columns under case folding.
	FindAccountByLogin(ctx context.Context, login string) (Account, error)
	ListAccounts(ctx context.Context, f AccountFilter) (Page[Account], error)
	UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (Account, error)
	DeleteAccount(ctx context.Context, id string) error
	// RecordLogin persists the last-login instant. Last write wins
	// under concurrent logins.
	RecordLogin(ctx context.Context, id string, at time.Time) error

	AccountGroups(ctx context.Context, accountID string) ([]Group, error)
	AccountDirectPermissions(ctx context.Context, accountID string) ([]Permission, error)
	// EffectivePermissions returns the distinct union of direct
	// grants and group-inherited grants as resource.code keys,
	// computed in a single query.
	EffectivePermissions(ctx context.Context, accountID string) ([]string, error)

	CreateGroup(ctx context.Context, g *Group, permissionIDs []string) error
	FindGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context, f GroupFilter) (Page[Group], error)
	UpdateGroup(ctx context.Context, id string, upd GroupUpdate) (Group, error)
	DeleteGroup(ctx context.Context, id string) error

	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermissions(ctx context.Context, perms []Permission) error
}
