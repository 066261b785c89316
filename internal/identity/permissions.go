package identity

const (
	PermManageAccounts    = "directory.account.manage"
	PermManageGroups      = "directory.group.manage"
	PermManagePermissions = "directory.permission.manage"
	PermViewDirectory     = "directory.view"
)

// BuiltinPermissions is the catalog seeded at startup.
var BuiltinPermissions = []Permission{
	{Resource: "directory", Code: "account.manage", Name: "Manage accounts"},
	{Resource: "directory", Code: "group.manage", Name: "Manage permission groups"},
	{Resource: "directory", Code: "permission.manage", Name: "Manage the permission catalog"},
	{Resource: "directory", Code: "view", Name: "View the directory"},
}
