package auth

// DefaultGuard is the guard scope applied when a request does not name one.
const DefaultGuard = "api"

const (
	PermPostsView    = "posts.view"
	PermPostsCreate  = "posts.create"
	PermPostsEdit    = "posts.edit"
	PermPostsDelete  = "posts.delete"
	PermPostsPublish = "posts.publish"

	PermUsersView   = "users.view"
	PermUsersManage = "users.manage"

	PermRolesManage       = "roles.manage"
	PermPermissionsManage = "permissions.manage"
	PermSettingsManage    = "settings.manage"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// BuiltinPermissions is the capability catalog ensured at startup.
var BuiltinPermissions = []Permission{
	{Name: PermPostsView, GuardName: DefaultGuard},
	{Name: PermPostsCreate, GuardName: DefaultGuard},
	{Name: PermPostsEdit, GuardName: DefaultGuard},
	{Name: PermPostsDelete, GuardName: DefaultGuard},
	{Name: PermPostsPublish, GuardName: DefaultGuard},
	{Name: PermUsersView, GuardName: DefaultGuard},
	{Name: PermUsersManage, GuardName: DefaultGuard},
	{Name: PermRolesManage, GuardName: DefaultGuard},
	{Name: PermPermissionsManage, GuardName: DefaultGuard},
	{Name: PermSettingsManage, GuardName: DefaultGuard},
}

// DefaultUserPermissions is granted to the builtin "user" role.
var DefaultUserPermissions = []string{PermPostsView, PermPostsCreate}
