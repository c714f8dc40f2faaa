package auth

import "sort"

// Principal is a user with resolved roles and effective permissions.
// The permission set is the union of permissions attached to each assigned
// role plus any permissions granted to the user directly.
type Principal struct {
	User        *User
	Roles       []*Role
	Permissions map[string]struct{}
}

// NewPrincipal builds a principal from preloaded data.
func NewPrincipal(user *User, roles []*Role, perms []*Permission) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[permissionKey(p.Name, p.GuardName)] = struct{}{}
	}
	return Principal{User: user, Roles: roles, Permissions: set}
}

// HasPermission reports whether the principal holds the capability in the
// default guard scope. Exact name match only, no wildcards.
func (p Principal) HasPermission(name string) bool {
	return p.HasPermissionInGuard(name, DefaultGuard)
}

// HasPermissionInGuard checks a capability within an explicit guard scope.
func (p Principal) HasPermissionInGuard(name, guard string) bool {
	_, ok := p.Permissions[permissionKey(name, guard)]
	return ok
}

// RoleNames returns the assigned role names in stable order.
func (p Principal) RoleNames() []string {
	out := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

// PermissionNames returns the effective capability names in stable order,
// stripped of the guard qualifier.
func (p Principal) PermissionNames() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, nameFromKey(k))
	}
	sort.Strings(out)
	return out
}

func permissionKey(name, guard string) string {
	if guard == "" {
		guard = DefaultGuard
	}
	return guard + "\x00" + name
}

func nameFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[i+1:]
		}
	}
	return key
}
