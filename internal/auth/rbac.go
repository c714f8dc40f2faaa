package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

const minPasswordLength = 8

// RBACService exposes the administrative role/permission operations and
// user registration. Every mutation validates its input and relies on the
// store for uniqueness (ErrConflict) and existence (ErrNotFound).
type RBACService struct {
	store Store
}

// NewRBACService constructs the admin service.
func NewRBACService(store Store) *RBACService {
	return &RBACService{store: store}
}

// RoleWithPermissions is the API shape for role listings.
type RoleWithPermissions struct {
	Role
	Permissions      []string `json:"permissions"`
	PermissionsCount int      `json:"permissions_count"`
}

// UserWithRoles is the API shape for user listings and /auth/me.
type UserWithRoles struct {
	User
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// RoleUpdate carries partial role mutations. A nil field is left untouched.
type RoleUpdate struct {
	Name        *string
	Permissions *[]string
}

// FieldErrors maps input field names to validation messages.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for field, msg := range e {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Register creates a user with the default "user" role.
func (s *RBACService) Register(ctx context.Context, name, email, username, password string) (*User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	username = strings.TrimSpace(username)

	fields := FieldErrors{}
	if name == "" {
		fields["name"] = "name is required"
	}
	if email == "" {
		fields["email"] = "email is required"
	} else if _, err := mail.ParseAddress(email); err != nil {
		fields["email"] = "email must be a valid address"
	}
	if username == "" {
		fields["username"] = "username is required"
	}
	if len(password) < minPasswordLength {
		fields["password"] = fmt.Sprintf("password must be at least %d characters", minPasswordLength)
	}
	if len(fields) > 0 {
		return nil, fields
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Name:         name,
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Status:       UserStatusActive,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, s.registrationConflict(ctx, email, username)
		}
		return nil, err
	}

	role, err := s.store.Roles().FindByName(ctx, RoleUser, DefaultGuard)
	if err != nil {
		return nil, fmt.Errorf("default role missing: %w", err)
	}
	if err := s.store.Roles().Assign(ctx, user.ID, role.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// registrationConflict turns a unique violation into per-field errors
// without revealing more than the duplicate field itself.
func (s *RBACService) registrationConflict(ctx context.Context, email, username string) error {
	fields := FieldErrors{}
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		fields["email"] = "email is already taken"
	}
	if _, err := s.store.Users().FindByUsername(ctx, username); err == nil {
		fields["username"] = "username is already taken"
	}
	if len(fields) == 0 {
		fields["email"] = "email or username is already taken"
	}
	return fields
}

// UsersWithRoles lists users with resolved role and permission names.
func (s *RBACService) UsersWithRoles(ctx context.Context, filter UserFilter) ([]UserWithRoles, int, error) {
	users, total, err := s.store.Users().List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	result := make([]UserWithRoles, 0, len(users))
	for _, u := range users {
		expanded, err := s.expandUser(ctx, u)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, expanded)
	}
	return result, total, nil
}

func (s *RBACService) expandUser(ctx context.Context, u *User) (UserWithRoles, error) {
	roles, err := s.store.Roles().RolesOf(ctx, u.ID)
	if err != nil {
		return UserWithRoles{}, err
	}
	perms := s.store.Permissions()
	var all []*Permission
	for _, role := range roles {
		list, err := perms.ForRole(ctx, role.ID)
		if err != nil {
			return UserWithRoles{}, err
		}
		all = append(all, list...)
	}
	direct, err := perms.DirectForUser(ctx, u.ID)
	if err != nil {
		return UserWithRoles{}, err
	}
	all = append(all, direct...)

	principal := NewPrincipal(u, roles, all)
	return UserWithRoles{
		User:        *u,
		Roles:       principal.RoleNames(),
		Permissions: principal.PermissionNames(),
	}, nil
}

// RolesWithPermissions lists all roles in a guard with their permissions.
func (s *RBACService) RolesWithPermissions(ctx context.Context, guard string) ([]RoleWithPermissions, error) {
	guard = normalizeGuard(guard)
	roles, err := s.store.Roles().List(ctx, guard)
	if err != nil {
		return nil, err
	}
	result := make([]RoleWithPermissions, 0, len(roles))
	for _, role := range roles {
		expanded, err := s.expandRole(ctx, role)
		if err != nil {
			return nil, err
		}
		result = append(result, expanded)
	}
	return result, nil
}

func (s *RBACService) expandRole(ctx context.Context, role *Role) (RoleWithPermissions, error) {
	perms, err := s.store.Permissions().ForRole(ctx, role.ID)
	if err != nil {
		return RoleWithPermissions{}, err
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return RoleWithPermissions{
		Role:             *role,
		Permissions:      names,
		PermissionsCount: len(names),
	}, nil
}

// CreateRole creates a role and optionally attaches an initial permission
// set. Duplicate names within the guard fail with ErrConflict.
func (s *RBACService) CreateRole(ctx context.Context, name, guard string, permissions []string) (RoleWithPermissions, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RoleWithPermissions{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	guard = normalizeGuard(guard)

	role := &Role{Name: name, GuardName: guard}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return RoleWithPermissions{}, err
	}
	if len(permissions) > 0 {
		if err := s.syncRolePermissions(ctx, role.ID, guard, permissions); err != nil {
			return RoleWithPermissions{}, err
		}
	}
	return s.expandRole(ctx, role)
}

// UpdateRole renames a role and/or replaces its permission set.
func (s *RBACService) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (RoleWithPermissions, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return RoleWithPermissions{}, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	role, err := s.store.Roles().Find(ctx, roleID)
	if err != nil {
		return RoleWithPermissions{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return RoleWithPermissions{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		role.Name = name
		if err := s.store.Roles().Update(ctx, role); err != nil {
			return RoleWithPermissions{}, err
		}
	}
	if upd.Permissions != nil {
		if err := s.syncRolePermissions(ctx, role.ID, role.GuardName, *upd.Permissions); err != nil {
			return RoleWithPermissions{}, err
		}
	}
	return s.expandRole(ctx, role)
}

// DeleteRole removes a role. Assignments referencing it are detached; the
// users and permissions themselves survive.
func (s *RBACService) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	return s.store.Roles().Delete(ctx, roleID)
}

// GetRole loads a single role with its permissions.
func (s *RBACService) GetRole(ctx context.Context, roleID string) (RoleWithPermissions, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return RoleWithPermissions{}, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	role, err := s.store.Roles().Find(ctx, roleID)
	if err != nil {
		return RoleWithPermissions{}, err
	}
	return s.expandRole(ctx, role)
}

// syncRolePermissions validates every name against the catalog before
// attaching. Permission names are never trusted as free-floating strings.
func (s *RBACService) syncRolePermissions(ctx context.Context, roleID, guard string, names []string) error {
	perms := s.store.Permissions()
	deduped := dedupeStrings(names)
	for _, name := range deduped {
		if _, err := perms.FindByName(ctx, name, guard); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, name)
			}
			return err
		}
	}
	return perms.SetForRole(ctx, roleID, guard, deduped)
}

// ListPermissions returns the permission catalog for a guard.
func (s *RBACService) ListPermissions(ctx context.Context, guard string) ([]*Permission, error) {
	return s.store.Permissions().List(ctx, normalizeGuard(guard))
}

// CreatePermission adds a capability to the catalog.
func (s *RBACService) CreatePermission(ctx context.Context, name, guard string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	perm := &Permission{Name: name, GuardName: normalizeGuard(guard)}
	if err := s.store.Permissions().Create(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// UpdatePermission renames a capability.
func (s *RBACService) UpdatePermission(ctx context.Context, permissionID, name string) (*Permission, error) {
	permissionID = strings.TrimSpace(permissionID)
	name = strings.TrimSpace(name)
	if permissionID == "" || name == "" {
		return nil, fmt.Errorf("%w: permission id and name are required", ErrInvalidInput)
	}
	perm, err := s.store.Permissions().Find(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	perm.Name = name
	if err := s.store.Permissions().Update(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// DeletePermission removes a capability; role and user attachments are
// detached, not cascaded further.
func (s *RBACService) DeletePermission(ctx context.Context, permissionID string) error {
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return fmt.Errorf("%w: permission id is required", ErrInvalidInput)
	}
	return s.store.Permissions().Delete(ctx, permissionID)
}

// AssignRole attaches a role to a user by role name and returns the user's
// updated role names.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleName, guard string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" || roleName == "" {
		return nil, fmt.Errorf("%w: user id and role are required", ErrInvalidInput)
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return nil, err
	}
	role, err := s.store.Roles().FindByName(ctx, roleName, normalizeGuard(guard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, roleName)
		}
		return nil, err
	}
	if err := s.store.Roles().Assign(ctx, userID, role.ID); err != nil {
		return nil, err
	}
	return s.roleNamesOf(ctx, userID)
}

// RemoveRole detaches a role from a user by role name.
func (s *RBACService) RemoveRole(ctx context.Context, userID, roleName, guard string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" || roleName == "" {
		return nil, fmt.Errorf("%w: user id and role are required", ErrInvalidInput)
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return nil, err
	}
	role, err := s.store.Roles().FindByName(ctx, roleName, normalizeGuard(guard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, roleName)
		}
		return nil, err
	}
	if err := s.store.Roles().Detach(ctx, userID, role.ID); err != nil {
		return nil, err
	}
	return s.roleNamesOf(ctx, userID)
}

// GrantPermission attaches a capability directly to a user, bypassing roles.
func (s *RBACService) GrantPermission(ctx context.Context, userID, permName, guard string) error {
	userID = strings.TrimSpace(userID)
	permName = strings.TrimSpace(permName)
	if userID == "" || permName == "" {
		return fmt.Errorf("%w: user id and permission are required", ErrInvalidInput)
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return err
	}
	perm, err := s.store.Permissions().FindByName(ctx, permName, normalizeGuard(guard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, permName)
		}
		return err
	}
	return s.store.Permissions().GrantToUser(ctx, userID, perm.ID)
}

// RevokePermission removes a direct capability grant from a user.
func (s *RBACService) RevokePermission(ctx context.Context, userID, permName, guard string) error {
	userID = strings.TrimSpace(userID)
	permName = strings.TrimSpace(permName)
	if userID == "" || permName == "" {
		return fmt.Errorf("%w: user id and permission are required", ErrInvalidInput)
	}
	perm, err := s.store.Permissions().FindByName(ctx, permName, normalizeGuard(guard))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, permName)
		}
		return err
	}
	return s.store.Permissions().RevokeFromUser(ctx, userID, perm.ID)
}

func (s *RBACService) roleNamesOf(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.store.Roles().RolesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}

func normalizeGuard(guard string) string {
	guard = strings.TrimSpace(strings.ToLower(guard))
	if guard == "" {
		return DefaultGuard
	}
	return guard
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
