package auth

import (
	"context"
	"errors"
	"fmt"
)

// EnsureBuiltins makes the permission catalog and builtin roles exist.
// It is idempotent and safe to run on every startup.
func EnsureBuiltins(ctx context.Context, store Store) error {
	if err := store.Permissions().Ensure(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}

	allNames := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		allNames = append(allNames, p.Name)
	}

	if err := ensureRole(ctx, store, RoleAdmin, allNames); err != nil {
		return err
	}
	return ensureRole(ctx, store, RoleUser, DefaultUserPermissions)
}

func ensureRole(ctx context.Context, store Store, name string, perms []string) error {
	role, err := store.Roles().FindByName(ctx, name, DefaultGuard)
	if errors.Is(err, ErrNotFound) {
		role = &Role{Name: name, GuardName: DefaultGuard}
		err = store.Roles().Create(ctx, role)
		if errors.Is(err, ErrConflict) {
			// Lost the startup race to another instance.
			role, err = store.Roles().FindByName(ctx, name, DefaultGuard)
		}
	}
	if err != nil {
		return fmt.Errorf("ensure role %q: %w", name, err)
	}
	if err := store.Permissions().SetForRole(ctx, role.ID, role.GuardName, perms); err != nil {
		return fmt.Errorf("ensure role %q permissions: %w", name, err)
	}
	return nil
}

// SeedUser describes one account created by SeedDevUsers.
type SeedUser struct {
	Name     string
	Email    string
	Username string
	Password string
	Role     string
}

// DevUsers are the accounts seeded into development databases.
var DevUsers = []SeedUser{
	{Name: "Admin", Email: "admin@example.com", Username: "admin", Password: "password", Role: RoleAdmin},
	{Name: "User", Email: "user@example.com", Username: "user", Password: "password", Role: RoleUser},
}

// SeedDevUsers creates the development accounts. Existing accounts are left
// untouched, so the fixture passwords never overwrite changed ones.
func SeedDevUsers(ctx context.Context, store Store, seeds []SeedUser) error {
	for _, seed := range seeds {
		if _, err := store.Users().FindByEmail(ctx, seed.Email); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed user %q: %w", seed.Email, err)
		}

		hash, err := HashPassword(seed.Password)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", seed.Email, err)
		}
		u := &User{
			Name:         seed.Name,
			Email:        seed.Email,
			Username:     seed.Username,
			PasswordHash: hash,
			Status:       UserStatusActive,
		}
		if err := store.Users().Create(ctx, u); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("seed user %q: %w", seed.Email, err)
		}

		role, err := store.Roles().FindByName(ctx, seed.Role, DefaultGuard)
		if err != nil {
			return fmt.Errorf("seed user %q role: %w", seed.Email, err)
		}
		if err := store.Roles().Assign(ctx, u.ID, role.ID); err != nil {
			return fmt.Errorf("seed user %q role: %w", seed.Email, err)
		}
	}
	return nil
}
