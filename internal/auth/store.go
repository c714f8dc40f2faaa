package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations the auth subsystem consumes.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserFilter narrows and pages user listings.
type UserFilter struct {
	Search  string
	Name    string
	Email   string
	Role    string
	Page    int
	PerPage int
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// List returns a page of users plus the total match count.
	List(ctx context.Context, filter UserFilter) ([]*User, int, error)
}

// RoleStore manages roles and user-role assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name, guard string) (*Role, error)
	List(ctx context.Context, guard string) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	// Delete removes the role; pivot rows referencing it are detached,
	// users and permissions themselves are untouched.
	Delete(ctx context.Context, id string) error

	Assign(ctx context.Context, userID, roleID string) error
	Detach(ctx context.Context, userID, roleID string) error
	RolesOf(ctx context.Context, userID string) ([]*Role, error)
}

// PermissionStore manages the capability catalog and its attachments.
type PermissionStore interface {
	Create(ctx context.Context, perm *Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	FindByName(ctx context.Context, name, guard string) (*Permission, error)
	List(ctx context.Context, guard string) ([]*Permission, error)
	Update(ctx context.Context, perm *Permission) error
	Delete(ctx context.Context, id string) error

	// Ensure inserts any catalog entries that do not exist yet.
	Ensure(ctx context.Context, perms []Permission) error
	// SetForRole replaces the role's permission set. Names resolve only
	// within the given guard; a same-named permission in another guard is
	// never attached.
	SetForRole(ctx context.Context, roleID, guard string, names []string) error
	ForRole(ctx context.Context, roleID string) ([]*Permission, error)

	// Direct grants, assignable to a user without a role.
	DirectForUser(ctx context.Context, userID string) ([]*Permission, error)
	GrantToUser(ctx context.Context, userID, permissionID string) error
	RevokeFromUser(ctx context.Context, userID, permissionID string) error
}

// RefreshTokenStore is the sole authority on refresh token validity.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// Find looks up a token by the SHA-256 hash of its opaque value.
	Find(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate atomically deletes the old token and inserts its replacement.
	// The replacement's UserID is filled from the deleted row. Exactly one
	// of two racing calls on the same value succeeds; the loser observes
	// ErrNotFound. An expired old token is deleted and reported as
	// ErrTokenExpired.
	Rotate(ctx context.Context, oldHash string, replacement *RefreshToken, now time.Time) error
	// Revoke deletes the token. Revoking an absent value is not an error.
	Revoke(ctx context.Context, tokenHash string) error
	// RevokeAllForUser deletes every token owned by the user.
	RevokeAllForUser(ctx context.Context, userID string) error
	// DeleteExpired removes rows with expires_at < now and reports how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
