package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an identity record. PasswordHash never leaves the process.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions. Names are unique within a guard scope.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GuardName string    `json:"guard_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission is a single named capability, unique within its guard scope.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GuardName string    `json:"guard_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assignment links a user to a role.
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is the persisted side of an opaque refresh credential.
// Only the SHA-256 hash of the client-held value is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedIP  string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPair carries both credentials returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RequestMeta captures the request attributes recorded with refresh tokens
// and audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}
