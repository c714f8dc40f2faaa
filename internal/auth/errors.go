package auth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown identifier and wrong secret.
	// The two cases are never distinguishable to callers.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrMissingToken   = errors.New("auth: missing token")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrBadSignature   = errors.New("auth: bad token signature")

	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrInternal masks storage and timeout failures at the boundary.
	ErrInternal = errors.New("auth: internal error")
)
