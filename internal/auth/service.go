package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/ids"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 14 * 24 * time.Hour
	defaultStoreTimeout = 5 * time.Second

	refreshValueBytes = 32 // 256 bits of entropy, hex-encoded for the client
)

// Service orchestrates the login session lifecycle: credential verification,
// access token issuance, refresh token rotation and revocation, and
// principal resolution for authorization checks.
type Service struct {
	store Store
	codec *TokenCodec
	now   func() time.Time

	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithSecret sets the process-wide signing key for access tokens.
func WithSecret(secret string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: signing secret is required")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every storage round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the session manager.
func NewService(store Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:        store,
		now:          time.Now,
		issuer:       "authgate",
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	codec, err := NewTokenCodec(s.secret, s.issuer, s.accessTTL)
	if err != nil {
		return nil, err
	}
	s.codec = codec
	return s, nil
}

// Codec exposes the access token codec for middleware that only verifies.
func (s *Service) Codec() *TokenCodec { return s.codec }

// RefreshTTL returns the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Login verifies credentials and mints a fresh token pair. Unknown
// identifier, wrong secret and disabled account all fail with the same
// ErrInvalidCredentials; the distinguishing reason only reaches the audit
// log.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		compareAgainstDummy(password)
		s.auditLoginFailure(ctx, email, meta, "missing credentials")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	user, err := s.store.Users().FindByEmail(opCtx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			compareAgainstDummy(password)
			s.auditLoginFailure(ctx, email, meta, "unknown identifier")
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, s.internal("lookup user", err)
	}
	if user.Status != UserStatusActive {
		compareAgainstDummy(password)
		s.auditLoginFailure(ctx, email, meta, "account disabled")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.auditLoginFailure(ctx, email, meta, "secret mismatch")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	principal, err := s.Principal(ctx, user.ID)
	if err != nil {
		return TokenPair{}, Principal{}, s.internal("resolve principal", err)
	}
	pair, err := s.mintPair(ctx, user.ID, meta)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"email": email,
		"ip":    meta.IP,
	})
	return pair, principal, nil
}

// Refresh rotates the presented refresh token and mints a new pair. The old
// value is dead the instant this returns, even on a replayed concurrent
// attempt. Missing, unknown and expired tokens surface as distinct errors to
// the orchestration layer; HTTP collapses all of them into one 401.
func (s *Service) Refresh(ctx context.Context, refreshValue string, meta RequestMeta) (TokenPair, Principal, error) {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" {
		return TokenPair{}, Principal{}, ErrMissingToken
	}

	now := s.now().UTC()
	value, replacement := s.newRefreshToken(meta, now)

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.store.RefreshTokens().Rotate(opCtx, HashToken(refreshValue), replacement, now)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTokenExpired):
		_ = audit.LogEvent(ctx, "auth.refresh.denied", map[string]any{
			"ip":     meta.IP,
			"reason": err.Error(),
		})
		return TokenPair{}, Principal{}, err
	default:
		return TokenPair{}, Principal{}, s.internal("rotate refresh token", err)
	}

	principal, err := s.Principal(ctx, replacement.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, s.internal("resolve principal", err)
	}
	access, accessExp, err := s.codec.Issue(replacement.UserID, now)
	if err != nil {
		return TokenPair{}, Principal{}, s.internal("sign access token", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: replacement.ExpiresAt,
	}, principal, nil
}

// Logout revokes the refresh token. It always reports success: revoking an
// absent or already-revoked value must not leak token validity.
func (s *Service) Logout(ctx context.Context, refreshValue string, meta RequestMeta) {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" {
		return
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.store.RefreshTokens().Revoke(opCtx, HashToken(refreshValue)); err != nil {
		_ = audit.LogEvent(ctx, "auth.logout.revoke_failed", map[string]any{
			"ip":    meta.IP,
			"error": err.Error(),
		})
		return
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"ip": meta.IP})
}

// SweepExpired deletes refresh tokens past their expiry. Idempotent and safe
// to run concurrently with active rotations.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.store.RefreshTokens().DeleteExpired(ctx, s.now().UTC())
}

// AuthenticateToken verifies an access token and resolves its principal.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	userID, err := s.codec.Verify(token, s.now())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, s.internal("resolve principal", err)
	}
	if principal.User.Status != UserStatusActive {
		return Principal{}, ErrUnauthorized
	}
	return principal, nil
}

// Principal loads a user with the effective permission set: the union of
// permissions of every assigned role plus direct grants.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	roles, err := s.store.Roles().RolesOf(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	perms := s.store.Permissions()
	var all []*Permission
	for _, role := range roles {
		list, err := perms.ForRole(ctx, role.ID)
		if err != nil {
			return Principal{}, err
		}
		all = append(all, list...)
	}
	direct, err := perms.DirectForUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	all = append(all, direct...)
	return NewPrincipal(user, roles, all), nil
}

// Authorize grants or denies a capability for the user, in the default
// guard scope.
func (s *Service) Authorize(ctx context.Context, userID, capability string) error {
	principal, err := s.Principal(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return s.internal("resolve principal", err)
	}
	if !principal.HasPermission(capability) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) mintPair(ctx context.Context, userID string, meta RequestMeta) (TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.codec.Issue(userID, now)
	if err != nil {
		return TokenPair{}, s.internal("sign access token", err)
	}

	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	tokens := s.store.RefreshTokens()

	value, rec := s.newRefreshToken(meta, now)
	rec.UserID = userID
	if err := tokens.Create(opCtx, rec); err != nil {
		if !errors.Is(err, ErrConflict) {
			return TokenPair{}, s.internal("store refresh token", err)
		}
		// A 256-bit collision is an integrity red flag; retry exactly once
		// with fresh entropy, then give up.
		value, rec = s.newRefreshToken(meta, now)
		rec.UserID = userID
		if err := tokens.Create(opCtx, rec); err != nil {
			return TokenPair{}, s.internal("store refresh token after collision", err)
		}
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// newRefreshToken returns the opaque client value and the row to persist.
// The raw value is never stored, only its hash.
func (s *Service) newRefreshToken(meta RequestMeta, now time.Time) (string, *RefreshToken) {
	buf := make([]byte, refreshValueBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot mint credentials.
		panic(fmt.Sprintf("auth: entropy source failed: %v", err))
	}
	value := hex.EncodeToString(buf)
	rec := &RefreshToken{
		ID:        ids.New(),
		TokenHash: HashToken(value),
		IssuedIP:  meta.IP,
		UserAgent: meta.UserAgent,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return value, rec
}

// HashToken computes the SHA-256 hash of a raw refresh token value for
// storage and lookup.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

func (s *Service) auditLoginFailure(ctx context.Context, email string, meta RequestMeta, reason string) {
	_ = audit.LogEvent(ctx, "auth.login.failed", map[string]any{
		"email":      email,
		"ip":         meta.IP,
		"user_agent": meta.UserAgent,
		"reason":     reason,
	})
}
