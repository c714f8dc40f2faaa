package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"authgate.org/internal/ids"
)

// memStore is an in-memory Store used across the package tests. It honors
// the same uniqueness and rotation rules as the PostgreSQL implementation.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]*Permission
	rolePerms map[string]map[string]bool // role id -> permission id
	userRoles map[string]map[string]bool
	userPerms map[string]map[string]bool
	tokens    map[string]*RefreshToken // keyed by token hash
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		perms:     make(map[string]*Permission),
		rolePerms: make(map[string]map[string]bool),
		userRoles: make(map[string]map[string]bool),
		userPerms: make(map[string]map[string]bool),
		tokens:    make(map[string]*RefreshToken),
	}
}

func (m *memStore) Users() UserStore                 { return (*memUsers)(m) }
func (m *memStore) Roles() RoleStore                 { return (*memRoles)(m) }
func (m *memStore) Permissions() PermissionStore     { return (*memPerms)(m) }
func (m *memStore) RefreshTokens() RefreshTokenStore { return (*memTokens)(m) }

// --- users ---

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email || existing.Username == u.Username {
			return ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(_ context.Context, filter UserFilter) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contains := func(haystack, needle string) bool {
		return needle == "" || strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}
	var matched []*User
	for _, u := range m.users {
		if filter.Search != "" &&
			!contains(u.Name, filter.Search) &&
			!contains(u.Email, filter.Search) &&
			!contains(u.Username, filter.Search) {
			continue
		}
		if !contains(u.Name, filter.Name) || !contains(u.Email, filter.Email) {
			continue
		}
		if filter.Role != "" {
			hasRole := false
			for roleID := range m.userRoles[u.ID] {
				if role, ok := m.roles[roleID]; ok && contains(role.Name, filter.Role) {
					hasRole = true
					break
				}
			}
			if !hasRole {
				continue
			}
		}
		cp := *u
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// --- roles ---

type memRoles memStore

func (m *memRoles) Create(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.GuardName == "" {
		role.GuardName = DefaultGuard
	}
	for _, existing := range m.roles {
		if existing.Name == role.Name && existing.GuardName == role.GuardName {
			return ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) FindByName(_ context.Context, name, guard string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name && r.GuardName == guard {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context, guard string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Role
	for _, r := range m.roles {
		if r.GuardName == guard {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) Update(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range m.roles {
		if other.ID != role.ID && other.Name == role.Name && other.GuardName == existing.GuardName {
			return ErrConflict
		}
	}
	existing.Name = role.Name
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRoles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, assigned := range m.userRoles {
		delete(assigned, id)
	}
	return nil
}

func (m *memRoles) Assign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = make(map[string]bool)
	}
	m.userRoles[userID][roleID] = true
	return nil
}

func (m *memRoles) Detach(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *memRoles) RolesOf(_ context.Context, userID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Role
	for roleID := range m.userRoles[userID] {
		if r, ok := m.roles[roleID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- permissions ---

type memPerms memStore

func (m *memPerms) Create(_ context.Context, perm *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memStore)(m).createLocked(perm, false)
}

func (m *memStore) createLocked(perm *Permission, ignoreConflict bool) error {
	if perm.GuardName == "" {
		perm.GuardName = DefaultGuard
	}
	for _, existing := range m.perms {
		if existing.Name == perm.Name && existing.GuardName == perm.GuardName {
			if ignoreConflict {
				return nil
			}
			return ErrConflict
		}
	}
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	now := time.Now().UTC()
	perm.CreatedAt, perm.UpdatedAt = now, now
	cp := *perm
	m.perms[perm.ID] = &cp
	return nil
}

func (m *memPerms) Find(_ context.Context, id string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPerms) FindByName(_ context.Context, name, guard string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.perms {
		if p.Name == name && p.GuardName == guard {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPerms) List(_ context.Context, guard string) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permission
	for _, p := range m.perms {
		if p.GuardName == guard {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memPerms) Update(_ context.Context, perm *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.perms[perm.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = perm.Name
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memPerms) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perms[id]; !ok {
		return ErrNotFound
	}
	delete(m.perms, id)
	for _, attached := range m.rolePerms {
		delete(attached, id)
	}
	for _, granted := range m.userPerms {
		delete(granted, id)
	}
	return nil
}

func (m *memPerms) Ensure(_ context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		p := p
		if err := (*memStore)(m).createLocked(&p, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *memPerms) SetForRole(_ context.Context, roleID, guard string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attached := make(map[string]bool)
	for _, name := range names {
		for id, p := range m.perms {
			if p.Name == name && p.GuardName == guard {
				attached[id] = true
			}
		}
	}
	m.rolePerms[roleID] = attached
	return nil
}

func (m *memPerms) ForRole(_ context.Context, roleID string) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memStore)(m).collect(m.rolePerms[roleID]), nil
}

func (m *memPerms) DirectForUser(_ context.Context, userID string) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memStore)(m).collect(m.userPerms[userID]), nil
}

func (m *memStore) collect(idSet map[string]bool) []*Permission {
	var out []*Permission
	for id := range idSet {
		if p, ok := m.perms[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memPerms) GrantToUser(_ context.Context, userID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.perms[permissionID]; !ok {
		return ErrNotFound
	}
	if m.userPerms[userID] == nil {
		m.userPerms[userID] = make(map[string]bool)
	}
	m.userPerms[userID][permissionID] = true
	return nil
}

func (m *memPerms) RevokeFromUser(_ context.Context, userID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userPerms[userID], permissionID)
	return nil
}

// --- refresh tokens ---

type memTokens memStore

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[tok.TokenHash]; exists {
		return ErrConflict
	}
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	cp := *tok
	m.tokens[tok.TokenHash] = &cp
	return nil
}

func (m *memTokens) Find(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) Rotate(_ context.Context, oldHash string, replacement *RefreshToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldHash]
	if !ok {
		return ErrNotFound
	}
	delete(m.tokens, oldHash)
	if !old.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	replacement.UserID = old.UserID
	if replacement.ID == "" {
		replacement.ID = ids.New()
	}
	cp := *replacement
	m.tokens[replacement.TokenHash] = &cp
	return nil
}

func (m *memTokens) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenHash)
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, hash)
		}
	}
	return nil
}

func (m *memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}
