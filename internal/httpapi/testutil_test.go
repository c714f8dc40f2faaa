package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"authgate.org/internal/auth"
)

// fakeStore is a minimal in-memory auth.Store for exercising the HTTP layer
// end to end.
type fakeStore struct {
	mu        sync.Mutex
	seq       int
	users     map[string]*auth.User
	roles     map[string]*auth.Role
	perms     map[string]*auth.Permission
	rolePerms map[string][]string
	userRoles map[string][]string
	userPerms map[string][]string
	tokens    map[string]*auth.RefreshToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*auth.User),
		roles:     make(map[string]*auth.Role),
		perms:     make(map[string]*auth.Permission),
		rolePerms: make(map[string][]string),
		userRoles: make(map[string][]string),
		userPerms: make(map[string][]string),
		tokens:    make(map[string]*auth.RefreshToken),
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) Users() auth.UserStore                 { return fakeUsers{f} }
func (f *fakeStore) Roles() auth.RoleStore                 { return fakeRoles{f} }
func (f *fakeStore) Permissions() auth.PermissionStore     { return fakePerms{f} }
func (f *fakeStore) RefreshTokens() auth.RefreshTokenStore { return fakeTokens{f} }

type fakeUsers struct{ s *fakeStore }

func (f fakeUsers) Create(_ context.Context, u *auth.User) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, existing := range f.s.users {
		if existing.Email == u.Email || existing.Username == u.Username {
			return auth.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = f.s.nextID("user")
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	cp := *u
	f.s.users[u.ID] = &cp
	return nil
}

func (f fakeUsers) Find(_ context.Context, id string) (*auth.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if u, ok := f.s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (f fakeUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, u := range f.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f fakeUsers) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, u := range f.s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f fakeUsers) List(_ context.Context, filter auth.UserFilter) ([]*auth.User, int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	match := func(haystack, needle string) bool {
		return needle == "" || strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}
	var out []*auth.User
	for _, u := range f.s.users {
		if filter.Search != "" && !match(u.Name, filter.Search) &&
			!match(u.Email, filter.Search) && !match(u.Username, filter.Search) {
			continue
		}
		if !match(u.Name, filter.Name) || !match(u.Email, filter.Email) {
			continue
		}
		if filter.Role != "" {
			found := false
			for _, roleID := range f.s.userRoles[u.ID] {
				if r, ok := f.s.roles[roleID]; ok && match(r.Name, filter.Role) {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

type fakeRoles struct{ s *fakeStore }

func (f fakeRoles) Create(_ context.Context, role *auth.Role) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if role.GuardName == "" {
		role.GuardName = auth.DefaultGuard
	}
	for _, existing := range f.s.roles {
		if existing.Name == role.Name && existing.GuardName == role.GuardName {
			return auth.ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = f.s.nextID("role")
	}
	cp := *role
	f.s.roles[role.ID] = &cp
	return nil
}

func (f fakeRoles) Find(_ context.Context, id string) (*auth.Role, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if r, ok := f.s.roles[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (f fakeRoles) FindByName(_ context.Context, name, guard string) (*auth.Role, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, r := range f.s.roles {
		if r.Name == name && r.GuardName == guard {
			cp := *r
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f fakeRoles) List(_ context.Context, guard string) ([]*auth.Role, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*auth.Role
	for _, r := range f.s.roles {
		if r.GuardName == guard {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f fakeRoles) Update(_ context.Context, role *auth.Role) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	existing, ok := f.s.roles[role.ID]
	if !ok {
		return auth.ErrNotFound
	}
	existing.Name = role.Name
	return nil
}

func (f fakeRoles) Delete(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(f.s.roles, id)
	delete(f.s.rolePerms, id)
	for userID, assigned := range f.s.userRoles {
		f.s.userRoles[userID] = removeString(assigned, id)
	}
	return nil
}

func (f fakeRoles) Assign(_ context.Context, userID, roleID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := f.s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, id := range f.s.userRoles[userID] {
		if id == roleID {
			return nil
		}
	}
	f.s.userRoles[userID] = append(f.s.userRoles[userID], roleID)
	return nil
}

func (f fakeRoles) Detach(_ context.Context, userID, roleID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.userRoles[userID] = removeString(f.s.userRoles[userID], roleID)
	return nil
}

func (f fakeRoles) RolesOf(_ context.Context, userID string) ([]*auth.Role, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*auth.Role
	for _, roleID := range f.s.userRoles[userID] {
		if r, ok := f.s.roles[roleID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakePerms struct{ s *fakeStore }

func (f fakePerms) Create(_ context.Context, perm *auth.Permission) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.createLocked(perm, false)
}

func (f fakePerms) createLocked(perm *auth.Permission, ignoreConflict bool) error {
	if perm.GuardName == "" {
		perm.GuardName = auth.DefaultGuard
	}
	for _, existing := range f.s.perms {
		if existing.Name == perm.Name && existing.GuardName == perm.GuardName {
			if ignoreConflict {
				return nil
			}
			return auth.ErrConflict
		}
	}
	if perm.ID == "" {
		perm.ID = f.s.nextID("perm")
	}
	cp := *perm
	f.s.perms[perm.ID] = &cp
	return nil
}

func (f fakePerms) Find(_ context.Context, id string) (*auth.Permission, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if p, ok := f.s.perms[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (f fakePerms) FindByName(_ context.Context, name, guard string) (*auth.Permission, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.perms {
		if p.Name == name && p.GuardName == guard {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f fakePerms) List(_ context.Context, guard string) ([]*auth.Permission, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*auth.Permission
	for _, p := range f.s.perms {
		if p.GuardName == guard {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f fakePerms) Update(_ context.Context, perm *auth.Permission) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	existing, ok := f.s.perms[perm.ID]
	if !ok {
		return auth.ErrNotFound
	}
	existing.Name = perm.Name
	return nil
}

func (f fakePerms) Delete(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.perms[id]; !ok {
		return auth.ErrNotFound
	}
	delete(f.s.perms, id)
	return nil
}

func (f fakePerms) Ensure(_ context.Context, perms []auth.Permission) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range perms {
		p := p
		if err := f.createLocked(&p, true); err != nil {
			return err
		}
	}
	return nil
}

func (f fakePerms) SetForRole(_ context.Context, roleID, guard string, names []string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var ids []string
	for _, name := range names {
		for id, p := range f.s.perms {
			if p.Name == name && p.GuardName == guard {
				ids = append(ids, id)
			}
		}
	}
	f.s.rolePerms[roleID] = ids
	return nil
}

func (f fakePerms) ForRole(_ context.Context, roleID string) ([]*auth.Permission, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.collect(f.s.rolePerms[roleID]), nil
}

func (f fakePerms) DirectForUser(_ context.Context, userID string) ([]*auth.Permission, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.collect(f.s.userPerms[userID]), nil
}

func (f fakePerms) collect(ids []string) []*auth.Permission {
	var out []*auth.Permission
	for _, id := range ids {
		if p, ok := f.s.perms[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f fakePerms) GrantToUser(_ context.Context, userID, permissionID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.userPerms[userID] = append(f.s.userPerms[userID], permissionID)
	return nil
}

func (f fakePerms) RevokeFromUser(_ context.Context, userID, permissionID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.userPerms[userID] = removeString(f.s.userPerms[userID], permissionID)
	return nil
}

type fakeTokens struct{ s *fakeStore }

func (f fakeTokens) Create(_ context.Context, tok *auth.RefreshToken) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, exists := f.s.tokens[tok.TokenHash]; exists {
		return auth.ErrConflict
	}
	if tok.ID == "" {
		tok.ID = f.s.nextID("tok")
	}
	cp := *tok
	f.s.tokens[tok.TokenHash] = &cp
	return nil
}

func (f fakeTokens) Find(_ context.Context, tokenHash string) (*auth.RefreshToken, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if t, ok := f.s.tokens[tokenHash]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, auth.ErrNotFound
}

func (f fakeTokens) Rotate(_ context.Context, oldHash string, replacement *auth.RefreshToken, now time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	old, ok := f.s.tokens[oldHash]
	if !ok {
		return auth.ErrNotFound
	}
	delete(f.s.tokens, oldHash)
	if !old.ExpiresAt.After(now) {
		return auth.ErrTokenExpired
	}
	replacement.UserID = old.UserID
	if replacement.ID == "" {
		replacement.ID = f.s.nextID("tok")
	}
	cp := *replacement
	f.s.tokens[replacement.TokenHash] = &cp
	return nil
}

func (f fakeTokens) Revoke(_ context.Context, tokenHash string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	delete(f.s.tokens, tokenHash)
	return nil
}

func (f fakeTokens) RevokeAllForUser(_ context.Context, userID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for hash, t := range f.s.tokens {
		if t.UserID == userID {
			delete(f.s.tokens, hash)
		}
	}
	return nil
}

func (f fakeTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var n int64
	for hash, t := range f.s.tokens {
		if t.ExpiresAt.Before(now) {
			delete(f.s.tokens, hash)
			n++
		}
	}
	return n, nil
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// --- API fixture ---

type apiFixture struct {
	t      *testing.T
	api    *API
	server *httptest.Server
	store  *fakeStore
}

const (
	testAdminEmail = "root@example.com"
	testUserEmail  = "member@example.com"
	testPassword   = "password123"
)

func newTestAPI(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	store := newFakeStore()
	ctx := context.Background()
	if err := auth.EnsureBuiltins(ctx, store); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}

	sessions, err := auth.NewService(store, auth.WithSecret("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rbac := auth.NewRBACService(store)

	seed := func(name, email, username, role string) {
		hash, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		u := &auth.User{Name: name, Email: email, Username: username, PasswordHash: hash}
		if err := store.Users().Create(ctx, u); err != nil {
			t.Fatalf("seed %s: %v", email, err)
		}
		r, err := store.Roles().FindByName(ctx, role, auth.DefaultGuard)
		if err != nil {
			t.Fatalf("find role %s: %v", role, err)
		}
		if err := store.Roles().Assign(ctx, u.ID, r.ID); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	seed("Root", testAdminEmail, "root", auth.RoleAdmin)
	seed("Member", testUserEmail, "member", auth.RoleUser)

	api := New(ReadyProbe{}, sessions, rbac, cfg)
	t.Cleanup(api.Close)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return &apiFixture{t: t, api: api, server: server, store: store}
}

func (f *apiFixture) do(method, path string, body any, headers map[string]string) *http.Response {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (f *apiFixture) post(path string, body any, headers map[string]string) *http.Response {
	return f.do(http.MethodPost, path, body, headers)
}

func (f *apiFixture) get(path string, headers map[string]string) *http.Response {
	return f.do(http.MethodGet, path, nil, headers)
}

// login returns the decoded session payload for one of the seeded users.
func (f *apiFixture) login(email string) map[string]any {
	f.t.Helper()
	resp := f.post("/auth/login", map[string]string{"email": email, "password": testPassword}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		f.t.Fatalf("decode login response: %v", err)
	}
	return payload
}

func (f *apiFixture) bearer(email string) map[string]string {
	payload := f.login(email)
	token, _ := payload["access_token"].(string)
	if token == "" {
		f.t.Fatal("login response missing access_token")
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return payload
}
