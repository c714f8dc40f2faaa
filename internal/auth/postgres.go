package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"authgate.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Roles() RoleStore                 { return &roleStore{db: s.db} }
func (s *PGStore) Permissions() PermissionStore     { return &permissionStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &refreshTokenStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, name, email, username, password_hash, status, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Username, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users(id, name, email, username, password_hash, status)
		values ($1,$2,$3,$4,$5,$6)
		returning created_at, updated_at
	`, u.ID, u.Name, u.Email, u.Username, u.PasswordHash, u.Status).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username))
}

func (s *userStore) List(ctx context.Context, filter UserFilter) ([]*User, int, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f := strings.TrimSpace(filter.Search); f != "" {
		p := arg("%" + f + "%")
		clauses = append(clauses, fmt.Sprintf("(name ilike %s or email ilike %s or username ilike %s)", p, p, p))
	}
	if f := strings.TrimSpace(filter.Name); f != "" {
		clauses = append(clauses, "name ilike "+arg("%"+f+"%"))
	}
	if f := strings.TrimSpace(filter.Email); f != "" {
		clauses = append(clauses, "email ilike "+arg("%"+f+"%"))
	}
	if f := strings.TrimSpace(filter.Role); f != "" {
		clauses = append(clauses, fmt.Sprintf(
			"exists (select 1 from user_roles ur join roles r on r.id = ur.role_id where ur.user_id = users.id and r.name ilike %s)",
			arg("%"+f+"%")))
	}
	where := ""
	if len(clauses) > 0 {
		where = " where " + strings.Join(clauses, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	limitArgs := append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(
		`select `+userColumns+` from users%s order by created_at limit $%d offset $%d`,
		where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, limitArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

const roleColumns = `id, name, guard_name, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.GuardName, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	if role.GuardName == "" {
		role.GuardName = DefaultGuard
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles(id, name, guard_name)
		values ($1,$2,$3)
		returning created_at, updated_at
	`, role.ID, role.Name, role.GuardName).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id=$1`, id))
}

func (s *roleStore) FindByName(ctx context.Context, name, guard string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where name=$1 and guard_name=$2`, name, guard))
}

func (s *roleStore) List(ctx context.Context, guard string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles where guard_name=$1 order by name`, guard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, role *Role) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set name=$2, updated_at=now() where id=$1`, role.ID, role.Name)
	if err != nil {
		return mapWriteError(err)
	}
	return requireRow(res)
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	// user_roles and role_permissions rows are detached by the schema's
	// ON DELETE CASCADE on the pivot foreign keys.
	res, err := s.db.ExecContext(ctx, `delete from roles where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles(user_id, role_id)
		values ($1,$2)
		on conflict do nothing
	`, userID, roleID)
	return mapWriteError(err)
}

func (s *roleStore) Detach(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_roles where user_id=$1 and role_id=$2`, userID, roleID)
	return err
}

func (s *roleStore) RolesOf(ctx context.Context, userID string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.guard_name, r.created_at, r.updated_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Permission store ---------------------------------------------------------

type permissionStore struct{ db *sql.DB }

const permColumns = `id, name, guard_name, created_at, updated_at`

func scanPermission(row interface{ Scan(...any) error }) (*Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.GuardName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *permissionStore) Create(ctx context.Context, perm *Permission) error {
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	if perm.GuardName == "" {
		perm.GuardName = DefaultGuard
	}
	err := s.db.QueryRowContext(ctx, `
		insert into permissions(id, name, guard_name)
		values ($1,$2,$3)
		returning created_at, updated_at
	`, perm.ID, perm.Name, perm.GuardName).Scan(&perm.CreatedAt, &perm.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *permissionStore) Find(ctx context.Context, id string) (*Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx,
		`select `+permColumns+` from permissions where id=$1`, id))
}

func (s *permissionStore) FindByName(ctx context.Context, name, guard string) (*Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx,
		`select `+permColumns+` from permissions where name=$1 and guard_name=$2`, name, guard))
}

func (s *permissionStore) List(ctx context.Context, guard string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+permColumns+` from permissions where guard_name=$1 order by name`, guard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *permissionStore) Update(ctx context.Context, perm *Permission) error {
	res, err := s.db.ExecContext(ctx,
		`update permissions set name=$2, updated_at=now() where id=$1`, perm.ID, perm.Name)
	if err != nil {
		return mapWriteError(err)
	}
	return requireRow(res)
}

func (s *permissionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from permissions where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if p.GuardName == "" {
			p.GuardName = DefaultGuard
		}
		_, err := s.db.ExecContext(ctx, `
			insert into permissions(id, name, guard_name)
			values ($1,$2,$3)
			on conflict (name, guard_name) do nothing
		`, p.ID, p.Name, p.GuardName)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID, guard string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, name := range names {
		_, err := tx.ExecContext(ctx, `
			insert into role_permissions(role_id, permission_id)
			select $1, id from permissions where name=$2 and guard_name=$3
		`, roleID, name, guard)
		if err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.guard_name, p.created_at, p.updated_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *permissionStore) DirectForUser(ctx context.Context, userID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.guard_name, p.created_at, p.updated_at
		from permissions p
		join user_permissions up on up.permission_id = p.id
		where up.user_id = $1
		order by p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *permissionStore) GrantToUser(ctx context.Context, userID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_permissions(user_id, permission_id)
		values ($1,$2)
		on conflict do nothing
	`, userID, permissionID)
	return mapWriteError(err)
}

func (s *permissionStore) RevokeFromUser(ctx context.Context, userID, permissionID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_permissions where user_id=$1 and permission_id=$2`, userID, permissionID)
	return err
}

func collectPermissions(rows *sql.Rows) ([]*Permission, error) {
	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Refresh token store ------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, issued_ip, user_agent, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.IssuedIP, tok.UserAgent, tok.ExpiresAt, tok.CreatedAt)
	return mapWriteError(err)
}

func (s *refreshTokenStore) Find(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, issued_ip, user_agent, expires_at, created_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedIP, &t.UserAgent, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Rotate consumes the old token and inserts its replacement in one
// transaction. The DELETE takes a row lock, so of two concurrent rotations
// of the same value the loser's delete matches zero rows once the winner
// commits, and it observes ErrNotFound.
func (s *refreshTokenStore) Rotate(ctx context.Context, oldHash string, replacement *RefreshToken, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		userID    string
		expiresAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		delete from refresh_tokens where token_hash = $1
		returning user_id, expires_at
	`, oldHash).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !expiresAt.After(now) {
		// The stale row is gone either way; committing the delete doubles
		// as opportunistic cleanup.
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrTokenExpired
	}

	if replacement.ID == "" {
		replacement.ID = ids.New()
	}
	replacement.UserID = userID
	_, err = tx.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, issued_ip, user_agent, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, replacement.ID, replacement.UserID, replacement.TokenHash,
		replacement.IssuedIP, replacement.UserAgent, replacement.ExpiresAt, replacement.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return tx.Commit()
}

func (s *refreshTokenStore) Revoke(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where token_hash = $1`, tokenHash)
	return err
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where user_id = $1`, userID)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
