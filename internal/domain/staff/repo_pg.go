package staff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const userSelect = `SELECT id, username, full_name, password_hash, roles, department, is_active,
	last_login_at, created_at, updated_at FROM users`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.PasswordHash, &u.Roles, &u.Department, &u.IsActive,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	return &u, err
}

func (r *repoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, username, full_name, password_hash, roles, department, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.FullName, u.PasswordHash, u.Roles, u.Department, u.IsActive,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	return db.Classify(err, "create user", "user", "")
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, userSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get user", "user", id.String())
	}
	return u, nil
}

func (r *repoPG) ByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, userSelect+` WHERE username = $1`, username))
	if err != nil {
		return nil, db.Classify(err, "get user", "user", username)
	}
	return u, nil
}

func (r *repoPG) exec(ctx context.Context, op string, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return db.Classify(err, op, "user", id.String())
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", id.String())
	}
	return nil
}

func (r *repoPG) Update(ctx context.Context, u *User) error {
	return r.exec(ctx, "update user", u.ID, `
		UPDATE users SET full_name = $2, roles = $3, department = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1`, u.ID, u.FullName, u.Roles, u.Department, u.IsActive)
}

func (r *repoPG) SetPassword(ctx context.Context, id uuid.UUID, hash string) error {
	return r.exec(ctx, "set password", id,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

func (r *repoPG) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, "record login", id, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (r *repoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*User, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE is_active"
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, userSelect+where+` ORDER BY lower(full_name), id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*User, error) { return scanUser(row) })
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}
