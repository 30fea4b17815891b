package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lancon/relay/internal/user"
)

const pgUniqueViolation = "23505"

type pgUserRepo struct {
	db *sql.DB
}

func (r *pgUserRepo) Create(ctx context.Context, u user.User) error {
	if u.Username == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("username, password_hash, and created_at are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, email, full_name, language, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(u.Username), u.PasswordHash, u.Email, u.FullName, u.Language, u.Disabled, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return user.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *pgUserRepo) GetByUsername(ctx context.Context, username user.Identity) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT username, password_hash, email, full_name, language, disabled, created_at
		FROM users WHERE username = $1`, string(username))
	var (
		u    user.User
		name string
	)
	if err := row.Scan(&name, &u.PasswordHash, &u.Email, &u.FullName, &u.Language, &u.Disabled, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user by username: %w", err)
	}
	u.Username = user.Identity(name)
	return u, nil
}

func (r *pgUserRepo) ListUsernames(ctx context.Context) ([]user.Identity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username FROM users WHERE NOT disabled ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	defer rows.Close()

	var out []user.Identity
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		out = append(out, user.Identity(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usernames: %w", err)
	}
	return out, nil
}

func (r *pgUserRepo) SetLanguage(ctx context.Context, username user.Identity, language string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET language = $2 WHERE username = $1`, string(username), language)
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	if n == 0 {
		return user.ErrNotFound
	}
	return nil
}
