package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateUser inserts an agent. Emails are stored lower-cased.
func (o ops) CreateUser(ctx context.Context, email, name, role string) (User, error) {
	if role == "" {
		role = "agent"
	}
	u := User{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	res, err := o.q.ExecContext(ctx,
		`INSERT INTO users (email, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.Email, u.Name, u.Role, formatTime(u.CreatedAt),
	)
	if err != nil {
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return User{}, err
	}
	return u, nil
}

const userColumns = `id, email, name, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &createdAt); err != nil {
		return User{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

func (o ops) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(o.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (o ops) GetUserByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(o.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (o ops) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
