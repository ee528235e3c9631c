package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/foodbot/internal/model"
)

// CreateUser сохраняет пользователя и возвращает признак того, что он создан впервые.
func (r *PostgresRepository) CreateUser(ctx context.Context, userID int64, username string) (bool, error) {
	cmdTag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO users (id, username) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		userID, username,
	)
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	var username *string
	err := r.db(ctx).QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &username, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if username != nil {
		u.Username = *username
	}
	return &u, nil
}
