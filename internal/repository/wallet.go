package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/foodbot/internal/model"
)

// OpenWallet открывает кошелёк с начальным балансом. Повторный вызов баланс не меняет.
func (r *PostgresRepository) OpenWallet(ctx context.Context, userID int64, initial model.Money) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, int64(initial),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrUserNotFound
		}
		return fmt.Errorf("open wallet: %w", err)
	}
	return nil
}

// GetBalance возвращает текущий баланс кошелька.
// Внутри транзакции строка кошелька блокируется до её завершения, что сериализует оформления заказов одного пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (model.Money, error) {
	query := `SELECT balance FROM wallets WHERE user_id = $1`
	if txFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}

	var balance int64
	if err := r.db(ctx).QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrAccountNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return model.Money(balance), nil
}

// Debit атомарно проверяет достаточность средств и списывает сумму одним запросом.
func (r *PostgresRepository) Debit(ctx context.Context, userID int64, amount model.Money) (model.Money, error) {
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}
	q := r.db(ctx)

	var balance int64
	err := q.QueryRow(ctx,
		`UPDATE wallets SET balance = balance - $2, updated_at = now()
		 WHERE user_id = $1 AND balance >= $2
		 RETURNING balance`,
		userID, int64(amount),
	).Scan(&balance)
	if err == nil {
		return model.Money(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit wallet: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`,
		userID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check wallet: %w", err)
	}
	if !exists {
		return 0, model.ErrAccountNotFound
	}
	return 0, model.ErrInsufficientFunds
}

// Credit пополняет кошелёк и возвращает новый баланс. Переполнение BIGINT возвращает ErrAmountOutOfRange.
func (r *PostgresRepository) Credit(ctx context.Context, userID int64, amount model.Money) (model.Money, error) {
	if amount < 0 {
		return 0, model.ErrInvalidAmount
	}
	var balance int64
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING balance`,
		userID, int64(amount),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrAccountNotFound
		}
		if isNumericOutOfRange(err) {
			return 0, model.ErrAmountOutOfRange
		}
		return 0, fmt.Errorf("credit wallet: %w", err)
	}
	return model.Money(balance), nil
}
