package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/foodbot/internal/model"
)

const orderColumns = `id, user_id, total, status, idempotency_key, created_at`

// CreateOrder создаёт заголовок заказа в статусе PENDING и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID int64, total model.Money, idempotencyKey string) (int64, error) {
	var id int64
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO orders (user_id, total, status, idempotency_key)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		userID, int64(total), string(model.OrderStatusPending), idempotencyKey,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, model.ErrOrderExists
		}
		if isForeignKeyViolation(err) {
			return 0, model.ErrUserNotFound
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// AddOrderLines добавляет строки заказа одной транзакцией.
func (r *PostgresRepository) AddOrderLines(ctx context.Context, orderID int64, lines []model.OrderLine) error {
	if len(lines) == 0 {
		return nil
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, l := range lines {
			batch.Queue(
				`INSERT INTO order_lines (order_id, item_name, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
				orderID, l.ItemName, l.Quantity, int64(l.UnitPrice),
			)
		}
		if err := execBatch(ctx, r.db(ctx), batch, "insert order line"); err != nil {
			if isForeignKeyViolation(err) {
				return model.ErrOrderNotFound
			}
			return err
		}
		return nil
	})
}

// ConfirmOrder переводит оплаченный заказ из PENDING в RECEIVED. Для принятого заказа ничего не меняет.
func (r *PostgresRepository) ConfirmOrder(ctx context.Context, orderID int64) error {
	var status string
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE orders SET status = CASE WHEN status = $2 THEN $3 ELSE status END
		 WHERE id = $1
		 RETURNING status`,
		orderID, string(model.OrderStatusPending), string(model.OrderStatusReceived),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrOrderNotFound
		}
		return fmt.Errorf("confirm order: %w", err)
	}
	if model.OrderStatus(status) != model.OrderStatusReceived {
		return fmt.Errorf("confirm order %d: status %s", orderID, status)
	}
	return nil
}

// MarkOrderFailed переводит заказ в терминальный статус FAILED.
// Для уже проваленного заказа вызов ничего не меняет.
func (r *PostgresRepository) MarkOrderFailed(ctx context.Context, orderID int64) error {
	q := r.db(ctx)

	cmdTag, err := q.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1 AND status <> $2`,
		orderID, string(model.OrderStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`,
		orderID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return model.ErrOrderNotFound
	}
	return nil
}

// GetOrdersByUser возвращает заказы пользователя в порядке создания.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// FindOrderByKey ищет заказ пользователя, занимающий ключ идемпотентности: принятый или незавершённый.
// Если заказа нет, возвращает nil без ошибки.
func (r *PostgresRepository) FindOrderByKey(ctx context.Context, userID int64, idempotencyKey string) (*model.Order, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1 AND idempotency_key = $2 AND status IN ($3, $4)`,
		userID, idempotencyKey, string(model.OrderStatusPending), string(model.OrderStatusReceived),
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// GetOrderLines возвращает строки заказа в порядке добавления.
func (r *PostgresRepository) GetOrderLines(ctx context.Context, orderID int64) ([]model.OrderLine, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT item_name, quantity, unit_price
		 FROM order_lines
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OrderLine
	for rows.Next() {
		var (
			itemName  string
			quantity  int
			unitPrice int64
		)
		if err := rows.Scan(&itemName, &quantity, &unitPrice); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, model.OrderLine{
			OrderID:   orderID,
			ItemName:  itemName,
			Quantity:  quantity,
			UnitPrice: model.Money(unitPrice),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o         model.Order
		total     int64
		status    string
		createdAt time.Time
	)
	if err := row.Scan(&o.ID, &o.UserID, &total, &status, &o.IdempotencyKey, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, err
		}
		return model.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.Total = model.Money(total)
	o.Status = model.OrderStatus(status)
	o.CreatedAt = createdAt
	return o, nil
}
