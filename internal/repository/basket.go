package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/foodbot/internal/model"
)

// AddBasketEntry добавляет в корзину одну запись без объединения с существующими.
func (r *PostgresRepository) AddBasketEntry(ctx context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error) {
	e := model.BasketEntry{
		UserID:    userID,
		ItemName:  itemName,
		UnitPrice: unitPrice,
		Quantity:  quantity,
	}
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO basket_entries (user_id, item_name, unit_price, quantity)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, added_at`,
		userID, itemName, int64(unitPrice), quantity,
	).Scan(&e.ID, &e.AddedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.BasketEntry{}, model.ErrUserNotFound
		}
		return model.BasketEntry{}, fmt.Errorf("insert basket entry: %w", err)
	}
	return e, nil
}

// GetBasketEntries возвращает записи корзины в порядке добавления.
func (r *PostgresRepository) GetBasketEntries(ctx context.Context, userID int64) ([]model.BasketEntry, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, item_name, unit_price, quantity, added_at
		 FROM basket_entries
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select basket entries: %w", err)
	}
	defer rows.Close()

	var res []model.BasketEntry
	for rows.Next() {
		var (
			id        int64
			itemName  string
			unitPrice int64
			quantity  int
			addedAt   time.Time
		)
		if err := rows.Scan(&id, &itemName, &unitPrice, &quantity, &addedAt); err != nil {
			return nil, fmt.Errorf("scan basket entry: %w", err)
		}
		res = append(res, model.BasketEntry{
			ID:        id,
			UserID:    userID,
			ItemName:  itemName,
			UnitPrice: model.Money(unitPrice),
			Quantity:  quantity,
			AddedAt:   addedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetAggregatedBasket агрегирует корзину на стороне БД: число записей и сумма их цен по блюду.
func (r *PostgresRepository) GetAggregatedBasket(ctx context.Context, userID int64) (map[string]model.BasketLine, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT item_name, COUNT(*), COALESCE(SUM(unit_price), 0)::BIGINT
		 FROM basket_entries
		 WHERE user_id = $1
		 GROUP BY item_name`,
		userID,
	)
	if err != nil {
		if isNumericOutOfRange(err) {
			return nil, model.ErrAmountOutOfRange
		}
		return nil, fmt.Errorf("aggregate basket: %w", err)
	}
	defer rows.Close()

	res := make(map[string]model.BasketLine)
	for rows.Next() {
		var (
			itemName string
			count    int64
			sum      int64
		)
		if err := rows.Scan(&itemName, &count, &sum); err != nil {
			return nil, fmt.Errorf("scan basket line: %w", err)
		}
		res[itemName] = model.BasketLine{
			ItemName:   itemName,
			Quantity:   int(count),
			TotalPrice: model.Money(sum),
		}
	}

	if err := rows.Err(); err != nil {
		if isNumericOutOfRange(err) {
			return nil, model.ErrAmountOutOfRange
		}
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClearBasket удаляет все записи корзины пользователя и возвращает их количество.
func (r *PostgresRepository) ClearBasket(ctx context.Context, userID int64) (int64, error) {
	cmdTag, err := r.db(ctx).Exec(ctx, `DELETE FROM basket_entries WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear basket: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// RestoreBasket возвращает в корзину ранее удалённые записи с их исходными идентификаторами.
func (r *PostgresRepository) RestoreBasket(ctx context.Context, userID int64, entries []model.BasketEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(
				`INSERT INTO basket_entries (id, user_id, item_name, unit_price, quantity, added_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO NOTHING`,
				e.ID, userID, e.ItemName, int64(e.UnitPrice), e.Quantity, e.AddedAt,
			)
		}
		return execBatch(ctx, r.db(ctx), batch, "restore basket entry")
	})
}

func execBatch(ctx context.Context, q querier, batch *pgx.Batch, what string) error {
	br := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
