package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmeshcher/foodbot/internal/model"
)

// InsertOutbox сохраняет событие для последующей публикации. Вызывается внутри транзакции оформления заказа.
func (r *PostgresRepository) InsertOutbox(ctx context.Context, eventID, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)`,
		eventID, topic, key, data,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FetchPendingOutbox возвращает неопубликованные события в порядке записи.
func (r *PostgresRepository) FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, event_id, topic, key, payload, created_at
		 FROM outbox
		 WHERE sent_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxRecord
	for rows.Next() {
		var rec model.OutboxRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		rec.Payload = payload
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkOutboxSent отмечает событие опубликованным.
func (r *PostgresRepository) MarkOutboxSent(ctx context.Context, id int64) error {
	if _, err := r.db(ctx).Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}
