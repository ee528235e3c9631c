package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/foodbot/internal/model"
)

const defaultBatchSize = 100

// Outbox хранит неотправленные события.
type Outbox interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, id int64) error
}

// Publisher отправляет событие во внешнюю систему.
type Publisher interface {
	Publish(ctx context.Context, rec model.OutboxRecord) error
}

// Relay периодически выбирает неотправленные события и публикует их.
// Доставка «хотя бы один раз»: событие помечается отправленным только после успешной публикации.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewRelay создаёт ретранслятор с периодом опроса interval.
func NewRelay(outbox Outbox, publisher Publisher, logger *zap.Logger, interval time.Duration) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: defaultBatchSize,
	}
}

// Run работает до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.processBatch(ctx)
		}
	}
}

// processBatch публикует одну пачку и возвращает число отправленных событий.
// Пачка прерывается на первой ошибке, чтобы не нарушать порядок событий.
func (r *Relay) processBatch(ctx context.Context) int {
	records, err := r.outbox.FetchPendingOutbox(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("fetch outbox failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, rec := range records {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			r.logger.Warn("publish event failed",
				zap.Int64("outboxID", rec.ID),
				zap.String("eventID", rec.EventID),
				zap.String("topic", rec.Topic),
				zap.Error(err),
			)
			return sent
		}
		if err := r.outbox.MarkOutboxSent(ctx, rec.ID); err != nil {
			r.logger.Warn("mark outbox sent failed", zap.Int64("outboxID", rec.ID), zap.Error(err))
			return sent
		}
		sent++
	}
	if sent > 0 {
		r.logger.Debug("events published", zap.Int("count", sent))
	}
	return sent
}
