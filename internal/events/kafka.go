// Package events доставляет события о принятых заказах из таблицы outbox в Kafka.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/foodbot/internal/model"
)

// ParseBrokers разбирает список брокеров, разделённых запятыми.
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// KafkaPublisher публикует записи outbox в Kafka. Топик берётся из записи.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт издателя для указанных брокеров.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish отправляет запись; ключом сообщения служит ключ записи, чтобы события пользователя попадали в одну партицию.
func (p *KafkaPublisher) Publish(ctx context.Context, rec model.OutboxRecord) error {
	return p.writer.WriteMessages(ctx, toMessage(rec))
}

// Close закрывает соединения с брокерами.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(rec model.OutboxRecord) kafka.Message {
	return kafka.Message{
		Topic: rec.Topic,
		Key:   []byte(rec.Key),
		Value: rec.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rec.EventID)},
		},
		Time: rec.CreatedAt,
	}
}
