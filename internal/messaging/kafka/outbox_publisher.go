package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxPublisher публикует outbox-сообщения в Kafka topic.
// Ключ сообщения: id агрегата, поэтому события одного заказа попадают в одну партицию.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}
}

// Topic возвращает topic назначения.
func (p *OutboxPublisher) Topic() string {
	return p.topic
}

func (p *OutboxPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	headers := map[string]string{
		HeaderEventType:     event.EventType,
		HeaderAggregateType: event.AggregateType,
		HeaderOutboxID:      event.ID,
	}
	return p.producer.SendJSON(ctx, p.topic, key, NewEnvelope(event, p.now()), headers)
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
