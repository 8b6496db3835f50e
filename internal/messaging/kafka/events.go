// Package kafka публикует события заказов в Kafka через sarama.
package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicDeadLetterQueue = "storefront.order.events.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// Envelope задаёт формат сообщения в топике событий заказов.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение. Пустой payload кодируется как null,
// невалидный JSON передаётся строкой.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	switch {
	case len(payload) == 0:
		payload = json.RawMessage("null")
	case !json.Valid(payload):
		quoted, _ := json.Marshal(string(msg.Payload))
		payload = quoted
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// DeadLetter хранит payload конверта в DLQ-топике: исходное событие и причина, по которой его не удалось доставить.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PublishError string          `json:"publish_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

// DecodeDeadLetter восстанавливает исходное outbox-сообщение из значения DLQ-топика.
func DecodeDeadLetter(value []byte) (domain.OutboxMessage, DeadLetter, error) {
	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.OutboxMessage{}, DeadLetter{}, fmt.Errorf("decode dlq envelope: %w", err)
	}

	var dead DeadLetter
	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		return domain.OutboxMessage{}, DeadLetter{}, errors.New("dlq envelope has no payload")
	}
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return domain.OutboxMessage{}, DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return domain.OutboxMessage{}, DeadLetter{}, errors.New("dead letter does not contain original event payload")
	}

	msg := domain.OutboxMessage{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: envelope.AggregateType,
		AggregateID:   envelope.AggregateID,
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       []byte(dead.Payload),
	}
	return msg, dead, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
