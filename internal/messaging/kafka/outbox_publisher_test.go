package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	publishedAt := time.Date(2024, 11, 26, 12, 0, 0, 0, time.UTC)
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.EventType != domain.EventOrderCreated || env.AggregateID != "42" {
			return fmt.Errorf("unexpected envelope: %+v", env)
		}
		if string(env.Payload) != `{"id":42}` {
			return fmt.Errorf("unexpected payload: %s", env.Payload)
		}
		if !env.PublishedAt.Equal(publishedAt) {
			return fmt.Errorf("unexpected published_at: %s", env.PublishedAt)
		}
		return nil
	})

	publisher := NewOutboxPublisher(newProducer(mockProducer, log.WithField("component", "kafka-outbox-publisher-test")), "")
	publisher.now = func() time.Time { return publishedAt }
	if publisher.Topic() != TopicOrderEvents {
		t.Fatalf("expected default topic %s, got %s", TopicOrderEvents, publisher.Topic())
	}

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "42",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"id":42}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(newProducer(mockProducer, nil), TopicDeadLetterQueue)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "43",
		EventType:     domain.EventOrderDeleted,
		Payload:       []byte(`{"id":43}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestNewEnvelope_EmptyPayload(t *testing.T) {
	t.Parallel()

	env := NewEnvelope(domain.OutboxMessage{ID: "outbox-4", EventType: domain.EventOrderDeleted}, time.Now())
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded["payload"] != nil {
		t.Fatalf("expected null payload, got %v", decoded["payload"])
	}
}
