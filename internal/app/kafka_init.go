package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

// initKafkaProducer возвращает nil, nil при пустом списке brokers.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

// startOutboxWorker запускает публикацию outbox в фоне. Возвращает функцию остановки, дожидающуюся воркера.
func startOutboxWorker(ctx context.Context, cfg Config, repo domain.OutboxRepository, publisher, dlq domain.OutboxPublisher, logger *log.Entry) func() {
	worker := outbox.NewWorker(repo, publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(dlq),
		outbox.WithMetrics(metrics.NewOutboxMetrics(nil)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	logger.WithField("poll_interval", cfg.OutboxPollInterval).Info("outbox worker started")

	return func() {
		cancel()
		<-done
	}
}
