// Package outbox публикует события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт publisher для сообщений, которые не удалось доставить.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.dlqPublisher = publisher
	}
}

// WithMetrics подключает prometheus-метрики публикации.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации до пометки failed.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBaseDelay задаёт начальную задержку exponential backoff; 0 отключает ожидание.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay >= 0 {
			w.retryBaseDelay = delay
		}
	}
}

// Worker публикует pending-сообщения из outbox и помечает их sent или failed.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	metrics        *metrics.OutboxMetrics
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce обрабатывает один батч и возвращает число опубликованных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, msg) {
			sent++
		}
	}

	w.refreshBacklog(ctx)
	return sent
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	fields := log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	}

	err := w.publishWithRetry(ctx, msg)
	if err == nil {
		if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
			w.logger.WithError(markErr).WithFields(fields).Warn("failed to mark outbox message as sent")
		}
		return true
	}
	if ctx.Err() != nil {
		// Сообщение остаётся pending и будет отправлено после перезапуска.
		return false
	}

	w.logger.WithError(err).WithFields(fields).Error("outbox publish failed after retries")
	w.metrics.RecordPublish(metrics.PublishFailed)

	if dlqErr := w.publishToDLQ(ctx, msg, err); dlqErr != nil {
		w.logger.WithError(dlqErr).WithFields(fields).Warn("failed to publish to DLQ")
		w.metrics.RecordPublish(metrics.PublishDLQFailed)
	}
	if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
		w.logger.WithError(markErr).WithFields(fields).Warn("failed to mark outbox message as failed")
	}
	return false
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, msg)
		if err == nil {
			w.metrics.RecordPublish(metrics.PublishSent)
			return nil
		}
		lastErr = err
		w.metrics.RecordPublish(metrics.PublishRetryError)

		if attempt == w.maxAttempts {
			break
		}
		delay := w.retryBackoff(attempt)
		if delay == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// retryBackoff: base, 2*base, 4*base... не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt, time.Now())
}

func (w *Worker) publishToDLQ(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload, err := json.Marshal(struct {
		OutboxID     string          `json:"outbox_id"`
		EventType    string          `json:"event_type"`
		Payload      json.RawMessage `json:"payload"`
		PublishError string          `json:"publish_error"`
		FailedAt     time.Time       `json:"failed_at"`
	}{
		OutboxID:     msg.ID,
		EventType:    msg.EventType,
		Payload:      rawPayload(msg.Payload),
		PublishError: cause.Error(),
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dead := msg
	dead.Payload = payload
	if err := w.dlqPublisher.Publish(ctx, dead); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

// rawPayload встраивает исходный payload как есть, если это валидный JSON, иначе строкой.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
