package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	seq        int64
	status     string
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

// EnqueueOutbox сохраняет событие со статусом `pending` в рамках транзакции.
func (t *tx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	if err := t.active(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := t.store.now()
	t.work.nextOutboxNo++
	t.work.outbox[msg.ID] = &outboxRecord{
		msg:       msg,
		seq:       t.work.nextOutboxNo,
		status:    outboxStatusPending,
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (s *Store) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	pending := pendingRecords(s.snapshot())
	if len(pending) > limit {
		pending = pending[:limit]
	}
	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result, nil
}

// Stats возвращает размер backlog и время самого старого pending-сообщения.
func (s *Store) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}
	pending := pendingRecords(s.snapshot())
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].createdAt
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.markOutbox(ctx, id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.markOutbox(ctx, id, outboxStatusFailed)
}

func (s *Store) markOutbox(ctx context.Context, id, status string) error {
	return s.mutate(ctx, func(st *state) error {
		record, ok := st.outbox[id]
		if !ok {
			return fmt.Errorf("outbox message %s: %w", id, domain.ErrNotFound)
		}
		record.status = status
		record.attemptCnt++
		record.updatedAt = s.now()
		return nil
	})
}

// AllPending возвращает копию всех сообщений со статусом `pending` (используется в тестах).
func (s *Store) AllPending() []domain.OutboxMessage {
	pending := pendingRecords(s.snapshot())
	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result
}

func pendingRecords(st *state) []*outboxRecord {
	result := make([]*outboxRecord, 0, len(st.outbox))
	for _, rec := range st.outbox {
		if rec.status == outboxStatusPending {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}

var _ domain.OutboxRepository = (*Store)(nil)
