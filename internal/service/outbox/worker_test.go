package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func orderEvent(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   "1",
		EventType:     domain.EventOrderUpdated,
		Payload:       []byte(`{"id":1,"status":"Paid"}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-1")}}
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-1" {
		t.Fatalf("unexpected sent marks: %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected 0 failed marks, got %v", repo.failedIDs)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-2")}}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlqPublisher := &stubPublisher{}
	m := metrics.NewOutboxMetrics(prometheus.NewRegistry())

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithMetrics(m),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	if sent := worker.ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing sent, got %d", sent)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-2" {
		t.Fatalf("unexpected failed marks: %v", repo.failedIDs)
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	var dead struct {
		OutboxID     string          `json:"outbox_id"`
		PublishError string          `json:"publish_error"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(dlqPublisher.last().Payload, &dead); err != nil {
		t.Fatalf("decode dlq payload: %v", err)
	}
	if dead.OutboxID != "msg-2" || dead.PublishError == "" || len(dead.Payload) == 0 {
		t.Fatalf("unexpected dlq payload: %+v", dead)
	}
}

func TestWorker_DLQKeepsNonJSONPayload(t *testing.T) {
	t.Parallel()

	msg := orderEvent("msg-5")
	msg.Payload = []byte("not json")
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{msg}}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, &stubPublisher{err: errors.New("broker unavailable")},
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
	)
	worker.ProcessOnce(context.Background())

	var dead struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(dlqPublisher.last().Payload, &dead); err != nil {
		t.Fatalf("decode dlq payload: %v", err)
	}
	if dead.Payload != "not json" {
		t.Fatalf("expected original payload as string, got %q", dead.Payload)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-3")}}
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.sentIDs) != 1 || len(repo.failedIDs) != 0 {
		t.Fatalf("unexpected marks: sent=%v failed=%v", repo.sentIDs, repo.failedIDs)
	}
}

func TestWorker_ProcessOnce_CanceledContextLeavesPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-4")}}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Second), WithMaxAttempts(5))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	worker.ProcessOnce(ctx)

	if len(repo.failedIDs) != 0 || len(repo.sentIDs) != 0 {
		t.Fatalf("interrupted message must stay pending: sent=%v failed=%v", repo.sentIDs, repo.failedIDs)
	}
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(100*time.Millisecond))
	cases := map[int]time.Duration{
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		10: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := worker.retryBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}

	if got := NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(3); got != 0 {
		t.Fatalf("expected no delay, got %v", got)
	}
}

func TestWorker_PublishesCommittedOrderEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	if err := store.AddProduct(ctx, domain.Product{ID: 1, Name: "Gorro", Price: decimal.RequireFromString("10.00")}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	if err := store.AddProductItem(ctx, domain.ProductItem{ID: 8, ProductID: 1, Size: domain.ProductItemSizeOneSize}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	service := orders.NewService(store, logger.WithField("component", "orders"))

	status := domain.OrderStatusCreated
	amount := decimal.RequireFromString("20.00")
	customer := int64(5)
	item := int64(8)
	qty := 2
	price := decimal.RequireFromString("10.00")
	if _, err := service.CreateOrder(ctx, domain.OrderInput{
		CustomerID: &customer,
		Amount:     &amount,
		Status:     &status,
		Lines: []domain.LineInput{{
			ItemID: &item, Quantity: &qty, PriceWithDiscount: &price, Amount: &amount,
		}},
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	publisher := &stubPublisher{}
	reg := prometheus.NewRegistry()
	m := metrics.NewOutboxMetrics(reg)
	worker := NewWorker(store, publisher, WithMetrics(m), WithRetryBaseDelay(0), WithLogger(logger.WithField("component", "outbox")))

	if sent := worker.ProcessOnce(ctx); sent != 1 {
		t.Fatalf("expected 1 published event, got %d", sent)
	}
	if got := publisher.last().EventType; got != domain.EventOrderCreated {
		t.Fatalf("expected %s, got %s", domain.EventOrderCreated, got)
	}
	if pending := store.AllPending(); len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %d pending", len(pending))
	}
	if got := gaugeValue(t, reg, "storefront_outbox_pending_records"); got != 0 {
		t.Fatalf("expected pending gauge 0, got %v", got)
	}
	if sent := worker.ProcessOnce(ctx); sent != 0 {
		t.Fatalf("second pass must not republish, got %d", sent)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = append(s.published, msg)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		return domain.OutboxMessage{}
	}
	return s.published[len(s.published)-1]
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
)
