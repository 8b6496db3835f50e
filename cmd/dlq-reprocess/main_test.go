package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

func deadLetterValue(t *testing.T, id, aggregateID string) []byte {
	t.Helper()

	dead, err := json.Marshal(kafka.DeadLetter{
		OutboxID:     id,
		EventType:    domain.EventOrderUpdated,
		Payload:      json.RawMessage(fmt.Sprintf(`{"id":%s}`, aggregateID)),
		PublishError: "broker unavailable",
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	value, err := json.Marshal(kafka.NewEnvelope(domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   aggregateID,
		EventType:     domain.EventOrderUpdated,
		Payload:       dead,
	}, time.Now()))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return value
}

func noEnv(string) string { return "" }

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 || brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	cfg, err := readConfig([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=orders.dlq",
		"-target-topic=orders",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, noEnv)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if len(cfg.brokers) != 2 {
		t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
	}
	if cfg.limit != 10 || !cfg.execute || !cfg.fromNewest {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.idleTimeout != 3*time.Second {
		t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
	}
}

func TestReadConfig_DefaultsAndEnvFallback(t *testing.T) {
	cfg, err := readConfig(nil, func(key string) string {
		if key == brokersEnv {
			return "env-broker:9092"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if cfg.brokers[0] != "env-broker:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if cfg.sourceTopic != kafka.TopicDeadLetterQueue || cfg.targetTopic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %s -> %s", cfg.sourceTopic, cfg.targetTopic)
	}
	if cfg.execute {
		t.Fatal("dry-run must be the default")
	}
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	testCases := []struct {
		args    []string
		wantErr string
	}{
		{args: []string{"-brokers="}, wantErr: "kafka brokers are required"},
		{args: []string{"-brokers=b:9092", "-source-topic="}, wantErr: "source-topic is required"},
		{args: []string{"-brokers=b:9092", "-target-topic="}, wantErr: "target-topic is required"},
		{args: []string{"-brokers=b:9092", "-source-topic=x", "-target-topic=x"}, wantErr: "must differ"},
		{args: []string{"-brokers=b:9092", "-limit=0"}, wantErr: "limit must be > 0"},
		{args: []string{"-brokers=b:9092", "-idle-timeout=0s"}, wantErr: "idle-timeout must be > 0"},
		{args: []string{"-unknown"}, wantErr: "flag provided but not defined"},
	}
	for _, tc := range testCases {
		t.Run(tc.wantErr, func(t *testing.T) {
			_, err := readConfig(tc.args, noEnv)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: deadLetterValue(t, "outbox-1", "1")}}),
		},
	}
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumer}, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats != (replayStats{processed: 1, replayed: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestProcessPartition_ExecuteRestoresOriginalEvent(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: deadLetterValue(t, "outbox-1", "1")},
				{Partition: 0, Offset: 1, Value: []byte(`{"foo":"bar"}`)},
			}),
		},
	}
	publisher := &stubPublisher{}
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumer, publisher: publisher}, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats != (replayStats{processed: 2, replayed: 1, skipped: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.published))
	}
	got := publisher.published[0]
	if got.ID != "outbox-1" || got.AggregateID != "1" || got.EventType != domain.EventOrderUpdated {
		t.Fatalf("unexpected replayed event: %+v", got)
	}
	if string(got.Payload) != `{"id":1}` {
		t.Fatalf("expected original payload, got %s", got.Payload)
	}
}

func TestProcessPartition_FromNewestStartsWithinLimit(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 3, newest: 10}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(nil)},
	}
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", fromNewest: true, idleTimeout: 20 * time.Millisecond}

	if _, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumer}, 0, 2); err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if consumer.calls[0].offset != 8 {
		t.Fatalf("expected start offset 8, got %d", consumer.calls[0].offset)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", execute: true, idleTimeout: 20 * time.Millisecond}
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	offsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := processPartition(context.Background(), cfg, replayDependencies{client: offsetErr, consumer: &stubPartitionConsumerSource{}, publisher: &stubPublisher{}}, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	consumeErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	if _, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumeErr, publisher: &stubPublisher{}}, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumer, publisher: &stubPublisher{}}, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}

	consumer = &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: deadLetterValue(t, "outbox-1", "1")}}),
		},
	}
	failing := &stubPublisher{err: errors.New("send fail")}
	if _, err := processPartition(context.Background(), cfg, replayDependencies{client: client, consumer: consumer, publisher: failing}, 0, 1); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", idleTimeout: 10 * time.Millisecond}

	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	stats, err := processPartition(context.Background(), cfg,
		replayDependencies{client: client, consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}}, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("expected processed=0, got %+v", stats)
	}
	if !idle.closed {
		t.Fatal("partition consumer must be closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	_, err = processPartition(ctx, cfg,
		replayDependencies{client: client, consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: blocked}}}, 0, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", limit: 1, idleTimeout: 20 * time.Millisecond}

	if _, err := runReplay(context.Background(), cfg, replayDependencies{}); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: deadLetterValue(t, "outbox-1", "1")}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: deadLetterValue(t, "outbox-2", "2")}}),
		},
	}
	deps := replayDependencies{client: client, consumer: consumer}

	stats, err := runReplay(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if stats.processed != 1 {
		t.Fatalf("expected limit to stop after one message, got %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("expected only the first sorted partition to be read, got %+v", consumer.calls)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if _, err := runReplay(context.Background(), executeCfg, deps); err == nil {
		t.Fatal("expected execute mode to require publisher")
	}

	if _, err := runReplay(context.Background(), cfg, replayDependencies{client: &stubOffsetClient{}, consumer: consumer}); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}

	partitionsErr := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	if _, err := runReplay(context.Background(), cfg, replayDependencies{client: partitionsErr, consumer: consumer}); err == nil {
		t.Fatal("expected partitions error")
	}
}

func TestRun_UsesAndClosesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{sourceTopic: "orders.dlq", targetTopic: "orders", limit: 1, idleTimeout: 20 * time.Millisecond}

	newReplayDependencies = func(config) (replayDependencies, error) {
		return replayDependencies{}, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: deadLetterValue(t, "outbox-1", "1")}}),
		},
	}
	newReplayDependencies = func(config) (replayDependencies, error) {
		return replayDependencies{client: client, consumer: consumer, closers: []io.Closer{client, consumer}}, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v", client.closed, consumer.closed)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

// closedPartitionConsumer отдаёт сообщения и закрытый канал; канал ошибок остаётся открытым и пустым.
func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	published []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, msg)
	return nil
}
