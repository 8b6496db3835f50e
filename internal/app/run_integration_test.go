package app

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = nil
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_UnreachableKafkaKeepsServing(t *testing.T) {
	if testing.Short() {
		t.Skip("sarama dials brokers on producer creation")
	}

	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = []string{"127.0.0.1:1"}
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	// Недоступный брокер не останавливает запуск: Run доживает до отмены контекста.
	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_HTTPAddrInUse(t *testing.T) {
	port := findFreePort(t)
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:" + strconv.Itoa(port)
	cfg.GRPCAddr = cfg.HTTPAddr
	cfg.MetricsAddr = "127.0.0.1:0"

	// gRPC не может занять уже открытый HTTP-листенер.
	err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected listen error when grpc and http share an address")
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	ctx := context.Background()
	deps, err := initRuntimeDependencies(ctx, cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.close(log.WithField("test", "postgres-init"))

	if deps.store == nil || deps.outboxRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	if deps.ping == nil {
		t.Fatal("expected ping for postgres")
	}
	if err := deps.ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
}
