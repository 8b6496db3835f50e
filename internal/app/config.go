package app

import (
	"fmt"
	"time"
)

// Драйверы хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска order-service.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// Если KafkaBrokers пуст, outbox worker не запускается и события копятся в outbox.
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPendingAge задаёт возраст backlog, после которого /healthz отдаёт degraded.
	OutboxMaxPendingAge time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска на memory-хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		KafkaTopic:          "storefront.order.events",
		KafkaDLQTopic:       "storefront.order.events.dlq",
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
		OutboxMaxPendingAge: 5 * time.Minute,
		ShutdownTimeout:     5 * time.Second,
	}
}

// Validate проверяет согласованность настроек до старта серверов.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres storage driver requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.HTTPAddr == "" || c.GRPCAddr == "" || c.MetricsAddr == "" {
		return fmt.Errorf("http, grpc and metrics addresses must be set")
	}
	return nil
}
