package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	envHTTPAddr            = "STOREFRONT_HTTP_ADDR"
	envGRPCAddr            = "STOREFRONT_GRPC_ADDR"
	envMetricsAddr         = "STOREFRONT_METRICS_ADDR"
	envStorageDriver       = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN         = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers        = "STOREFRONT_KAFKA_BROKERS"
	envKafkaTopic          = "STOREFRONT_KAFKA_TOPIC"
	envKafkaDLQTopic       = "STOREFRONT_KAFKA_DLQ_TOPIC"
	envOutboxPollInterval  = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "STOREFRONT_OUTBOX_RETRY_DELAY"
	envOutboxMaxPendingAge = "STOREFRONT_OUTBOX_MAX_PENDING_AGE"
	envShutdownTimeout     = "STOREFRONT_SHUTDOWN_TIMEOUT"
	envLogLevel            = "STOREFRONT_LOG_LEVEL"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level := log.InfoLevel
	if raw, ok := lookup(envLogLevel); ok {
		if parsed, err := log.ParseLevel(strings.TrimSpace(raw)); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения не роняют запуск: остаётся значение по умолчанию, а причина попадает в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	setString := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setString(envKafkaTopic, &cfg.KafkaTopic)
	setString(envKafkaDLQTopic, &cfg.KafkaDLQTopic)

	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitBrokers(v)
	}

	if v, ok := lookup(envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	positive := func(v int) bool { return v > 0 }
	setInt := func(key string, target *int) {
		if v, ok := lookup(key); ok {
			if parsed, err := parseInt(v, positive, "must be > 0"); err != nil {
				warn(key, err)
			} else {
				*target = parsed
			}
		}
	}
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)

	setDuration := func(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			if parsed, err := parseDuration(v, valid, rule); err != nil {
				warn(key, err)
			} else {
				*target = parsed
			}
		}
	}
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")
	setDuration(envOutboxMaxPendingAge, &cfg.OutboxMaxPendingAge, positiveDuration, "must be > 0")
	setDuration(envShutdownTimeout, &cfg.ShutdownTimeout, positiveDuration, "must be > 0")

	return cfg, warnings
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.WithField("config", w).Warn("некорректное значение переменной окружения, используем значение по умолчанию")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.String(),
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_brokers":  cfg.KafkaBrokers,
	}).Info("запускаем storefront order-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("order-service остановлен")
}
