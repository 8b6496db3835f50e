package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// runtimeDependencies описывает хранилище, выбранное по Config.StorageDriver.
type runtimeDependencies struct {
	store      domain.OrderStore
	outboxRepo domain.OutboxRepository
	// ping проверяет доступность хранилища; nil для memory.
	ping    func(ctx context.Context) error
	closeFn func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		logger.Warn("using in-memory storage: catalog is empty and data is lost on restart")
		return &runtimeDependencies{store: store, outboxRepo: store}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage driver requires a DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		return &runtimeDependencies{
			store:      store,
			outboxRepo: postgres.NewOutboxRepository(store),
			ping:       store.Ping,
			closeFn:    store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
