package postgres

import (
	"context"
	"testing"
	"time"
)

func requireMigrationStatus(t *testing.T, store *Store, version int64, applied int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if status.Version != version || status.Applied != applied {
		t.Fatalf("unexpected status: want version=%d applied=%d, got %+v", version, applied, status)
	}
}

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down reset: %v", err)
	}
	requireMigrationStatus(t, store, 0, 0)

	if err := store.MigrateUp(ctx, 1); err != nil {
		t.Fatalf("migrate up one step: %v", err)
	}
	requireMigrationStatus(t, store, 1, 1)

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up all: %v", err)
	}
	requireMigrationStatus(t, store, 3, 3)

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("idempotent migrate up: %v", err)
	}
	requireMigrationStatus(t, store, 3, 3)

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	requireMigrationStatus(t, store, 2, 2)

	if err := store.MigrateDown(ctx, 2); err != nil {
		t.Fatalf("migrate down 2: %v", err)
	}
	requireMigrationStatus(t, store, 0, 0)

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down on empty should be no-op: %v", err)
	}

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("restore schema: %v", err)
	}
}

func TestMigrator_NilStoreGuards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, err := nilStore.Status(ctx); err == nil {
		t.Fatal("expected error for nil store Status")
	}
	if _, err := nilStore.Begin(ctx); err == nil {
		t.Fatal("expected error for nil store Begin")
	}
}
