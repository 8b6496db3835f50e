package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// Ключ advisory-lock; общий для всех экземпляров storefront, работающих с одной базой.
	migrationLockKey = int64(0x5f0e_7a11)

	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationNameRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// migration описывает пару up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationStatus отражает состояние таблицы schema_migrations.
type MigrationStatus struct {
	Version   int64
	Applied   int
	Available int
}

// Pending возвращает количество ещё не применённых миграций.
func (s MigrationStatus) Pending() int {
	if s.Available < s.Applied {
		return 0
	}
	return s.Available - s.Applied
}

// MigrateUp применяет up-миграции; steps<=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		done := 0
		for _, m := range all {
			if _, ok := applied[m.Version]; ok {
				continue
			}
			if err := runMigration(ctx, conn, m.label()+" up", m.Up,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
				return err
			}
			done++
			if steps > 0 && done == steps {
				return nil
			}
		}
		return nil
	})
}

// MigrateDown откатывает последние steps миграций; steps<=0 значит один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		known := make(map[int64]migration, len(all))
		for _, m := range all {
			known[m.Version] = m
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		slices.SortFunc(versions, func(a, b int64) int { return cmp.Compare(b, a) })
		if len(versions) > steps {
			versions = versions[:steps]
		}

		for _, v := range versions {
			m, ok := known[v]
			if !ok {
				return fmt.Errorf("cannot roll back unknown migration version %d", v)
			}
			if err := runMigration(ctx, conn, m.label()+" down", m.Down,
				`DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status возвращает текущую версию схемы и число применённых/доступных миграций.
func (s *Store) Status(ctx context.Context) (MigrationStatus, error) {
	if s == nil || s.db == nil {
		return MigrationStatus{}, errors.New("postgres store is not initialized")
	}

	all, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return MigrationStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return MigrationStatus{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	status := MigrationStatus{Available: len(all)}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&status.Version, &status.Applied); err != nil {
		return MigrationStatus{}, fmt.Errorf("query migration status: %w", err)
	}
	return status, nil
}

// withMigrationLock держит session advisory lock на выделенном соединении, пока выполняется fn.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, all []migration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	all, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	return fn(conn, all)
}

// runMigration выполняет скрипт и запись в schema_migrations одной транзакцией.
func runMigration(ctx context.Context, conn *sql.Conn, label, script, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", label, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute migration %s: %w", label, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", label, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]struct{}, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]struct{})
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// loadMigrations читает пары NNNN_name.{up,down}.sql и сортирует их по версии.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addMigrationFile(fsys, byVersion, entry.Name()); err != nil {
			return nil, err
		}
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func addMigrationFile(fsys fs.FS, byVersion map[int64]*migration, name string) error {
	parts := migrationNameRe.FindStringSubmatch(name)
	if parts == nil {
		return fmt.Errorf("invalid migration file name: %s", name)
	}
	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parse migration version from %s: %w", name, err)
	}

	raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return fmt.Errorf("migration file is empty: %s", name)
	}

	m, ok := byVersion[version]
	if !ok {
		m = &migration{Version: version, Name: parts[2]}
		byVersion[version] = m
	}
	if m.Name != parts[2] {
		return fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
	}

	target := &m.Up
	if parts[3] == "down" {
		target = &m.Down
	}
	if *target != "" {
		return fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
	}
	*target = body
	return nil
}
