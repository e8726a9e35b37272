// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// DATABASE_URLのスキームに応じてPostgreSQL用・SQLite用のマイグレーションを選ぶ。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	backend, err := BackendOf(databaseURL)
	if err != nil {
		return nil, err
	}

	var dir, target string
	switch backend {
	case BackendPostgres:
		dir, target = "migrations/postgres", databaseURL
	case BackendSQLite:
		dir, target = "migrations/sqlite", "sqlite://"+sqliteDSN(databaseURL)
	default:
		return nil, fmt.Errorf("%s にはマイグレーションがありません", backend)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, target)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合とmemory://の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	backend, err := BackendOf(databaseURL)
	if err != nil {
		return err
	}
	if backend == BackendMemory {
		return nil
	}

	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
