// Package migrate 提供数据库迁移功能 (基于 golang-migrate)
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db          *sql.DB
	logger      *zap.Logger
	serviceName string
}

// NewMigrator 创建迁移器
func NewMigrator(db *sql.DB, serviceName string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		db:          db,
		logger:      logger,
		serviceName: serviceName,
	}
}

// open 创建迁移实例
// 不调用 migrate.Close: postgres 驱动的 Close 会连带关闭共享的 *sql.DB
func (m *Migrator) open(migrationsFS fs.FS, migrationsPath string) (*migrate.Migrate, source.Driver, error) {
	src, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return migrator, src, nil
}

// Up 执行全部未应用的迁移
func (m *Migrator) Up(migrationsFS fs.FS, migrationsPath string) error {
	m.logger.Info("starting migration",
		zap.String("service", m.serviceName),
		zap.String("path", migrationsPath))

	migrator, src, err := m.open(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no new migrations to apply", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}

	m.logger.Info("migration completed",
		zap.String("service", m.serviceName),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))

	return nil
}

// Rollback 回滚一个版本
func (m *Migrator) Rollback(migrationsFS fs.FS, migrationsPath string) error {
	migrator, src, err := m.open(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := migrator.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to rollback", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	m.logger.Info("rollback completed", zap.String("service", m.serviceName))
	return nil
}

// Version 获取当前迁移版本
func (m *Migrator) Version(migrationsFS fs.FS, migrationsPath string) (uint, bool, error) {
	migrator, src, err := m.open(migrationsFS, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	defer src.Close()

	version, dirty, err := migrator.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return version, dirty, nil
}
