package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// RunMigrations применяет миграции из sourcePath к базе по dsn.
// Вызывается из main при MIGRATIONS_RUN=true.
func RunMigrations(sourcePath, dsn string, logger *zap.Logger) error {
	m, err := migrate.New("file://"+sourcePath, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Migrations: no change")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("Migrations applied")
	return nil
}
