package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rickgao/tandem-realtime/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending up migration to the journal database.
func Migrate(cfg config.DBConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, MigrateURL(cfg))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("journal schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	v, _, _ := m.Version()
	logger.Info("journal schema migrated", "version", v)
	return nil
}

// MigrateURL is BuildConnString under the pgx5 scheme the migrate driver
// registers.
func MigrateURL(cfg config.DBConfig) string {
	return "pgx5" + strings.TrimPrefix(BuildConnString(cfg), "postgres")
}
