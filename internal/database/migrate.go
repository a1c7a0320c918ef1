package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations brings the schema up to date at startup. A dirty
// version means an earlier migration died halfway and needs manual
// repair; migrating on top of it could corrupt the entity and
// embedding tables, so startup refuses instead.
func RunMigrations(dsn, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	} else if dirty {
		return errors.New("schema version is dirty, repair it before starting")
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Info("database schema up to date")
	case err != nil:
		return fmt.Errorf("running migrations: %w", err)
	default:
		ver, _, _ := m.Version()
		slog.Info("database migrations applied", "version", ver)
	}
	return nil
}
