package registry

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the bundled schema migrations to databaseURL.
func Migrate(databaseURL string, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if err == nil && (srcErr != nil || dbErr != nil) {
			err = fmt.Errorf("close migrator: %w", errors.Join(srcErr, dbErr))
		}
	}()

	version, dirty, verr := migrator.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		logger.Info("no migrations applied yet")
	case verr != nil:
		logger.Warn("read migration version", "err", verr)
	case dirty:
		return fmt.Errorf("database is dirty at version %d; fix manually", version)
	default:
		logger.Info("current migration state", "version", version)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	if v, _, err := migrator.Version(); err == nil {
		logger.Info("migrations applied", "version", v)
	}
	return nil
}

// migrationURL switches a postgres:// URL to the pgx/v5 migrate driver scheme.
func migrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
