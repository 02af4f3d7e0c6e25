package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migrationLogger struct {
	log zerolog.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return false
}

// Migrate applies every pending up migration. databaseURL is a regular
// postgres:// URL.
func Migrate(databaseURL string, log zerolog.Logger) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, pgxURL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	m.Log = migrationLogger{log: log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", err)
	}
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return nil
}

// pgxURL switches the scheme to the one the pgx/v5 migrate driver registers.
func pgxURL(u string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if len(u) >= len(prefix) && u[:len(prefix)] == prefix {
			return "pgx5://" + u[len(prefix):]
		}
	}
	return u
}
