package postgres

import (
	"context"
	"embed"

	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// gooseLogger routes goose output through the application logger
type gooseLogger struct {
	logger *logger.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Errorf(format, v...)
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Infof(format, v...)
}

func prepareGoose(log *logger.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: log})
	return goose.SetDialect("postgres")
}

// Migrate applies every pending schema migration
func Migrate(ctx context.Context, db *DB) error {
	if err := prepareGoose(db.logger); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to prepare migrations").
			Mark(ierr.ErrSystem)
	}

	if err := goose.UpContext(ctx, db.DB.DB, migrationsDir); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to apply migrations").
			Mark(ierr.ErrDatabase)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB.DB)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to read schema version").
			Mark(ierr.ErrDatabase)
	}
	db.logger.Infow("schema migrated", "version", version)
	return nil
}

// Rollback reverts the most recent migration
func Rollback(ctx context.Context, db *DB) error {
	if err := prepareGoose(db.logger); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to prepare migrations").
			Mark(ierr.ErrSystem)
	}
	if err := goose.DownContext(ctx, db.DB.DB, migrationsDir); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to roll back migration").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

// MigrationStatus logs the applied state of every migration
func MigrationStatus(ctx context.Context, db *DB) error {
	if err := prepareGoose(db.logger); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to prepare migrations").
			Mark(ierr.ErrSystem)
	}
	if err := goose.StatusContext(ctx, db.DB.DB, migrationsDir); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to read migration status").
			Mark(ierr.ErrDatabase)
	}
	return nil
}
