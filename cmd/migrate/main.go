package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/postgres"
)

func main() {
	down := flag.Bool("down", false, "Roll back the most recent migration")
	status := flag.Bool("status", false, "Print migration status without applying anything")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Infow("Connecting to database", "host", cfg.Postgres.Host)
	db, err := postgres.NewDB(cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to connect to postgres", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch {
	case *status:
		err = postgres.MigrationStatus(ctx, db)
	case *down:
		logger.Info("Rolling back last migration...")
		err = postgres.Rollback(ctx, db)
	default:
		logger.Info("Running database migrations...")
		err = postgres.Migrate(ctx, db)
	}
	if err != nil {
		logger.Fatalw("Migration failed", "error", err)
	}
	logger.Info("Migration completed successfully")
}
