package main

import (
	"CopyGuard/internal/observability"
	"CopyGuard/internal/storage"
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied versions")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  COPYGUARD_STORE_DRIVER - sqlite or postgres (default: sqlite)")
		fmt.Println("  COPYGUARD_STORE_DSN    - database path or connection string (default: copyguard.db)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	dialect, err := storage.ParseDialect(os.Getenv("COPYGUARD_STORE_DRIVER"))
	if err != nil {
		logger.Fatal().Err(err).Msg("bad store driver")
	}
	dsn := os.Getenv("COPYGUARD_STORE_DSN")
	if dsn == "" {
		dsn = "copyguard.db"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := storage.Open(ctx, dialect, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer db.Close()

	migrator := storage.NewMigrator(db, nil)
	migrator.SetLogger(logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Str("dialect", dialect.String()).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.AppliedVersions(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, v := range slices.Sorted(maps.Keys(applied)) {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
