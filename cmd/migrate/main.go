// Command migrate applies or rolls back the SQL migrations.
package main

import (
	"context"
	"flag"
	"time"

	_ "github.com/lib/pq"

	"ContestLedger/internal/config"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/persistence"
)

func main() {
	var down bool
	flag.BoolVar(&down, "down", false, "roll back the most recent migration instead of applying")
	flag.Parse()

	log := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := persistence.Open(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if down {
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("rollback failed")
		}
		log.Info().Msg("rollback complete")
		return
	}
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	log.Info().Msg("migrations applied")
}
