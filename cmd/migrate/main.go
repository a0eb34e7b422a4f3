package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/revguard/revguard/internal/config"
	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/store"
)

// Applies pending schema migrations and exits. Exit code 2 means the recorded
// migration history does not match the binary's ledger and needs an operator.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	s, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Error().Err(err).Msg("Migration failed")
		if errors.Is(err, apperrors.ErrMigrationDrift) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	defer s.Close()

	log.Info().Str("database", cfg.DatabaseDSN).Msg("Schema is up to date")
}
