package main

import (
	"context"
	"flag"
	"os"

	"github.com/arhyth/bankapi"
	"github.com/rs/zerolog"
)

func main() {
	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := bankapi.LoadConfig(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}
	if cfg.Database.Driver != bankapi.DriverPostgres {
		logger.Fatal().Str("driver", cfg.Database.Driver).Msg("seeder only supports postgres")
	}

	ctx := context.Background()
	lh, err := bankapi.NewLocalHelper(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting local helper")
	}
	defer lh.Conn.Close(ctx)
	if _, err = lh.InitDB(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error initializing database")
	}
	if err = lh.SeedAccounts(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error seeding accounts")
	}
	logger.Info().Int("accounts", len(cfg.Seed)).Msg("database seeded")
}
