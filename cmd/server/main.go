package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arhyth/bankapi"
	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
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
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("error parsing log level")
	}
	zerolog.SetGlobalLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting snowflake node")
	}

	var repo bankapi.Repository
	switch cfg.Database.Driver {
	case bankapi.DriverMemory:
		repo = bankapi.NewMemoryStore()
	default:
		pgendpt, err := bankapi.NewPostgresEndpoint(ctx, cfg.Database.ConnectionString, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting database")
		}
		defer pgendpt.Close()
		repo = pgendpt
	}

	core, err := bankapi.NewService(repo, node, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting service")
	}
	if cfg.Database.Driver == bankapi.DriverMemory {
		seedMemory(ctx, core, cfg.Seed, &logger)
	}

	mws := []bankapi.Middleware{bankapi.NewValidationMiddleware()}
	if cfg.Cache.RedisAddr != "" {
		rdb, err := bankapi.NewRedisClient(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("error connecting to cache")
		}
		defer rdb.Close()
		mws = append(mws, bankapi.NewCacheMiddleware(bankapi.NewRedisAccountCache(rdb, cfg.Cache.TTL, &logger)))
	}
	mws = append(mws,
		bankapi.NewCircuitBreakMiddleware(bankapi.NewServiceBreaker(cfg.Breaker, &logger)),
		bankapi.NewLimitMiddleware(bankapi.NewServiceLimits(cfg.Limits)),
	)
	svc := bankapi.Chain(core, mws...)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: bankapi.NewHTTPHandler(svc, &logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("driver", cfg.Database.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}
}

func seedMemory(ctx context.Context, svc bankapi.Service, seed []bankapi.SeedAccount, logger *zerolog.Logger) {
	for _, s := range seed {
		_, err := svc.CreateAccount(ctx, bankapi.CreateAccountReq{
			Name:         s.Name,
			Number:       s.Number,
			Balance:      s.Balance,
			SpecialLimit: s.SpecialLimit,
		})
		if err != nil {
			logger.Fatal().Err(err).Int64("number", s.Number).Msg("error seeding account")
		}
	}
}
