package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genproxy/internal/bootstrap"
	"genproxy/internal/http/handlers"
	httpapi "genproxy/internal/http/httpapi"
	"genproxy/internal/infra"
	"genproxy/internal/infra/geoip"
	"genproxy/internal/middleware"
)

const jobSweepInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if err := cfg.ValidateAPI(); err != nil {
		logger.Fatal().Err(err).Msg("api: invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	}
	defer dbpool.Close()

	services, err := bootstrap.New(ctx, cfg, &logger, infra.NewSQLRunner(dbpool, logger), nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to wire services")
	}
	defer services.Close()

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if resolver != nil {
		defer resolver.Close()
		lookup = resolver.CountryCode
	}

	jobs := handlers.NewJobRegistry(cfg.JobTTL)
	app := &handlers.App{
		Config:        cfg,
		Logger:        &logger,
		Runner:        services.Runner,
		Poller:        services.Poller,
		Servers:       services.Selector,
		Tokens:        services.Credentials,
		CaptchaKeys:   services.Captcha,
		Jobs:          jobs,
		Profiles:      services.Profiles,
		CountryLookup: lookup,
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	go func() {
		ticker := time.NewTicker(jobSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := jobs.Purge(); n > 0 {
					logger.Debug().Int("jobs", n).Msg("api: expired jobs dropped")
				}
			}
		}
	}()

	go func() {
		logger.Info().Str("addr", server.Addr()).Int("servers", len(services.Selector.Pool())).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: stopped")
}
