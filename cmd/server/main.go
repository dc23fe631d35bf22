package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/config"
	"chatcore/internal/db"
	clog "chatcore/internal/log"
	"chatcore/internal/pubsub"
	"chatcore/internal/realtime"
	"chatcore/internal/server"
	"chatcore/internal/service"
	"chatcore/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	bus, err := openBus(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("signal bus")
	}

	reg := realtime.NewRegistry()
	core := service.New(st, reg, bus, service.Options{MaxMessageLength: cfg.MaxMessageLength})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, server.Deps{Store: st, Registry: reg, Core: core}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
	log.Info().Msg("shutdown complete")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseDSN == config.MemoryDSN {
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}
	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	return store.NewGormStore(gdb), nil
}

func openBus(cfg config.Config) (pubsub.Bus, error) {
	if cfg.RedisURL == "" {
		return pubsub.NewLocalBus(), nil
	}
	return pubsub.NewRedisBus(cfg.RedisURL, cfg.SignalChannel)
}
