package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voip/internal/adapters/http"
	"github.com/dkeye/voip/internal/app"
	"github.com/dkeye/voip/internal/app/orch"
	"github.com/dkeye/voip/internal/config"
	"github.com/dkeye/voip/internal/presence"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.Level(cfg.LogLevel))

	policy, err := app.PolicyByName(cfg.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backpressure policy")
	}

	store, closeStore := newPresence(ctx, cfg)
	defer closeStore()

	orch := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   policy,
		Presence: store,
	}

	r := router.SetupRouter(ctx, cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voip relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// newPresence uses Redis when configured and reachable, memory otherwise.
func newPresence(ctx context.Context, cfg *config.Config) (presence.Store, func()) {
	var store presence.Store = presence.NewMemoryStore()
	closeFn := func() {}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("addr", cfg.RedisAddr).Msg("redis unreachable, using memory presence")
			_ = rdb.Close()
		} else {
			store = presence.NewRedisStore(rdb, cfg.RedisPrefix)
			closeFn = func() { _ = rdb.Close() }
			log.Info().Str("module", "presence").Str("addr", cfg.RedisAddr).Msg("redis presence enabled")
		}
	}

	if err := store.Reset(ctx); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("reset")
	}
	return store, closeFn
}
