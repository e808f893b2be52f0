// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"groupchat/internal/config"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/api"
	"groupchat/internal/infra/db"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/memory"
	"groupchat/internal/infra/metrics"
	red "groupchat/internal/infra/redis"
	"groupchat/internal/infra/worker"
	"groupchat/internal/usecase"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

type fanout interface {
	adapter.FanoutChannel
	adapter.Publisher
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (token minting, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit, cfg.Database.Driver)

	// ---- Stores ----
	stores, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open stores")
	}
	defer stores.Close()

	// ---- Worker pool ----
	pool := worker.NewPool(cfg.Chat.Workers, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// ---- Fan-out, group lock, profile cache and rate limit ----
	var (
		fan      fanout
		profiles repository.ProfileStore = stores.Profiles
		limiter  api.SendLimiter
		locker   usecase.GroupLocker
	)
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rc.Close()
		fan = red.NewFanout(rc, logger)
		locker = red.NewLocker(rc, cfg.Chat.AppendTimeout)
		profiles = red.NewProfileStoreCache(stores.Profiles, rc, cfg.Redis.TTL, logger)
		if cfg.Chat.SendRate.Limit > 0 {
			limiter = red.NewRateLimiter(rc, cfg.Chat.SendRate.Limit, cfg.Chat.SendRate.Window)
		}
		logger.Info().Msg("fan-out: redis pub/sub")
	} else {
		if cfg.Database.Driver != "memory" {
			logger.Warn().Msg("fan-out is in-process; run a single instance or configure redis.url")
		}
		fan = memory.NewBroker(logger)
	}

	// ---- Use cases ----
	store := usecase.NewPublishingStore(stores.Messages, fan, logger)
	if locker != nil {
		store.WithGroupLocker(locker)
	}
	profileCache := usecase.NewProfileCache(profiles, pool, usecase.ProfileCacheOptions{
		Timeout:     cfg.Chat.ProfileFetchTimeout,
		Concurrency: cfg.Chat.ProfileFetchConcurrency,
	}, logger)
	chatUC := usecase.NewChatUseCase(store, fan, profileCache, model.NewAvatarResolver(cfg.Chat.BundledAvatars), pool,
		usecase.SessionConfig{
			HistoryLimit:    cfg.Chat.HistoryLimit,
			ReconcileWindow: cfg.Chat.ReconcileWindow,
			AppendTimeout:   cfg.Chat.AppendTimeout,
		}, logger)

	// ---- HTTP ----
	secret := cfg.Auth.Secret
	if secret == "" {
		// Only reachable in dev; tokens die with the process.
		secret = uuid.NewString()
		logger.Warn().Msg("auth.secret not set; using an ephemeral dev secret")
	}
	apiSrv := api.NewServer(api.Deps{
		Chat:           chatUC,
		Auth:           api.NewAuthManager(secret, cfg.Auth.TTL),
		Limiter:        limiter,
		Logger:         logger,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Dev:            cfg.Runtime.Dev,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Str("version", version).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	apiSrv.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
}
