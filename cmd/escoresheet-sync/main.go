package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/park285/escoresheet-sync/internal/config"
	"github.com/park285/escoresheet-sync/internal/engine"
	"github.com/park285/escoresheet-sync/internal/obslog"
	"github.com/park285/escoresheet-sync/internal/relay"
	"github.com/park285/escoresheet-sync/internal/statusapi"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bctx, bcancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := engine.Build(bctx, cfg, logger)
	bcancel()
	if err != nil {
		logger.Fatal("build_failed", zap.Error(err))
	}
	if deps.Relay != nil {
		deps.Relay.OnStateChange(func(state relay.State, matchID string) {
			logger.Info("relay_state", zap.String("state", string(state)), zap.String("match_id", matchID))
		})
	}
	if err := deps.Start(ctx); err != nil {
		_ = deps.Close(context.Background())
		logger.Fatal("start_failed", zap.Error(err))
	}

	api := statusapi.New(deps.Engine,
		statusapi.WithLogger(obslog.Named("statusapi")),
		statusapi.WithToken(cfg.StatusToken),
	)
	go func() {
		logger.Info("status_api_listen", zap.String("addr", cfg.StatusAddr))
		if err := api.Listen(cfg.StatusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status_api_stopped", zap.Error(err))
			stop()
		}
	}()

	if id := os.Getenv("OPEN_MATCH_ID"); id != "" {
		if err := deps.Engine.OpenMatch(ctx, id); err != nil {
			logger.Warn("open_match_failed", zap.String("match_id", id), zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("shutting_down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := api.Shutdown(sctx); err != nil {
		logger.Warn("status_api_shutdown", zap.Error(err))
	}
	if err := deps.Close(sctx); err != nil {
		logger.Warn("close_failed", zap.Error(err))
	}
}
