package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"tg-top-feed/internal/app"
	"tg-top-feed/internal/infra/config"
	httpinfra "tg-top-feed/internal/infra/http"
	logx "tg-top-feed/internal/infra/log"
	"tg-top-feed/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := logx.NewLogger(cfg.AppEnv)
	log.Logger = logger

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("api: не удалось собрать конвейер")
	}
	defer pipeline.Close()

	srv := httpinfra.NewServer(logx.Component(logger, "http"))
	httpinfra.MountSelection(srv.Router, pipeline.Service, logx.Component(logger, "http"))

	metrics.StartServer(ctx, logx.Component(logger, "metrics"), cfg.MetricsAddr)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api: старт")
		if err := srv.Start(cfg.HTTPAddr); err != nil {
			log.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
