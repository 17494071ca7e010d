package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"tg-top-feed/internal/app"
	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/config"
	logx "tg-top-feed/internal/infra/log"
	"tg-top-feed/internal/infra/metrics"
	"tg-top-feed/internal/usecase/schedule"
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
		log.Fatal().Err(err).Msg("scheduler: не удалось собрать конвейер")
	}
	defer pipeline.Close()

	metrics.StartServer(ctx, logx.Component(logger, "metrics"), cfg.MetricsAddr)

	var once domain.Cache
	if pipeline.Cache != nil {
		once = pipeline.Cache
	}
	schedule.NewService(pipeline.Service, once, cfg.Schedule.Interval, logx.Component(logger, "scheduler")).Run(ctx)
}
