package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selection_runs_total",
		Help: "Количество запусков конвейера выборки",
	}, []string{"status"})
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "selection_run_duration_seconds",
		Help:    "Длительность запуска конвейера",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 30, 45, 60, 90, 120, 180, 300},
	})
	SelectedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "selection_messages",
		Help: "Размер выборки последнего запуска",
	})
	PersistedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "selection_persisted_messages",
		Help: "Количество записей, сохранённых последним запуском",
	})
	UnitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selection_unit_failures_total",
		Help: "Пропущенные каналы, сообщения и записи по типу ошибки",
	}, []string{"kind"})
	ChannelSelected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "selection_channel_messages",
		Help: "Количество отобранных сообщений по каналу",
	}, []string{"channel"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		RunsTotal,
		RunDuration,
		SelectedMessages,
		PersistedMessages,
		UnitFailures,
		ChannelSelected,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveRun фиксирует итог запуска конвейера.
func ObserveRun(start time.Time, selected, persisted int, err error) {
	status := "success"
	if err != nil {
		status = "aborted"
	}
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		SelectedMessages.Set(float64(selected))
		PersistedMessages.Set(float64(persisted))
	}
}

// IncUnitFailure увеличивает счётчик пропущенных единиц работы.
func IncUnitFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	UnitFailures.WithLabelValues(kind).Inc()
}

// SetChannelSelected записывает размер выборки канала.
func SetChannelSelected(channel string, n int) {
	ChannelSelected.WithLabelValues(channel).Set(float64(n))
}
