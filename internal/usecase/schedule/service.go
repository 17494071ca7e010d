package schedule

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-top-feed/internal/domain"
)

const slotKeyPrefix = "tgtop:schedule:"

// Runner выполняет один запуск конвейера.
type Runner interface {
	RunOnce(ctx context.Context) (domain.RunResult, error)
}

// Service запускает конвейер раз в интервал.
// При наличии кэша каждый слот выполняется не более одного раза среди всех реплик.
type Service struct {
	runner   Runner
	once     domain.Cache
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewService создаёт планировщик. once может быть nil.
func NewService(runner Runner, once domain.Cache, interval time.Duration, log zerolog.Logger) *Service {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{runner: runner, once: once, interval: interval, now: time.Now, log: log}
}

// Run выполняет первый слот сразу, затем по тикеру до отмены ctx.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler: старт")
	s.tickAndLog(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler: остановка")
			return
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

// Tick обрабатывает текущий слот. Возвращает false, если слот уже занят.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	if s.once == nil {
		return true, s.run(ctx)
	}
	return s.once.Once(ctx, SlotKey(s.now(), s.interval), s.interval, func() error {
		return s.run(ctx)
	})
}

// SlotKey возвращает ключ слота, в который попадает момент t.
func SlotKey(t time.Time, interval time.Duration) string {
	return slotKeyPrefix + strconv.FormatInt(t.UTC().Truncate(interval).Unix(), 10)
}

func (s *Service) tickAndLog(ctx context.Context) {
	ran, err := s.Tick(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: запуск прерван")
		return
	}
	if !ran {
		s.log.Debug().Msg("scheduler: слот уже обработан другой репликой")
	}
}

func (s *Service) run(ctx context.Context) error {
	res, err := s.runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("run_id", res.Diagnostics.RunID).
		Int("selected", len(res.Selection)).
		Int("failures", res.Diagnostics.FailureCount()).
		Msg("scheduler: запуск выполнен")
	return nil
}
