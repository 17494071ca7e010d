package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/metrics"
)

const runLockKey = "tgtop:run-lock"

// Options настраивает сервис выборки.
type Options struct {
	Channels           []domain.ChannelHandle
	Policy             Policy
	ChannelParallelism int
	Publishers         []domain.Publisher
	Lock               domain.RunLock
	LockTTL            time.Duration
	// RunTimeout ограничивает сам запуск и отсчитывается после захвата блокировок.
	RunTimeout time.Duration
	Shuffler   Shuffler
}

// Service выполняет полный запуск: сбор, ранжирование, перемешивание, сохранение и публикацию.
// Запуски сериализуются: хранилище очищается в начале каждого запуска.
type Service struct {
	channels    []domain.ChannelHandle
	collector   *Collector
	store       domain.ResultStore
	publishers  []domain.Publisher
	lock        domain.RunLock
	lockTTL     time.Duration
	runTimeout  time.Duration
	parallelism int
	shuffler    Shuffler
	log         zerolog.Logger

	// sem занят, пока идёт запуск; ожидание учитывает контекст вызывающего.
	sem chan struct{}
}

// NewService создаёт сервис выборки.
func NewService(gateway domain.SourceGateway, store domain.ResultStore, opts Options, log zerolog.Logger) *Service {
	parallelism := opts.ChannelParallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Service{
		channels:    opts.Channels,
		collector:   NewCollector(gateway, opts.Policy, log),
		store:       store,
		publishers:  opts.Publishers,
		lock:        opts.Lock,
		lockTTL:     lockTTL,
		runTimeout:  opts.RunTimeout,
		parallelism: parallelism,
		shuffler:    opts.Shuffler,
		log:         log,
		sem:         make(chan struct{}, 1),
	}
}

// RunOnce выполняет один запуск по всем каналам.
// Ошибка возвращается только если не удалось захватить блокировку или очистить хранилище.
func (s *Service) RunOnce(ctx context.Context) (domain.RunResult, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.RunResult{}, fmt.Errorf("ожидание предыдущего запуска: %w", ctx.Err())
	}
	defer func() { <-s.sem }()

	if s.lock != nil {
		unlock, err := s.lock.Lock(ctx, runLockKey, s.lockTTL)
		switch {
		case err == nil:
			defer unlock()
		case errors.Is(err, domain.ErrLockHeld) || ctx.Err() != nil:
			return domain.RunResult{}, fmt.Errorf("блокировка запуска: %w", err)
		default:
			s.log.Warn().Err(err).Msg("selection: распределённая блокировка недоступна, запуск защищён только локально")
		}
	}

	// Хранилище не очищается, если время вызывающего уже истекло.
	if err := ctx.Err(); err != nil {
		return domain.RunResult{}, fmt.Errorf("запуск отменён до начала: %w", err)
	}
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	diag := domain.Diagnostics{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := s.log.With().Str("run_id", diag.RunID).Logger()
	log.Info().Int("channels", len(s.channels)).Msg("selection: запуск")

	if err := s.store.Clear(ctx); err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrClearFailed, err)
		log.Error().Err(err).Msg("selection: запуск прерван")
		metrics.ObserveRun(diag.StartedAt, 0, 0, err)
		return domain.RunResult{Diagnostics: diag}, err
	}

	perChannel, reports := s.collectAll(ctx)
	diag.Channels = reports

	selection := Aggregate(perChannel, s.shuffler)

	for _, item := range selection {
		if err := s.store.Upsert(ctx, item.Record()); err != nil {
			f := domain.Failure{Kind: domain.FailurePersist, Handle: item.Handle, MessageID: item.MessageID, Err: err}
			diag.Failures = append(diag.Failures, f)
			log.Error().Err(err).Int64("chat", item.ChatID).Int("message", item.MessageID).Msg("selection: не удалось сохранить запись")
			continue
		}
		diag.Persisted++
	}

	result := domain.RunResult{Selection: selection, Diagnostics: diag}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, result); err != nil {
			diag.Failures = append(diag.Failures, domain.Failure{Kind: domain.FailurePublish, Err: fmt.Errorf("%s: %w", p.Name(), err)})
			log.Error().Err(err).Str("publisher", p.Name()).Msg("selection: не удалось опубликовать выборку")
		}
	}

	diag.FinishedAt = time.Now().UTC()
	result.Diagnostics = diag
	s.observe(diag, len(selection))
	log.Info().
		Int("selected", len(selection)).
		Int("persisted", diag.Persisted).
		Int("failures", diag.FailureCount()).
		Dur("took", diag.FinishedAt.Sub(diag.StartedAt)).
		Msg("selection: запуск завершён")
	return result, nil
}

// Latest возвращает сохранённую выборку последнего запуска.
func (s *Service) Latest(ctx context.Context) ([]domain.Record, error) {
	return s.store.List(ctx)
}

// collectAll обрабатывает каналы параллельно; результат упорядочен как в конфигурации.
func (s *Service) collectAll(ctx context.Context) ([][]domain.ScoredMessage, []domain.ChannelReport) {
	perChannel := make([][]domain.ScoredMessage, len(s.channels))
	reports := make([]domain.ChannelReport, len(s.channels))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, handle := range s.channels {
		g.Go(func() error {
			perChannel[i], reports[i] = s.collector.Collect(ctx, handle)
			return nil
		})
	}
	_ = g.Wait()
	return perChannel, reports
}

func (s *Service) observe(diag domain.Diagnostics, selected int) {
	metrics.ObserveRun(diag.StartedAt, selected, diag.Persisted, nil)
	for _, ch := range diag.Channels {
		metrics.SetChannelSelected(string(ch.Handle), ch.Selected)
		for _, f := range ch.Failures {
			metrics.IncUnitFailure(string(f.Kind))
		}
	}
	for _, f := range diag.Failures {
		metrics.IncUnitFailure(string(f.Kind))
	}
}
