package selection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-top-feed/internal/adapters/ranker"
	"tg-top-feed/internal/domain"
)

// Policy задаёт параметры отбора.
type Policy struct {
	RecencyWindow     time.Duration
	HistoryLimit      int
	TopPerChannel     int
	DetailParallelism int
}

// DefaultPolicy возвращает окно 2 часа, 50 сообщений истории и 10 лучших на канал.
func DefaultPolicy() Policy {
	return Policy{
		RecencyWindow:     2 * time.Hour,
		HistoryLimit:      50,
		TopPerChannel:     10,
		DetailParallelism: 8,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.RecencyWindow <= 0 {
		p.RecencyWindow = def.RecencyWindow
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = def.HistoryLimit
	}
	if p.TopPerChannel <= 0 {
		p.TopPerChannel = def.TopPerChannel
	}
	if p.DetailParallelism <= 0 {
		p.DetailParallelism = def.DetailParallelism
	}
	return p
}

// Collector отбирает лучшие сообщения одного канала.
type Collector struct {
	gateway domain.SourceGateway
	policy  Policy
	now     func() time.Time
	log     zerolog.Logger
}

// NewCollector создаёт сборщик канала.
func NewCollector(gateway domain.SourceGateway, policy Policy, log zerolog.Logger) *Collector {
	return &Collector{gateway: gateway, policy: policy.withDefaults(), now: time.Now, log: log}
}

// Collect возвращает до TopPerChannel сообщений канала по убыванию оценки.
// Ошибки не прерывают запуск: они попадают в отчёт, а канал или сообщение пропускается.
func (c *Collector) Collect(ctx context.Context, handle domain.ChannelHandle) ([]domain.ScoredMessage, domain.ChannelReport) {
	report := domain.ChannelReport{Handle: handle}
	log := c.log.With().Str("channel", string(handle)).Logger()

	ref, err := c.gateway.ResolveChannel(ctx, handle)
	if err != nil {
		report.Failures = append(report.Failures, domain.Failure{Kind: domain.FailureResolve, Handle: handle, Err: err})
		if errors.Is(err, domain.ErrChannelNotFound) {
			log.Warn().Err(err).Msg("selection: канал не найден, пропускаем")
		} else {
			log.Error().Err(err).Msg("selection: не удалось резолвить канал")
		}
		return nil, report
	}
	report.Ref = ref
	report.Resolved = true

	history, err := c.gateway.FetchRecentHistory(ctx, ref, c.policy.HistoryLimit)
	if err != nil {
		report.Failures = append(report.Failures, domain.Failure{Kind: domain.FailureHistory, Handle: handle, Err: err})
		log.Error().Err(err).Msg("selection: не удалось получить историю")
		return nil, report
	}
	report.Fetched = len(history)

	recent := filterRecent(history, c.now(), c.policy.RecencyWindow)
	report.Eligible = len(recent)
	if len(recent) == 0 {
		log.Debug().Int("fetched", report.Fetched).Msg("selection: нет свежих сообщений")
		return nil, report
	}

	scored, failures := c.scoreAll(ctx, ref, recent)
	for _, f := range failures {
		log.Warn().Err(f.Err).Int("message", f.MessageID).Msg("selection: сообщение пропущено")
	}
	report.Failures = append(report.Failures, failures...)

	top := ranker.TopN(scored, c.policy.TopPerChannel)
	report.Selected = len(top)
	log.Info().Int("fetched", report.Fetched).Int("eligible", report.Eligible).Int("selected", report.Selected).Msg("selection: канал обработан")
	return top, report
}

// scoreAll загружает детали параллельно и сохраняет порядок истории среди успешных сообщений.
func (c *Collector) scoreAll(ctx context.Context, ref domain.ChannelRef, msgs []domain.RawMessage) ([]domain.ScoredMessage, []domain.Failure) {
	results := make([]*domain.ScoredMessage, len(msgs))
	var (
		mu       sync.Mutex
		failures []domain.Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.DetailParallelism)
	for i, msg := range msgs {
		g.Go(func() error {
			detail, err := c.gateway.FetchMessageDetail(gctx, ref, msg.ID)
			if err != nil {
				mu.Lock()
				failures = append(failures, domain.Failure{Kind: domain.FailureDetail, Handle: ref.Handle, MessageID: msg.ID, Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = &domain.ScoredMessage{
				ChatID:    ref.ChatID(),
				MessageID: msg.ID,
				Handle:    ref.Handle,
				Score:     ranker.ScoreDetail(msg, detail),
			}
			return nil
		})
	}
	_ = g.Wait()

	scored := make([]domain.ScoredMessage, 0, len(msgs))
	for _, r := range results {
		if r != nil {
			scored = append(scored, *r)
		}
	}
	return scored, failures
}

// filterRecent оставляет сообщения не старше window относительно now.
func filterRecent(msgs []domain.RawMessage, now time.Time, window time.Duration) []domain.RawMessage {
	out := make([]domain.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Age(now) <= window {
			out = append(out, m)
		}
	}
	return out
}
