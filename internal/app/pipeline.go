package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-top-feed/internal/adapters/mtproto"
	"tg-top-feed/internal/adapters/repo"
	"tg-top-feed/internal/adapters/telegram"
	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/cache"
	"tg-top-feed/internal/infra/config"
	"tg-top-feed/internal/infra/db"
	logx "tg-top-feed/internal/infra/log"
	"tg-top-feed/internal/infra/queue"
	"tg-top-feed/internal/usecase/selection"
)

// Pipeline собирает зависимости конвейера для cmd/api и cmd/scheduler.
type Pipeline struct {
	Service *selection.Service
	Cache   *cache.RedisCache

	closers []func()
}

// Build подключает Postgres, Redis, MTProto и публикаторы по конфигурации.
// Redis, RabbitMQ и бот необязательны.
func Build(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*Pipeline, error) {
	if cfg.PGDSN == "" {
		return nil, errors.New("PG_DSN is required")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return nil, errors.New("TG_API_ID and TG_API_HASH are required")
	}
	p := &Pipeline{}

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("подключение к БД: %w", err)
	}
	p.closers = append(p.closers, pool.Close)

	store := repo.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("миграция: %w", err)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			p.Close()
			return nil, fmt.Errorf("подключение к redis: %w", err)
		}
		p.closers = append(p.closers, func() { _ = rdb.Close() })
		p.Cache = cache.NewRedis(rdb)
	}

	gwOpts := mtproto.Options{
		RPS:         cfg.MTProto.GlobalRPS,
		CallTimeout: cfg.MTProto.CallTimeout,
		CacheTTL:    cfg.Redis.ResolveCacheTTL,
	}
	if p.Cache != nil {
		gwOpts.Cache = p.Cache
	}
	gateway := mtproto.NewGateway(
		cfg.Telegram.APIID,
		cfg.Telegram.APIHash,
		mtproto.NewSessionDB(store, cfg.MTProto.SessionName),
		gwOpts,
		logx.Component(logger, "mtproto"),
	)
	if err := gateway.Start(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("запуск mtproto: %w", err)
	}
	p.closers = append(p.closers, gateway.Close)

	publishers, err := p.publishers(cfg, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	opts := selection.Options{
		Channels: domain.NormalizeHandles(cfg.Channels),
		Policy: selection.Policy{
			RecencyWindow:     cfg.Selection.RecencyWindow,
			HistoryLimit:      cfg.Selection.HistoryLimit,
			TopPerChannel:     cfg.Selection.TopPerChannel,
			DetailParallelism: cfg.Selection.DetailParallelism,
		},
		ChannelParallelism: cfg.Selection.ChannelParallelism,
		Publishers:         publishers,
		LockTTL:            cfg.Redis.RunLockTTL,
		RunTimeout:         cfg.Selection.RunTimeout,
		Shuffler:           rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	}
	if p.Cache != nil {
		opts.Lock = p.Cache
	}
	p.Service = selection.NewService(gateway, store, opts, logx.Component(logger, "selection"))
	logger.Info().Int("channels", len(opts.Channels)).Int("publishers", len(publishers)).Msg("app: конвейер собран")
	return p, nil
}

func (p *Pipeline) publishers(cfg config.AppConfig, logger zerolog.Logger) ([]domain.Publisher, error) {
	var out []domain.Publisher
	if cfg.Rabbit.URL != "" {
		rp, err := queue.NewRabbitPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		p.closers = append(p.closers, func() { _ = rp.Close() })
		out = append(out, rp)
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.RepublishChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		logger.Info().Str("bot", bot.Self.UserName).Msg("app: бот для публикации подключён")
		out = append(out, telegram.NewBotPublisher(bot, cfg.Telegram.RepublishChatID))
	}
	return out, nil
}

// Close освобождает ресурсы в обратном порядке.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
