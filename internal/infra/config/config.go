package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		APIID           int    `envconfig:"TG_API_ID"`
		APIHash         string `envconfig:"TG_API_HASH"`
		BotToken        string `envconfig:"TG_BOT_TOKEN"`
		RepublishChatID int64  `envconfig:"TG_REPUBLISH_CHAT_ID"`
	} `envconfig:""`

	MTProto struct {
		SessionName string        `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
		GlobalRPS   int           `envconfig:"MTPROTO_GLOBAL_RPS" default:"20"`
		CallTimeout time.Duration `envconfig:"MTPROTO_CALL_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Channels []string `envconfig:"CHANNELS" default:"Esteghlaal_twitter,bad_ss,Perspolisirfans,Barca_We,Tans_Footbali"`

	PGDSN string `envconfig:"PG_DSN"`

	Redis struct {
		Addr            string        `envconfig:"REDIS_ADDR"`
		Password        string        `envconfig:"REDIS_PASSWORD"`
		DB              int           `envconfig:"REDIS_DB" default:"0"`
		ResolveCacheTTL time.Duration `envconfig:"RESOLVE_CACHE_TTL" default:"24h"`
		RunLockTTL      time.Duration `envconfig:"RUN_LOCK_TTL" default:"5m"`
	} `envconfig:""`

	Rabbit struct {
		URL   string `envconfig:"RABBITMQ_URL"`
		Queue string `envconfig:"SELECTION_QUEUE" default:"top_selection"`
	} `envconfig:""`

	Selection struct {
		RecencyWindow      time.Duration `envconfig:"RECENCY_WINDOW" default:"2h"`
		HistoryLimit       int           `envconfig:"HISTORY_LIMIT" default:"50"`
		TopPerChannel      int           `envconfig:"TOP_PER_CHANNEL" default:"10"`
		ChannelParallelism int           `envconfig:"CHANNEL_PARALLELISM" default:"4"`
		DetailParallelism  int           `envconfig:"DETAIL_PARALLELISM" default:"8"`
		RunTimeout         time.Duration `envconfig:"RUN_TIMEOUT" default:"2m"`
	} `envconfig:""`

	Schedule struct {
		Interval time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"15m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
