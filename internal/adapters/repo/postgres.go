package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/metrics"
)

// Postgres реализует хранилище выборки и MTProto-сессий на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ResultStore = (*Postgres)(nil)
	_ domain.SessionRepo = (*Postgres)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    message_id TEXT PRIMARY KEY,
    chat_id    TEXT NOT NULL,
    seq        BIGINT GENERATED ALWAYS AS IDENTITY,
    saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mtproto_sessions (
    name       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Migrate создаёт таблицы, если их ещё нет.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "migrate", "schema", start, err)
	if err != nil {
		return fmt.Errorf("миграция схемы: %w", err)
	}
	return nil
}

// Clear удаляет выборку предыдущего запуска.
func (p *Postgres) Clear(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `TRUNCATE chats RESTART IDENTITY`)
	metrics.ObserveNetworkRequest("postgres", "chats_clear", "chats", start, err)
	return err
}

// Upsert сохраняет запись выборки по ключу message_id.
func (p *Postgres) Upsert(ctx context.Context, record domain.Record) error {
	if record.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO chats (message_id, chat_id)
VALUES ($1, $2)
ON CONFLICT (message_id) DO UPDATE SET chat_id = EXCLUDED.chat_id, saved_at = now()
`, record.MessageID, record.ChatID)
	metrics.ObserveNetworkRequest("postgres", "chats_upsert", "chats", start, err)
	return err
}

// List возвращает записи последнего запуска в порядке сохранения.
func (p *Postgres) List(ctx context.Context) ([]domain.Record, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT chat_id, message_id FROM chats ORDER BY seq`)
	metrics.ObserveNetworkRequest("postgres", "chats_list", "chats", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.Record, 0)
	for rows.Next() {
		var rec domain.Record
		if err := rows.Scan(&rec.ChatID, &rec.MessageID); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
