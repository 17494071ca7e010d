package domain

import (
	"context"
	"time"
)

// SourceGateway оборачивает клиента источника сообщений.
type SourceGateway interface {
	ResolveChannel(ctx context.Context, handle ChannelHandle) (ChannelRef, error)
	FetchRecentHistory(ctx context.Context, ref ChannelRef, limit int) ([]RawMessage, error)
	FetchMessageDetail(ctx context.Context, ref ChannelRef, messageID int) (MessageDetail, error)
}

// ResultStore хранит выборку последнего запуска.
type ResultStore interface {
	Clear(ctx context.Context) error
	Upsert(ctx context.Context, record Record) error
	List(ctx context.Context) ([]Record, error)
}

// Publisher повторно публикует выборку во внешние каналы.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, run RunResult) error
}

// RunLock сериализует запуски между процессами.
type RunLock interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SessionRepo хранит MTProto-сессии.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}
