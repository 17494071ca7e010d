package mtproto

import (
	"context"

	"github.com/gotd/td/session"

	"tg-top-feed/internal/domain"
)

// SessionDB хранит MTProto-сессию в таблице mtproto_sessions.
type SessionDB struct {
	repo domain.SessionRepo
	name string
}

var _ session.Storage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище сессии с указанным именем.
func NewSessionDB(repo domain.SessionRepo, name string) *SessionDB {
	return &SessionDB{repo: repo, name: name}
}

// LoadSession загружает сессию. Отсутствие сессии возвращается как session.ErrNotFound.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadMTProtoSession(ctx, s.name)
}

// StoreSession сохраняет обновлённую сессию.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	clone := make([]byte, len(data))
	copy(clone, data)
	return s.repo.StoreMTProtoSession(ctx, s.name, clone)
}
