package domain

import "errors"

var (
	// ErrChannelNotFound возвращается, если username не соответствует публичному каналу.
	ErrChannelNotFound = errors.New("канал не найден")
	// ErrClearFailed оборачивает ошибку очистки хранилища. Это единственная фатальная ошибка запуска.
	ErrClearFailed = errors.New("не удалось очистить хранилище")
	// ErrCacheMiss возвращается кэшем при отсутствии ключа.
	ErrCacheMiss = errors.New("cache miss")
	// ErrLockHeld возвращается, если блокировка запуска занята другим процессом.
	ErrLockHeld = errors.New("run lock is held")
	// ErrUnauthorized возвращается, если MTProto-сессия не авторизована.
	ErrUnauthorized = errors.New("MTProto-сессия не авторизована")
)
