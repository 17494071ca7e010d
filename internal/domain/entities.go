package domain

import (
	"strconv"
	"strings"
	"time"
)

// ChannelHandle описывает публичный username канала из конфигурации.
type ChannelHandle string

// NormalizeHandle приводит ссылку на канал к виду username.
func NormalizeHandle(raw string) ChannelHandle {
	h := strings.TrimSpace(raw)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/", "@"} {
		if len(h) >= len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			h = h[len(prefix):]
		}
	}
	h = strings.TrimSuffix(h, "/")
	return ChannelHandle(strings.TrimSpace(h))
}

// NormalizeHandles нормализует список и убирает дубликаты без учёта регистра, сохраняя порядок.
func NormalizeHandles(raw []string) []ChannelHandle {
	seen := make(map[string]struct{}, len(raw))
	out := make([]ChannelHandle, 0, len(raw))
	for _, item := range raw {
		h := NormalizeHandle(item)
		if h == "" {
			continue
		}
		key := strings.ToLower(string(h))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ChannelRef описывает результат резолва канала через MTProto.
type ChannelRef struct {
	Handle     ChannelHandle `json:"handle"`
	ID         int64         `json:"id"`
	AccessHash int64         `json:"access_hash"`
	Title      string        `json:"title,omitempty"`
}

// channelChatIDShift соответствует префиксу -100 в идентификаторах каналов Bot API.
const channelChatIDShift = 1_000_000_000_000

// ChatID возвращает идентификатор чата в формате Bot API (-100<id>).
func (r ChannelRef) ChatID() int64 {
	return -channelChatIDShift - r.ID
}

// RawMessage описывает сообщение из истории канала.
type RawMessage struct {
	ID          int
	ChannelID   int64
	Date        time.Time
	CanInteract bool
}

// Age возвращает возраст сообщения относительно now.
func (m RawMessage) Age(now time.Time) time.Duration {
	return now.Sub(m.Date)
}

// MessageDetail содержит сигналы вовлечённости сообщения.
type MessageDetail struct {
	Views       int
	Forwarded   bool
	Replies     int
	CanInteract bool
}

// ForwardPresence возвращает 1, если сообщение было переслано, иначе 0.
func (d MessageDetail) ForwardPresence() int {
	if d.Forwarded {
		return 1
	}
	return 0
}

// ScoredMessage описывает оценённое сообщение канала.
type ScoredMessage struct {
	ChatID    int64
	MessageID int
	Handle    ChannelHandle
	Score     float64
}

// Key идентифицирует сообщение внутри запуска.
func (m ScoredMessage) Key() MessageKey {
	return MessageKey{ChatID: m.ChatID, MessageID: m.MessageID}
}

// Record возвращает запись для хранилища.
func (m ScoredMessage) Record() Record {
	return Record{
		ChatID:    strconv.FormatInt(m.ChatID, 10),
		MessageID: strconv.Itoa(m.MessageID),
	}
}

// Link возвращает публичную ссылку на сообщение.
func (m ScoredMessage) Link() string {
	return "https://t.me/" + string(m.Handle) + "/" + strconv.Itoa(m.MessageID)
}

// MessageKey идентифицирует пару (чат, сообщение).
type MessageKey struct {
	ChatID    int64
	MessageID int
}

// Record описывает сохранённую позицию выборки. MessageID является первичным ключом.
type Record struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// Selection содержит итоговый перемешанный список сообщений запуска.
type Selection []ScoredMessage

// Records преобразует выборку в записи с сохранением порядка.
func (s Selection) Records() []Record {
	out := make([]Record, 0, len(s))
	for _, m := range s {
		out = append(out, m.Record())
	}
	return out
}
