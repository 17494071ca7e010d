package mtproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/metrics"
)

const cacheKeyPrefix = "tgtop:channel:"

var errMessageMissing = errors.New("сообщение отсутствует в ответе")

// api описывает подмножество tg.Client, которое использует шлюз.
type api interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
}

// Options задаёт ограничения шлюза.
type Options struct {
	RPS         int
	CallTimeout time.Duration
	Cache       domain.Cache
	CacheTTL    time.Duration
}

// apiHolder позволяет хранить интерфейс в atomic.Pointer.
type apiHolder struct{ api }

// Gateway реализует domain.SourceGateway через gotd.
type Gateway struct {
	client   *telegram.Client
	rpc      atomic.Pointer[apiHolder]
	limiter  *rate.Limiter
	timeout  time.Duration
	cache    domain.Cache
	cacheTTL time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ domain.SourceGateway = (*Gateway)(nil)

// NewGateway создаёт MTProto клиента. Соединение открывается в Start.
func NewGateway(apiID int, apiHash string, storage session.Storage, opts Options, log zerolog.Logger) *Gateway {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	g := newGateway(nil, opts, log)
	g.client = client
	return g
}

func newGateway(a api, opts Options, log zerolog.Logger) *Gateway {
	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		burst = opts.RPS
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	g := &Gateway{
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  timeout,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		log:      log,
	}
	if a != nil {
		g.attach(a)
	}
	return g
}

// attach публикует клиента для вызовов; безопасно при параллельных запросах.
func (g *Gateway) attach(a api) {
	g.rpc.Store(&apiHolder{a})
}

// Start подключается к Telegram и проверяет, что сессия авторизована.
// Клиент работает в фоне до вызова Close.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil || g.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := g.client.Run(runCtx, func(ctx context.Context) error {
			status, err := g.client.Auth().Status(ctx)
			if err != nil {
				err = fmt.Errorf("проверка авторизации: %w", err)
				ready <- err
				return err
			}
			if !status.Authorized {
				ready <- domain.ErrUnauthorized
				return domain.ErrUnauthorized
			}
			ready <- nil
			<-ctx.Done()
			return nil
		})
		if err == nil {
			err = errors.New("mtproto: клиент завершил работу")
		}
		if !errors.Is(err, context.Canceled) {
			g.log.Error().Err(err).Msg("mtproto: клиент остановлен")
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-done
			return err
		}
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	g.attach(g.client.API())
	g.cancel = cancel
	g.done = done
	g.log.Info().Msg("mtproto: клиент подключён")
	return nil
}

// Close останавливает клиента и ждёт завершения.
func (g *Gateway) Close() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Gateway) call(ctx context.Context, operation, target string, fn func(ctx context.Context, rpc api) error) error {
	holder := g.rpc.Load()
	if holder == nil {
		return errors.New("mtproto: клиент не запущен")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx, holder.api)
	metrics.ObserveNetworkRequest("mtproto", operation, target, start, err)
	return err
}

// ResolveChannel возвращает идентификатор публичного канала по username.
func (g *Gateway) ResolveChannel(ctx context.Context, handle domain.ChannelHandle) (domain.ChannelRef, error) {
	if ref, ok := g.cachedRef(ctx, handle); ok {
		return ref, nil
	}

	var resolved *tg.ContactsResolvedPeer
	err := g.call(ctx, "resolve_username", string(handle), func(ctx context.Context, rpc api) error {
		var err error
		resolved, err = rpc.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: string(handle)})
		return err
	})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return domain.ChannelRef{}, fmt.Errorf("%s: %w", handle, domain.ErrChannelNotFound)
		}
		return domain.ChannelRef{}, fmt.Errorf("резолв %s: %w", handle, err)
	}

	ref, err := channelFromResolved(handle, resolved)
	if err != nil {
		return domain.ChannelRef{}, err
	}
	g.storeRef(ctx, ref)
	return ref, nil
}

// FetchRecentHistory возвращает последние limit сообщений канала.
func (g *Gateway) FetchRecentHistory(ctx context.Context, ref domain.ChannelRef, limit int) ([]domain.RawMessage, error) {
	var res tg.MessagesMessagesClass
	err := g.call(ctx, "get_history", string(ref.Handle), func(ctx context.Context, rpc api) error {
		var err error
		res, err = rpc.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  &tg.InputPeerChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash},
			Limit: limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("история %s: %w", ref.Handle, err)
	}

	var out []domain.RawMessage
	for _, item := range messagesOf(res) {
		msg, ok := item.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, domain.RawMessage{
			ID:          msg.ID,
			ChannelID:   ref.ID,
			Date:        time.Unix(int64(msg.Date), 0).UTC(),
			CanInteract: !msg.Noforwards,
		})
	}
	return out, nil
}

// FetchMessageDetail загружает сообщение повторно, чтобы получить просмотры, пересылку и ответы.
func (g *Gateway) FetchMessageDetail(ctx context.Context, ref domain.ChannelRef, messageID int) (domain.MessageDetail, error) {
	var res tg.MessagesMessagesClass
	err := g.call(ctx, "get_message", string(ref.Handle), func(ctx context.Context, rpc api) error {
		var err error
		res, err = rpc.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash},
			ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}},
		})
		return err
	})
	if err != nil {
		return domain.MessageDetail{}, fmt.Errorf("сообщение %s/%d: %w", ref.Handle, messageID, err)
	}
	for _, item := range messagesOf(res) {
		if msg, ok := item.(*tg.Message); ok && msg.ID == messageID {
			return detailFromMessage(msg), nil
		}
	}
	return domain.MessageDetail{}, fmt.Errorf("сообщение %s/%d: %w", ref.Handle, messageID, errMessageMissing)
}

func (g *Gateway) cachedRef(ctx context.Context, handle domain.ChannelHandle) (domain.ChannelRef, bool) {
	if g.cache == nil {
		return domain.ChannelRef{}, false
	}
	raw, err := g.cache.Get(ctx, cacheKey(handle))
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			g.log.Warn().Err(err).Str("channel", string(handle)).Msg("mtproto: кэш каналов недоступен")
		}
		return domain.ChannelRef{}, false
	}
	var ref domain.ChannelRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == 0 {
		return domain.ChannelRef{}, false
	}
	ref.Handle = handle
	return ref, true
}

func (g *Gateway) storeRef(ctx context.Context, ref domain.ChannelRef) {
	if g.cache == nil || g.cacheTTL <= 0 {
		return
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(ref.Handle), payload, g.cacheTTL); err != nil {
		g.log.Warn().Err(err).Str("channel", string(ref.Handle)).Msg("mtproto: не удалось сохранить канал в кэш")
	}
}

func cacheKey(handle domain.ChannelHandle) string {
	return cacheKeyPrefix + strings.ToLower(string(handle))
}

func channelFromResolved(handle domain.ChannelHandle, resolved *tg.ContactsResolvedPeer) (domain.ChannelRef, error) {
	if resolved == nil {
		return domain.ChannelRef{}, fmt.Errorf("%s: %w", handle, domain.ErrChannelNotFound)
	}
	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return domain.ChannelRef{}, fmt.Errorf("%s не является каналом: %w", handle, domain.ErrChannelNotFound)
	}
	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok || ch.ID != peer.ChannelID {
			continue
		}
		return domain.ChannelRef{Handle: handle, ID: ch.ID, AccessHash: ch.AccessHash, Title: ch.Title}, nil
	}
	return domain.ChannelRef{}, fmt.Errorf("%s: %w", handle, domain.ErrChannelNotFound)
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

func detailFromMessage(msg *tg.Message) domain.MessageDetail {
	views, _ := msg.GetViews()
	_, forwarded := msg.GetFwdFrom()
	replies := 0
	if r, ok := msg.GetReplies(); ok {
		replies = r.Replies
	}
	return domain.MessageDetail{
		Views:       views,
		Forwarded:   forwarded,
		Replies:     replies,
		CanInteract: !msg.Noforwards,
	}
}
