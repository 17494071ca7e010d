package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg-top-feed/internal/domain"
)

type fakeChannel struct {
	ref        domain.ChannelRef
	messages   []domain.RawMessage
	details    map[int]domain.MessageDetail
	detailErr  map[int]error
	historyErr error
	resolveErr error
}

type fakeGateway struct {
	mu       sync.Mutex
	channels map[domain.ChannelHandle]*fakeChannel
	delay    time.Duration
	// onHistory вызывается перед выдачей истории, до проверки контекста.
	onHistory func(ctx context.Context)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{channels: map[domain.ChannelHandle]*fakeChannel{}}
}

func (g *fakeGateway) set(handle domain.ChannelHandle, ch *fakeChannel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch.ref.Handle = handle
	g.channels[handle] = ch
}

func (g *fakeGateway) get(handle domain.ChannelHandle) (*fakeChannel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[handle]
	return ch, ok
}

func (g *fakeGateway) ResolveChannel(ctx context.Context, handle domain.ChannelHandle) (domain.ChannelRef, error) {
	ch, ok := g.get(handle)
	if !ok {
		return domain.ChannelRef{}, fmt.Errorf("%s: %w", handle, domain.ErrChannelNotFound)
	}
	if ch.resolveErr != nil {
		return domain.ChannelRef{}, ch.resolveErr
	}
	return ch.ref, nil
}

func (g *fakeGateway) FetchRecentHistory(ctx context.Context, ref domain.ChannelRef, limit int) ([]domain.RawMessage, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.onHistory != nil {
		g.onHistory(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := g.get(ref.Handle)
	if ch.historyErr != nil {
		return nil, ch.historyErr
	}
	msgs := ch.messages
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (g *fakeGateway) FetchMessageDetail(ctx context.Context, ref domain.ChannelRef, messageID int) (domain.MessageDetail, error) {
	ch, _ := g.get(ref.Handle)
	if err := ch.detailErr[messageID]; err != nil {
		return domain.MessageDetail{}, err
	}
	d, ok := ch.details[messageID]
	if !ok {
		return domain.MessageDetail{}, errors.New("detail missing")
	}
	return d, nil
}

// scoredChannel строит канал, где сообщение id*100+i+1 получает оценку scores[i].
// При разрешённом взаимодействии оценка равна 0.5*replies.
func scoredChannel(id int64, now time.Time, scores ...float64) *fakeChannel {
	ch := &fakeChannel{
		ref:     domain.ChannelRef{ID: id, AccessHash: id * 10},
		details: map[int]domain.MessageDetail{},
	}
	for i, score := range scores {
		msgID := int(id)*100 + i + 1
		ch.messages = append(ch.messages, domain.RawMessage{
			ID:          msgID,
			ChannelID:   id,
			Date:        now.Add(-time.Duration(i+1) * time.Minute),
			CanInteract: true,
		})
		ch.details[msgID] = domain.MessageDetail{Replies: int(score * 2), CanInteract: true}
	}
	return ch
}

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]domain.Record
	order     []string
	clearErr  error
	upsertErr map[string]error
	clears    int
	upserts   int
	onClear   func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]domain.Record{}, upsertErr: map[string]error{}}
}

func (s *fakeStore) Clear(ctx context.Context) error {
	if s.onClear != nil {
		s.onClear()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	s.records = map[string]domain.Record{}
	s.order = nil
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if err := s.upsertErr[rec.MessageID]; err != nil {
		return err
	}
	if _, ok := s.records[rec.MessageID]; !ok {
		s.order = append(s.order, rec.MessageID)
	}
	s.records[rec.MessageID] = rec
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	runs  []domain.RunResult
	err   error
	onRun func()
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Publish(ctx context.Context, run domain.RunResult) error {
	if p.onRun != nil {
		p.onRun()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	return p.err
}

type fakeLock struct {
	err      error
	locked   int
	unlocked int
}

func (l *fakeLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.locked++
	return func() { l.unlocked++ }, nil
}
