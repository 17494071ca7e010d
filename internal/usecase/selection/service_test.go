package selection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-top-feed/internal/domain"
)

func newTestService(gw domain.SourceGateway, store domain.ResultStore, opts Options) *Service {
	svc := NewService(gw, store, opts, zerolog.Nop())
	return svc
}

func scoresOf(sel domain.Selection) []float64 {
	out := make([]float64, 0, len(sel))
	for _, item := range sel {
		out = append(out, item.Score)
	}
	sort.Float64s(out)
	return out
}

func TestRunOnceEndToEnd(t *testing.T) {
	now := time.Now()
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, now, 10, 8, 3))
	gw.set("B", scoredChannel(2, now, 9, 1))
	store := newFakeStore()
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A", "B"}})

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Selection) != 5 {
		t.Fatalf("ожидали 5 сообщений, получили %d", len(res.Selection))
	}
	got := scoresOf(res.Selection)
	want := []float64{1, 3, 8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ожидали оценки %v, получили %v", want, got)
		}
	}
	for _, item := range res.Selection {
		if item.Handle == "A" && item.ChatID != -1000000000001 || item.Handle == "B" && item.ChatID != -1000000000002 {
			t.Fatalf("сообщение привязано не к тому каналу: %+v", item)
		}
	}

	records, _ := store.List(context.Background())
	if len(records) != 5 {
		t.Fatalf("ожидали 5 записей в хранилище, получили %d", len(records))
	}
	for i, rec := range res.Selection.Records() {
		if records[i] != rec {
			t.Fatalf("хранилище не совпадает с выборкой: %v vs %v", records, res.Selection.Records())
		}
	}
	if res.Diagnostics.Persisted != 5 || res.Diagnostics.RunID == "" || res.Diagnostics.FailureCount() != 0 {
		t.Fatalf("неожиданная диагностика: %+v", res.Diagnostics)
	}
}

func TestRunOnceTwiceKeepsOnlySecondSelection(t *testing.T) {
	now := time.Now()
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, now, 10, 8, 3))
	store := newFakeStore()
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}})

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	gw.set("A", scoredChannel(5, now, 4))
	second, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("второй запуск: %v", err)
	}

	records, _ := store.List(context.Background())
	if len(records) != 1 || records[0] != second.Selection.Records()[0] {
		t.Fatalf("ожидали только выборку второго запуска, получили %v", records)
	}
	if store.clears != 2 {
		t.Fatalf("ожидали очистку в каждом запуске, получили %d", store.clears)
	}
}

func TestRunOncePartialFailure(t *testing.T) {
	now := time.Now()
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, now, 5, 4))
	gw.set("C", scoredChannel(3, now, 2))
	store := newFakeStore()
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A", "missing", "C"}})

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("ошибка канала не должна прерывать запуск: %v", err)
	}
	if len(res.Selection) != 3 {
		t.Fatalf("ожидали 3 сообщения, получили %d", len(res.Selection))
	}
	for _, item := range res.Selection {
		if item.Handle != "A" && item.Handle != "C" {
			t.Fatalf("неожиданный канал %q", item.Handle)
		}
	}
	report := res.Diagnostics.Channels[1]
	if report.Handle != "missing" || report.Resolved || report.Failures[0].Kind != domain.FailureResolve {
		t.Fatalf("ожидали отчёт о нерезолвленном канале: %+v", report)
	}
}

func TestRunOnceClearFailureAborts(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5))
	store := newFakeStore()
	store.clearErr = errors.New("connection refused")
	pub := &fakePublisher{}
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Publishers: []domain.Publisher{pub}})

	res, err := svc.RunOnce(context.Background())
	if !errors.Is(err, domain.ErrClearFailed) {
		t.Fatalf("ожидали ErrClearFailed, получили %v", err)
	}
	if len(res.Selection) != 0 || store.upserts != 0 || len(pub.runs) != 0 {
		t.Fatalf("после ошибки очистки не должно быть записи и публикации")
	}
}

func TestRunOncePersistFailureKeepsSelection(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4, 3))
	store := newFakeStore()
	store.upsertErr["102"] = errors.New("unique violation")
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}})

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.Selection) != 3 {
		t.Fatalf("выборка должна содержать все 3 сообщения, получили %d", len(res.Selection))
	}
	records, _ := store.List(context.Background())
	if len(records) != 2 || res.Diagnostics.Persisted != 2 {
		t.Fatalf("ожидали 2 сохранённые записи, получили %d", len(records))
	}
	if len(res.Diagnostics.Failures) != 1 || res.Diagnostics.Failures[0].Kind != domain.FailurePersist {
		t.Fatalf("ожидали ошибку сохранения в диагностике: %+v", res.Diagnostics.Failures)
	}
}

func TestRunOncePublishes(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4))
	ok := &fakePublisher{}
	failing := &fakePublisher{err: errors.New("broker down")}
	svc := newTestService(gw, newFakeStore(), Options{Channels: []domain.ChannelHandle{"A"}, Publishers: []domain.Publisher{failing, ok}})

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("ошибка публикации не должна прерывать запуск: %v", err)
	}
	if len(ok.runs) != 1 || len(ok.runs[0].Selection) != 2 {
		t.Fatalf("ожидали публикацию выборки")
	}
	if len(res.Diagnostics.Failures) != 1 || res.Diagnostics.Failures[0].Kind != domain.FailurePublish {
		t.Fatalf("ожидали ошибку публикации в диагностике: %+v", res.Diagnostics.Failures)
	}
}

func TestRunOnceIsSerialized(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 20 * time.Millisecond
	gw.set("A", scoredChannel(1, time.Now(), 5))
	var active, overlaps int32
	store := newFakeStore()
	store.onClear = func() {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
	}
	pub := &fakePublisher{onRun: func() { atomic.AddInt32(&active, -1) }}
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Publishers: []domain.Publisher{pub}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RunOnce(context.Background()); err != nil {
				t.Errorf("запуск: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlaps != 0 {
		t.Fatalf("запуски не должны пересекаться, пересечений: %d", overlaps)
	}
	if len(pub.runs) != 4 {
		t.Fatalf("ожидали 4 запуска, получили %d", len(pub.runs))
	}
}

func TestRunOnceUsesDistributedLock(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5))
	store := newFakeStore()
	lock := &fakeLock{}
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Lock: lock})

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if lock.locked != 1 || lock.unlocked != 1 {
		t.Fatalf("ожидали захват и освобождение блокировки: %+v", lock)
	}

	busy := &fakeLock{err: domain.ErrLockHeld}
	svc = newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Lock: busy})
	if _, err := svc.RunOnce(context.Background()); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("ожидали ErrLockHeld, получили %v", err)
	}
	if store.clears != 1 {
		t.Fatalf("хранилище не должно очищаться без блокировки")
	}
}

func TestLatestReturnsStoredRecords(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4))
	store := newFakeStore()
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}})
	res, _ := svc.RunOnce(context.Background())

	latest, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(latest) != len(res.Selection) {
		t.Fatalf("ожидали %d записей, получили %d", len(res.Selection), len(latest))
	}
}

func TestRunOnceQueuedRunGivesUpBeforeClear(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4, 3))
	store := newFakeStore()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	pub := &fakePublisher{onRun: func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}}
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Publishers: []domain.Publisher{pub}})

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.RunOnce(context.Background())
		firstDone <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.RunOnce(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидали истечение срока ожидания, получили %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	if store.clears != 1 {
		t.Fatalf("запуск в очереди не должен очищать хранилище, очисток: %d", store.clears)
	}
	records, _ := store.List(context.Background())
	if len(records) != 3 {
		t.Fatalf("выборка первого запуска должна сохраниться, записей: %d", len(records))
	}
}

func TestRunOnceTimeoutStartsAfterLock(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4, 3))
	store := newFakeStore()

	var deadlines atomic.Int32
	gw.onHistory = func(ctx context.Context) {
		if _, ok := ctx.Deadline(); ok {
			deadlines.Add(1)
		}
	}

	started := make(chan struct{})
	var once sync.Once
	pub := &fakePublisher{onRun: func() {
		once.Do(func() {
			close(started)
			time.Sleep(150 * time.Millisecond)
		})
	}}
	svc := newTestService(gw, store, Options{
		Channels:   []domain.ChannelHandle{"A"},
		Publishers: []domain.Publisher{pub},
		RunTimeout: 100 * time.Millisecond,
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.RunOnce(context.Background())
		firstDone <- err
	}()
	<-started

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	if len(res.Selection) != 3 || res.Diagnostics.FailureCount() != 0 {
		t.Fatalf("запуск из очереди должен получить полный бюджет: выбрано %d, ошибок %d", len(res.Selection), res.Diagnostics.FailureCount())
	}
	if deadlines.Load() != 2 {
		t.Fatalf("ожидали срок выполнения в обоих запусках, получили %d", deadlines.Load())
	}
	records, _ := store.List(context.Background())
	if len(records) != 3 {
		t.Fatalf("ожидали 3 записи, получили %d", len(records))
	}
}

func TestRunOnceContinuesWhenDistributedLockUnavailable(t *testing.T) {
	gw := newFakeGateway()
	gw.set("A", scoredChannel(1, time.Now(), 5, 4))
	store := newFakeStore()
	broken := &fakeLock{err: errors.New("redis: connection refused")}
	svc := newTestService(gw, store, Options{Channels: []domain.ChannelHandle{"A"}, Lock: broken})

	res, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("недоступный redis не должен прерывать запуск: %v", err)
	}
	if len(res.Selection) != 2 || store.clears != 1 {
		t.Fatalf("ожидали полный запуск: выбрано %d, очисток %d", len(res.Selection), store.clears)
	}
}
