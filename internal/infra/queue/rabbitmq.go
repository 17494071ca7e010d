package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-top-feed/internal/domain"
	"tg-top-feed/internal/infra/metrics"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher публикует выборку каждого запуска в очередь RabbitMQ.
type RabbitPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

var _ domain.Publisher = (*RabbitPublisher)(nil)

// SelectionEnvelope описывает сообщение о готовой выборке.
type SelectionEnvelope struct {
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Items       []domain.Record `json:"items"`
}

// NewRabbitPublisher подключается к брокеру и объявляет долговечную очередь.
func NewRabbitPublisher(amqpURL, queue string) (*RabbitPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Name возвращает имя публикатора.
func (p *RabbitPublisher) Name() string { return "rabbitmq" }

// Publish отправляет выборку вместе с идентификатором запуска.
func (p *RabbitPublisher) Publish(ctx context.Context, run domain.RunResult) error {
	generated := run.Diagnostics.FinishedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	payload, err := json.Marshal(SelectionEnvelope{
		RunID:       run.Diagnostics.RunID,
		GeneratedAt: generated,
		Items:       run.Selection.Records(),
	})
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    run.Diagnostics.RunID,
		Timestamp:    generated,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
