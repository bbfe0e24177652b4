package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
)

const (
	DefaultQueue  = "equipment.sessions"
	bufferSize    = 256
	maxReconnect  = 30 * time.Second
	publishWindow = 5 * time.Second
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// DialFunc opens a channel on the broker. The returned closer releases the connection.
type DialFunc func(url string) (Channel, io.Closer, error)

// Dial connects to a real broker.
func Dial(url string) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	return ch, conn, nil
}

// Publisher buffers events in memory and ships them from a single goroutine
// started by Run. A full buffer drops the event. An event whose publish failed
// is held and sent first on the next connection.
type Publisher struct {
	url     string
	queue   string
	dial    DialFunc
	pending chan SessionEvent
	// unsent is owned by the Run goroutine.
	unsent  *SessionEvent
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewPublisher creates a publisher for queue on the broker at url. A nil dial uses Dial.
func NewPublisher(url, queue string, dial DialFunc, logger *slog.Logger, rec *metrics.Recorder) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if dial == nil {
		dial = Dial
	}
	return &Publisher{
		url:     url,
		queue:   queue,
		dial:    dial,
		pending: make(chan SessionEvent, bufferSize),
		logger:  logging.OrDiscard(logger),
		metrics: rec,
	}
}

// Publish enqueues ev without blocking. It is safe on a nil *Publisher.
func (p *Publisher) Publish(_ context.Context, ev SessionEvent) {
	if p == nil {
		return
	}
	select {
	case p.pending <- ev:
	default:
		p.metrics.EventPublished(false)
		p.logger.Warn("event buffer full, dropping event", "type", ev.Type, "session_id", ev.SessionID)
	}
}

// Run keeps a broker connection open and drains the buffer until ctx is done.
// Connection failures are retried with a doubling delay.
func (p *Publisher) Run(ctx context.Context) error {
	delay := time.Second
	for {
		ch, conn, err := p.connect()
		if err != nil {
			p.logger.Warn("event broker unavailable", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			if delay < maxReconnect {
				delay *= 2
			}
			continue
		}
		delay = time.Second

		err = p.drain(ctx, ch)
		_ = ch.Close()
		_ = conn.Close()
		if err == nil {
			if p.unsent != nil {
				p.logger.Warn("shutting down with an unsent event", "event_id", p.unsent.ID, "type", p.unsent.Type)
			}
			return nil
		}
		p.logger.Warn("event publishing interrupted, reconnecting", "error", err)
	}
}

func (p *Publisher) connect() (Channel, io.Closer, error) {
	ch, conn, err := p.dial(p.url)
	if err != nil {
		return nil, nil, err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue declare: %w", err)
	}
	return ch, conn, nil
}

// drain returns nil when ctx is done and an error when the channel broke.
func (p *Publisher) drain(ctx context.Context, ch Channel) error {
	if p.unsent != nil {
		if err := p.ship(ctx, ch, *p.unsent); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.pending:
			if err := p.ship(ctx, ch, ev); err != nil {
				return err
			}
		}
	}
}

// ship sends ev, keeping it as unsent when the channel fails.
func (p *Publisher) ship(ctx context.Context, ch Channel, ev SessionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		p.unsent = nil
		p.metrics.EventPublished(false)
		p.logger.Error("dropping unencodable event", "event_id", ev.ID, "error", err)
		return nil
	}
	if err := p.send(ctx, ch, ev, body); err != nil {
		p.unsent = &ev
		p.metrics.EventPublished(false)
		return err
	}
	p.unsent = nil
	p.metrics.EventPublished(true)
	return nil
}

func (p *Publisher) send(ctx context.Context, ch Channel, ev SessionEvent, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishWindow)
	defer cancel()
	return ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
}
