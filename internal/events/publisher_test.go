package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-usage-backend/internal/model"
)

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	published []amqp.Publishing
	keys      []string
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func sampleEvent() SessionEvent {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &model.UsageSession{ID: 7, EquipmentID: 3, UserID: 11, StartTime: start}
	return NewSessionEvent(SessionStarted, s, start)
}

func TestPublisherShipsBufferedEvents(t *testing.T) {
	ch := &fakeChannel{}
	dial := func(string) (Channel, io.Closer, error) { return ch, nopCloser{}, nil }
	p := NewPublisher("amqp://test", "", dial, nil, nil)

	ev := sampleEvent()
	p.Publish(context.Background(), ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return ch.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []string{DefaultQueue}, ch.declared)
	assert.Equal(t, DefaultQueue, ch.keys[0])
	msg := ch.published[0]
	assert.Equal(t, ev.ID, msg.MessageId)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var decoded SessionEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, SessionStarted, decoded.Type)
	assert.Equal(t, int64(7), decoded.SessionID)
	assert.Equal(t, int64(3), decoded.EquipmentID)
}

func TestPublisherRetriesDial(t *testing.T) {
	ch := &fakeChannel{}
	var mu sync.Mutex
	calls := 0
	dial := func(string) (Channel, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, nil, errors.New("connection refused")
		}
		return ch, nopCloser{}, nil
	}
	p := NewPublisher("amqp://test", "q", dial, nil, nil)
	p.Publish(context.Background(), sampleEvent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return ch.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

type brokenChannel struct{ fakeChannel }

func (b *brokenChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return amqp.ErrClosed
}

func TestPublisherResendsAfterBrokenChannel(t *testing.T) {
	broken, ch := &brokenChannel{}, &fakeChannel{}
	var mu sync.Mutex
	calls := 0
	dial := func(string) (Channel, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return broken, nopCloser{}, nil
		}
		return ch, nopCloser{}, nil
	}
	p := NewPublisher("amqp://test", "q", dial, nil, nil)
	first, second := sampleEvent(), sampleEvent()
	p.Publish(context.Background(), first)
	p.Publish(context.Background(), second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return ch.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, first.ID, ch.published[0].MessageId, "the failed event goes out first")
	assert.Equal(t, second.ID, ch.published[1].MessageId)
}

func TestPublishNeverBlocks(t *testing.T) {
	p := NewPublisher("amqp://test", "q", nil, nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize+10; i++ {
			p.Publish(context.Background(), sampleEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Len(t, p.pending, bufferSize)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Publish(context.Background(), sampleEvent()) })
}
