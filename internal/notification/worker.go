package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers "equipment available" pushes off the request path.
type WorkerPool struct {
	size    int
	jobs    chan int64
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, st store.Store, webpushOptions *webpush.Options, logger *slog.Logger, rec *metrics.Recorder) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size*16),
		store:   st,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		logger:  logging.OrDiscard(logger),
		metrics: rec,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Run starts the workers and blocks until ctx is done.
func (wp *WorkerPool) Run(ctx context.Context) error {
	wp.Start(ctx)
	<-ctx.Done()
	return nil
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("push worker started", "worker", id)
	for {
		select {
		case equipmentID := <-wp.jobs:
			wp.sendNotificationsForEquipment(ctx, equipmentID)
		case <-ctx.Done():
			wp.logger.Debug("push worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues a notification round for equipmentID. It never blocks: when
// the queue is full the round is dropped.
func (wp *WorkerPool) Dispatch(equipmentID int64) {
	select {
	case wp.jobs <- equipmentID:
	default:
		wp.logger.Warn("push queue full, dropping notification", "equipment_id", equipmentID)
	}
}

func (wp *WorkerPool) sendNotificationsForEquipment(ctx context.Context, equipmentID int64) {
	subscriptions, err := wp.store.PushSubscriptionsForEquipment(ctx, equipmentID)
	if err != nil {
		wp.logger.Error("fetching push subscriptions failed", "equipment_id", equipmentID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	label := fmt.Sprintf("Equipment %d", equipmentID)
	if eq, err := wp.store.Equipment(ctx, equipmentID); err != nil {
		wp.logger.Warn("fetching equipment for push failed", "equipment_id", equipmentID, "error", err)
	} else if eq.Name != "" {
		label = eq.Name
	}

	wp.logger.Info("sending availability pushes", "equipment_id", equipmentID, "count", len(subscriptions))
	message := []byte(fmt.Sprintf("%s is available again!", label))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, message)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.metrics.PushSent(false)
		wp.logger.Warn("sending push failed", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		wp.metrics.PushSent(false)
		wp.logger.Info("push subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("deleting expired subscription failed", "endpoint", sub.Endpoint, "error", err)
		}
	case resp.StatusCode >= 400:
		wp.metrics.PushSent(false)
		wp.logger.Warn("push rejected", "endpoint", sub.Endpoint, "status", resp.StatusCode)
	default:
		wp.metrics.PushSent(true)
	}
}
