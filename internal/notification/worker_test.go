package notification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestWorkerPool_Dispatch(t *testing.T) {
	wp := NewWorkerPool(1, store.NewMemoryStore(), &webpush.Options{}, nil, nil)

	wp.Dispatch(123)

	select {
	case job := <-wp.jobs:
		assert.Equal(t, int64(123), job)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_DispatchNeverBlocks(t *testing.T) {
	wp := NewWorkerPool(1, store.NewMemoryStore(), &webpush.Options{}, nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(wp.jobs)+5; i++ {
			wp.Dispatch(int64(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	assert.Len(t, wp.jobs, cap(wp.jobs))
}

func TestWorkerPool_SendsForSubscribedEquipment(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, store.NewGormStore(gormDB), &webpush.Options{}, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			defer wg.Done()
			assert.Equal(t, "https://example.com/push", sub.Endpoint)
			assert.Equal(t, "test_p256dh", sub.Keys.P256dh)
			assert.Equal(t, "Confocal Microscope is available again!", string(payload))
			return response(http.StatusCreated), nil
		},
	}

	equipmentID := int64(101)
	mock.ExpectQuery(`SELECT .* FROM "push_subscriptions".*JOIN .*subscription_equipment_mapping.*WHERE .*sem\.equipment_id = \$1`).
		WithArgs(equipmentID).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
			AddRow("https://example.com/push", "test_p256dh", "test_auth", time.Now()))
	mock.ExpectQuery(`SELECT \* FROM "equipment" WHERE "equipment"."id" = \$1 ORDER BY "equipment"."id" LIMIT \$2`).
		WithArgs(equipmentID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "code"}).AddRow(equipmentID, "Confocal Microscope", "MIC-01"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	wp.Dispatch(equipmentID)
	wg.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPool_FallsBackToEquipmentID(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, store.NewGormStore(gormDB), &webpush.Options{}, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			defer wg.Done()
			assert.Equal(t, "Equipment 103 is available again!", string(payload))
			return response(http.StatusCreated), nil
		},
	}

	equipmentID := int64(103)
	mock.ExpectQuery(`SELECT .* FROM "push_subscriptions".*JOIN .*subscription_equipment_mapping.*WHERE .*sem\.equipment_id = \$1`).
		WithArgs(equipmentID).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
			AddRow("https://example.com/fallback", "k", "a", time.Now()))
	mock.ExpectQuery(`SELECT \* FROM "equipment" WHERE "equipment"."id" = \$1`).
		WithArgs(equipmentID, 1).
		WillReturnError(errors.New("connection reset"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	wp.Dispatch(equipmentID)
	wg.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPool_DeletesExpiredSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	eq := &model.Equipment{Name: "Centrifuge", Code: "CEN-01"}
	require.NoError(t, st.CreateEquipment(ctx, eq))
	sub := &model.PushSubscription{Endpoint: "https://example.com/expired", P256DH: "k", Auth: "a", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.SavePushSubscription(ctx, sub, []int64{eq.ID}))

	wp := NewWorkerPool(1, st, &webpush.Options{}, nil, nil)
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			return response(http.StatusGone), nil
		},
	}
	wp.Start(ctx)
	wp.Dispatch(eq.ID)

	require.Eventually(t, func() bool {
		_, err := st.GetPushSubscription(ctx, sub.Endpoint)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
