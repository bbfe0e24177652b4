package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/clock"
	"lab-usage-backend/internal/events"
	"lab-usage-backend/internal/lock"
	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/retry"
	"lab-usage-backend/internal/store"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func ptr[T any](v T) *T { return &v }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SessionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) Dispatch(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

type fixture struct {
	svc      *Service
	st       *store.MemoryStore
	clk      *clock.Manual
	eq       *model.Equipment
	alice    *model.User
	bob      *model.User
	events   *recordingPublisher
	notifier *recordingNotifier
}

func testOptions(clk clock.Clock) Options {
	return Options{
		Clock: clk,
		Locks: lock.NewManager(2*time.Second, time.Millisecond, 5*time.Millisecond, nil, nil),
		Retry: retry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:       store.NewMemoryStore(),
		clk:      clock.NewManual(at(10, 0)),
		events:   &recordingPublisher{},
		notifier: &recordingNotifier{},
		alice:    &model.User{Name: "Alice", Email: "alice@lab.example"},
		bob:      &model.User{Name: "Bob", Email: "bob@lab.example"},
		eq:       &model.Equipment{Name: "Confocal", Code: "MIC-01"},
	}
	require.NoError(t, f.st.CreateUser(ctx, f.alice))
	require.NoError(t, f.st.CreateUser(ctx, f.bob))
	require.NoError(t, f.st.CreateEquipment(ctx, f.eq))

	opts := testOptions(f.clk)
	opts.Events = f.events
	opts.Notifier = f.notifier
	f.svc = New(f.st, opts)
	return f
}

func (f *fixture) equipment(t *testing.T) *model.Equipment {
	t.Helper()
	eq, err := f.st.Equipment(context.Background(), f.eq.ID)
	require.NoError(t, err)
	return eq
}

func requireReason(t *testing.T, err error, kind apperr.Kind, reason apperr.Reason) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	ae, ok := apperr.From(err)
	require.True(t, ok, "expected *apperr.Error, got %T: %v", err, err)
	assert.Equal(t, kind, ae.Kind, ae.Error())
	assert.Equal(t, reason, ae.Reason, ae.Error())
	return ae
}

func TestStartEndRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, Description: "  Imaging run "})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, sess.Status)
	assert.True(t, at(10, 0).Equal(sess.StartTime))
	assert.Equal(t, "Imaging run", sess.Description)

	eq := f.equipment(t)
	assert.Equal(t, model.StatusInUse, eq.CurrentStatus)
	require.NotNil(t, eq.CurrentUserID)
	assert.Equal(t, f.alice.ID, *eq.CurrentUserID)
	require.NotNil(t, eq.CurrentSessionStart)
	assert.True(t, sess.StartTime.Equal(*eq.CurrentSessionStart))

	f.clk.Set(at(11, 0))
	done, err := f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, Signature: ptr("Dr. Ruiz"), Remarks: ptr("all good")})
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Status)
	require.NotNil(t, done.EndTime)
	assert.True(t, at(11, 0).Equal(*done.EndTime))
	require.NotNil(t, done.ScientistSignature)
	assert.Equal(t, "Dr. Ruiz", *done.ScientistSignature)
	assert.Equal(t, "all good", done.Remarks)

	eq = f.equipment(t)
	assert.Equal(t, model.StatusAvailable, eq.CurrentStatus)
	assert.Nil(t, eq.CurrentUserID)
	assert.Nil(t, eq.CurrentSessionStart)

	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionEnded}, f.events.types())
	assert.Equal(t, []int64{f.eq.ID}, f.notifier.ids)

	suggestions, err := f.svc.Suggestions(ctx, "imag", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Imaging run"}, suggestions)
}

func TestStartWhileInUseNamesHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)

	f.clk.Set(at(10, 1))
	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID})
	ae := requireReason(t, err, apperr.KindConflict, apperr.ReasonInUse)
	assert.Equal(t, "equipment is in use by Alice since 10:00 UTC", ae.Message)

	res := ResultOf(nil, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, f.alice.ID, res.Conflict.UserID)
	assert.Equal(t, "Alice", res.Conflict.UserName)
	assert.Nil(t, res.Conflict.End)
}

func TestStartDuplicateForSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	requireReason(t, err, apperr.KindConflict, apperr.ReasonDuplicateSession)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, PlannedEndTime: ptr(at(10, 0))})
	requireReason(t, err, apperr.KindValidation, apperr.ReasonInvalidInterval)

	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: 9999, UserID: f.alice.ID})
	requireReason(t, err, apperr.KindNotFound, apperr.ReasonEquipmentNotFound)

	assert.Equal(t, model.StatusAvailable, f.equipment(t).CurrentStatus)
}

func TestStartNormalizesToUTC(t *testing.T) {
	f := newFixture(t)
	zone := time.FixedZone("CEST", 2*60*60)
	local := time.Date(2024, 3, 1, 11, 30, 0, 0, zone)

	sess, err := f.svc.Start(context.Background(), StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: &local})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, sess.StartTime.Location())
	assert.True(t, at(9, 30).Equal(sess.StartTime))
	assert.Equal(t, clock.UTC(sess.StartTime), clock.UTC(clock.UTC(sess.StartTime)))
}

func TestStartInsideCompletedSessionIsScheduledClash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clk.Set(at(12, 0))

	_, err := f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(9, 0)), EndTime: ptr(at(10, 0))})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(9, 30))})
	requireReason(t, err, apperr.KindConflict, apperr.ReasonScheduledClash)

	// Touching the end of the logged interval is allowed.
	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(10, 0))})
	require.NoError(t, err)
}

func TestBackdatedStartBeforeLoggedSessionIsScheduledClash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clk.Set(at(12, 0))

	logged, err := f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(10, 0)), EndTime: ptr(at(11, 0))})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(9, 0))})
	ae := requireReason(t, err, apperr.KindConflict, apperr.ReasonScheduledClash)
	c := ResultOf(nil, ae).Conflict
	require.NotNil(t, c)
	assert.Equal(t, logged.ID, c.SessionID)
	assert.Contains(t, ae.Message, "Bob's session from 10:00 UTC to 11:00 UTC")
	assert.Equal(t, model.StatusAvailable, f.equipment(t).CurrentStatus)

	c, err = f.svc.CheckConflict(ctx, f.eq.ID, at(9, 0), nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, apperr.ReasonScheduledClash, c.Reason)

	// Starting after the logged block leaves a session that can still be ended.
	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(11, 0))})
	require.NoError(t, err)
	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, f.equipment(t).CurrentStatus)
}

func TestEndOwnershipAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)

	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.bob.ID, EndTime: ptr(at(11, 0))})
	requireReason(t, err, apperr.KindForbidden, apperr.ReasonNotOwner)

	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, EndTime: ptr(at(10, 0))})
	requireReason(t, err, apperr.KindValidation, apperr.ReasonInvalidInterval)

	_, err = f.svc.End(ctx, EndRequest{SessionID: 9999, UserID: f.alice.ID})
	requireReason(t, err, apperr.KindNotFound, apperr.ReasonSessionNotFound)

	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, EndTime: ptr(at(11, 0))})
	require.NoError(t, err)
	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, EndTime: ptr(at(12, 0))})
	requireReason(t, err, apperr.KindConflict, apperr.ReasonAlreadyEnded)
}

func TestEndRejectsOverlapWithCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(8, 0))})
	require.NoError(t, err)

	// A completed session later than the open start, written straight to the store.
	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateSession(ctx, &model.UsageSession{
			EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: at(9, 0), EndTime: ptr(at(9, 30)), Status: model.SessionCompleted,
		})
	}))

	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, EndTime: ptr(at(10, 0))})
	ae := requireReason(t, err, apperr.KindConflict, apperr.ReasonOverlap)
	assert.Contains(t, ae.Message, "Bob")

	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID, EndTime: ptr(at(9, 0))})
	require.NoError(t, err)
}

func TestLogPastUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clk.Set(at(12, 0))

	first, err := f.svc.LogPastUsage(ctx, PastUsageRequest{
		EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(10, 0)), EndTime: ptr(at(11, 0)), Description: "Calibration",
	})
	require.NoError(t, err)
	assert.True(t, first.IsPastUsageLog)
	assert.Equal(t, model.SessionCompleted, first.Status)
	assert.Nil(t, first.ScientistSignature)
	assert.Equal(t, model.StatusAvailable, f.equipment(t).CurrentStatus)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(10, 30)), EndTime: ptr(at(10, 45))})
	ae := requireReason(t, err, apperr.KindConflict, apperr.ReasonOverlap)
	c := ResultOf(nil, ae).Conflict
	require.NotNil(t, c)
	assert.Equal(t, first.ID, c.SessionID)
	assert.Equal(t, "overlaps with Alice's session from 10:00 UTC to 11:00 UTC", ae.Message)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(11, 0)), EndTime: ptr(at(11, 30))})
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.SessionLogged, events.SessionLogged}, f.events.types())
}

func TestLogPastUsageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(8, 0))})
	requireReason(t, err, apperr.KindValidation, apperr.ReasonMissingTime)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(9, 0)), EndTime: ptr(at(8, 0))})
	requireReason(t, err, apperr.KindValidation, apperr.ReasonInvalidInterval)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(12, 0)), EndTime: ptr(at(13, 0))})
	requireReason(t, err, apperr.KindConflict, apperr.ReasonFutureUsage)
}

func TestLogPastUsageBlockedByActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID, StartTime: ptr(at(9, 0))})
	require.NoError(t, err)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(9, 15)), EndTime: ptr(at(9, 45))})
	requireReason(t, err, apperr.KindConflict, apperr.ReasonOverlap)

	_, err = f.svc.LogPastUsage(ctx, PastUsageRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID, StartTime: ptr(at(8, 0)), EndTime: ptr(at(9, 0))})
	require.NoError(t, err)
}

func TestCheckConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CheckConflict(ctx, f.eq.ID, at(10, 0), nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)

	c, err = f.svc.CheckConflict(ctx, f.eq.ID, at(10, 5), nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, apperr.ReasonInUse, c.Reason)
	assert.Equal(t, "Alice", c.UserName)

	c, err = f.svc.CheckConflict(ctx, f.eq.ID, at(9, 0), ptr(at(10, 0)))
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = f.svc.CheckConflict(ctx, f.eq.ID, at(9, 0), ptr(at(9, 0)))
	requireReason(t, err, apperr.KindValidation, apperr.ReasonInvalidInterval)

	_, err = f.svc.CheckConflict(ctx, 9999, at(9, 0), nil)
	requireReason(t, err, apperr.KindNotFound, apperr.ReasonEquipmentNotFound)
}

func TestMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)
	_, err = f.svc.SetMaintenance(ctx, f.eq.ID, true)
	requireReason(t, err, apperr.KindConflict, apperr.ReasonInUse)

	f.clk.Set(at(11, 0))
	_, err = f.svc.End(ctx, EndRequest{SessionID: sess.ID, UserID: f.alice.ID})
	require.NoError(t, err)

	eq, err := f.svc.SetMaintenance(ctx, f.eq.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMaintenance, eq.CurrentStatus)

	_, err = f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.bob.ID})
	ae := requireReason(t, err, apperr.KindConflict, apperr.ReasonMaintenance)
	assert.Contains(t, ae.Message, "Confocal")

	eq, err = f.svc.SetMaintenance(ctx, f.eq.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, eq.CurrentStatus)
	assert.Equal(t, []int64{f.eq.ID, f.eq.ID}, f.notifier.ids)
}

func TestActiveSessionAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	none, err := f.svc.ActiveSession(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	sess, err := f.svc.Start(ctx, StartRequest{EquipmentID: f.eq.ID, UserID: f.alice.ID})
	require.NoError(t, err)
	active, err := f.svc.ActiveSession(ctx, f.alice.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.ID, active.ID)

	list, err := f.svc.ListSessions(ctx, store.SessionFilter{EquipmentID: f.eq.ID, Status: model.SessionActive})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	eq, err := f.svc.GetEquipment(ctx, f.eq.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInUse, eq.CurrentStatus)

	_, err = f.svc.GetEquipment(ctx, 9999)
	requireReason(t, err, apperr.KindNotFound, apperr.ReasonEquipmentNotFound)
}

func TestResultOfInternalErrorHidesDetails(t *testing.T) {
	res := ResultOf(nil, apperr.Internal(assert.AnError, "record failed"))
	assert.False(t, res.Success)
	assert.Equal(t, "internal", res.Error)
	assert.Equal(t, internalMessage, res.Message)
	assert.False(t, res.Retryable())

	res = ResultOf(nil, apperr.Wrap(apperr.KindLockTimeout, apperr.ReasonLockTimeout, assert.AnError, "busy"))
	assert.True(t, res.Retryable())

	res = ResultOf(&model.UsageSession{ID: 1}, nil)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
}
