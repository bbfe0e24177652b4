package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/clock"
	"lab-usage-backend/internal/conflict"
	"lab-usage-backend/internal/events"
	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

// StartRequest opens a session. A nil StartTime means now.
type StartRequest struct {
	EquipmentID    int64
	UserID         int64
	StartTime      *time.Time
	PlannedEndTime *time.Time
	Description    string
	Remarks        string
	Signature      *string
}

// EndRequest closes a session. A nil EndTime means now; nil Remarks and
// Signature leave the stored values untouched.
type EndRequest struct {
	SessionID int64
	UserID    int64
	EndTime   *time.Time
	Remarks   *string
	Signature *string
}

// PastUsageRequest records a session that already took place.
type PastUsageRequest struct {
	EquipmentID int64
	UserID      int64
	StartTime   *time.Time
	EndTime     *time.Time
	Description string
	Remarks     string
}

// ended is what the End critical section hands to the post-commit step.
type ended struct {
	session   *model.UsageSession
	equipment *model.Equipment
}

// Start opens an ACTIVE session on the equipment for the caller.
func (s *Service) Start(ctx context.Context, req StartRequest) (*model.UsageSession, error) {
	sess, err := run(ctx, s, opStart, func(ctx context.Context, tx store.Tx) (*model.UsageSession, error) {
		return s.start(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session started", "session_id", sess.ID, "equipment_id", sess.EquipmentID, "user_id", sess.UserID)
	s.touchDescription(ctx, sess.Description)
	s.publish(ctx, events.SessionStarted, sess, false)
	return sess, nil
}

func (s *Service) start(ctx context.Context, tx store.Tx, req StartRequest) (*model.UsageSession, error) {
	eq, err := s.locks.Equipment(ctx, tx, req.EquipmentID)
	if err != nil {
		return nil, err
	}
	if eq.CurrentStatus == model.StatusMaintenance {
		return nil, apperr.Conflict(apperr.ReasonMaintenance, nil, "equipment %q is currently under maintenance", eq.Name)
	}

	start := s.clock.Now()
	if req.StartTime != nil {
		start = clock.UTC(*req.StartTime)
	}
	planned := clock.UTCPtr(req.PlannedEndTime)
	if planned != nil && !planned.After(start) {
		return nil, apperr.Validation(apperr.ReasonInvalidInterval, "planned end time must be after the start time")
	}

	sessions, err := tx.EquipmentSessions(ctx, eq.ID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].IsActive() && sessions[i].UserID == req.UserID {
			return nil, s.describe(ctx, tx, conflict.ForSession(apperr.ReasonDuplicateSession, &sessions[i]))
		}
	}
	if c := conflict.OpenStart(sessions, start); c != nil {
		return nil, s.describe(ctx, tx, c)
	}

	sess := &model.UsageSession{
		EquipmentID:        eq.ID,
		UserID:             req.UserID,
		StartTime:          start,
		PlannedEndTime:     planned,
		Status:             model.SessionActive,
		Description:        strings.TrimSpace(req.Description),
		Remarks:            strings.TrimSpace(req.Remarks),
		ScientistSignature: signature(req.Signature),
	}
	if err := tx.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	eq.MarkInUse(sess)
	if err := tx.UpdateEquipment(ctx, eq); err != nil {
		return nil, err
	}
	return sess, nil
}

// End closes one of the caller's ACTIVE sessions.
func (s *Service) End(ctx context.Context, req EndRequest) (*model.UsageSession, error) {
	res, err := run(ctx, s, opEnd, func(ctx context.Context, tx store.Tx) (ended, error) {
		return s.end(ctx, tx, req, false)
	})
	if err != nil {
		return nil, err
	}
	s.afterEnd(ctx, res, false)
	return res.session, nil
}

// end is the critical section shared by End and the expiry sweep. forced
// skips the ownership check.
func (s *Service) end(ctx context.Context, tx store.Tx, req EndRequest, forced bool) (ended, error) {
	// Unlocked read to learn the equipment; the state is re-read under lock below.
	current, err := tx.Session(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ended{}, apperr.NotFound(apperr.ReasonSessionNotFound, "session %d not found", req.SessionID)
	}
	if err != nil {
		return ended{}, err
	}

	eq, err := s.locks.Equipment(ctx, tx, current.EquipmentID)
	if err != nil {
		return ended{}, err
	}
	sess, err := s.locks.Session(ctx, tx, req.SessionID)
	if err != nil {
		return ended{}, err
	}

	if !forced && sess.UserID != req.UserID {
		return ended{}, apperr.Forbidden("session %d belongs to another user", sess.ID)
	}
	if !sess.IsActive() {
		return ended{}, apperr.Conflict(apperr.ReasonAlreadyEnded, nil, "session %d has already ended", sess.ID)
	}

	end := s.clock.Now()
	if req.EndTime != nil {
		end = clock.UTC(*req.EndTime)
	}
	if !end.After(clock.UTC(sess.StartTime)) {
		return ended{}, apperr.Validation(apperr.ReasonInvalidInterval, "end time must be after the start time")
	}

	sessions, err := tx.EquipmentSessions(ctx, eq.ID)
	if err != nil {
		return ended{}, err
	}
	candidate := conflict.Candidate{ID: sess.ID, Start: sess.StartTime, End: end}
	if c := conflict.Interval(sessions, candidate, conflict.CompletedOnly); c != nil {
		return ended{}, s.describe(ctx, tx, c)
	}

	sess.EndTime = &end
	sess.Status = model.SessionCompleted
	if req.Remarks != nil {
		sess.Remarks = strings.TrimSpace(*req.Remarks)
	}
	if sig := signature(req.Signature); sig != nil {
		sess.ScientistSignature = sig
	}
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return ended{}, err
	}

	if remaining := otherActive(sessions, sess.ID); remaining != nil {
		eq.MarkInUse(remaining)
	} else {
		eq.Release()
	}
	if err := tx.UpdateEquipment(ctx, eq); err != nil {
		return ended{}, err
	}
	return ended{session: sess, equipment: eq}, nil
}

func (s *Service) afterEnd(ctx context.Context, res ended, forced bool) {
	s.logger.Info("session ended",
		"session_id", res.session.ID, "equipment_id", res.equipment.ID, "forced", forced)
	s.publish(ctx, events.SessionEnded, res.session, forced)
	if res.equipment.CurrentStatus == model.StatusAvailable && s.notifier != nil {
		s.notifier.Dispatch(res.equipment.ID)
	}
}

// LogPastUsage records a COMPLETED session for an interval that already took place.
func (s *Service) LogPastUsage(ctx context.Context, req PastUsageRequest) (*model.UsageSession, error) {
	sess, err := run(ctx, s, opPastUsage, func(ctx context.Context, tx store.Tx) (*model.UsageSession, error) {
		return s.logPastUsage(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("past usage logged", "session_id", sess.ID, "equipment_id", sess.EquipmentID, "user_id", sess.UserID)
	s.touchDescription(ctx, sess.Description)
	s.publish(ctx, events.SessionLogged, sess, false)
	return sess, nil
}

func (s *Service) logPastUsage(ctx context.Context, tx store.Tx, req PastUsageRequest) (*model.UsageSession, error) {
	eq, err := s.locks.Equipment(ctx, tx, req.EquipmentID)
	if err != nil {
		return nil, err
	}
	if req.StartTime == nil || req.EndTime == nil {
		return nil, apperr.Validation(apperr.ReasonMissingTime, "both start and end times are required for past usage")
	}
	start, end := clock.UTC(*req.StartTime), clock.UTC(*req.EndTime)
	if !end.After(start) {
		return nil, apperr.Validation(apperr.ReasonInvalidInterval, "end time must be after the start time")
	}
	if start.After(s.clock.Now()) {
		return nil, apperr.Conflict(apperr.ReasonFutureUsage, nil, "cannot log future usage, start a session instead")
	}

	sessions, err := tx.EquipmentSessions(ctx, eq.ID)
	if err != nil {
		return nil, err
	}
	if c := conflict.Interval(sessions, conflict.Candidate{Start: start, End: end}, conflict.All); c != nil {
		return nil, s.describe(ctx, tx, c)
	}

	sess := &model.UsageSession{
		EquipmentID:    eq.ID,
		UserID:         req.UserID,
		StartTime:      start,
		EndTime:        &end,
		Status:         model.SessionCompleted,
		IsPastUsageLog: true,
		Description:    strings.TrimSpace(req.Description),
		Remarks:        strings.TrimSpace(req.Remarks),
	}
	if err := tx.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CheckConflict reports, without taking locks, the session a mutation with the
// same times would be refused for. A nil end checks an open start. The answer
// is advisory: it can change before the caller acts on it.
func (s *Service) CheckConflict(ctx context.Context, equipmentID int64, start time.Time, end *time.Time) (*conflict.Conflict, error) {
	if _, err := s.store.Equipment(ctx, equipmentID); err != nil {
		return nil, s.readErr(err, equipmentID)
	}
	start = clock.UTC(start)
	end = clock.UTCPtr(end)
	if end != nil && !end.After(start) {
		return nil, apperr.Validation(apperr.ReasonInvalidInterval, "end time must be after the start time")
	}

	sessions, err := s.store.EquipmentSessions(ctx, equipmentID)
	if err != nil {
		return nil, s.normalize("check_conflict", err)
	}
	var c *conflict.Conflict
	if end == nil {
		c = conflict.OpenStart(sessions, start)
	} else {
		c = conflict.Interval(sessions, conflict.Candidate{Start: start, End: *end}, conflict.All)
	}
	if c == nil {
		return nil, nil
	}
	name, err := s.store.UserName(ctx, c.UserID)
	if err != nil {
		return nil, s.normalize("check_conflict", err)
	}
	c.UserName = name
	return c, nil
}

// CloseExpired ends every ACTIVE session whose planned end has passed, at its
// planned end. Sessions ended concurrently are skipped. Per-session failures
// are logged and do not stop the sweep.
func (s *Service) CloseExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ExpiredSessions(ctx, s.clock.Now())
	if err != nil {
		return 0, s.normalize(opSweep, err)
	}

	closed := 0
	for i := range expired {
		if err := ctx.Err(); err != nil {
			s.metrics.SweepClosed(closed)
			return closed, err
		}
		target := expired[i]
		req := EndRequest{SessionID: target.ID, EndTime: target.PlannedEndTime}
		res, err := run(ctx, s, opSweep, func(ctx context.Context, tx store.Tx) (ended, error) {
			return s.end(ctx, tx, req, true)
		})
		switch {
		case err == nil:
			closed++
			s.afterEnd(ctx, res, true)
		case isReason(err, apperr.ReasonAlreadyEnded), isReason(err, apperr.ReasonSessionNotFound):
		default:
			s.logger.Warn("failed to close expired session", "session_id", target.ID, "error", err)
		}
	}
	s.metrics.SweepClosed(closed)
	return closed, nil
}

// SetMaintenance moves the equipment into or out of MAINTENANCE. Entering is
// refused while a session is active.
func (s *Service) SetMaintenance(ctx context.Context, equipmentID int64, enabled bool) (*model.Equipment, error) {
	eq, err := run(ctx, s, opMaintenance, func(ctx context.Context, tx store.Tx) (*model.Equipment, error) {
		eq, err := s.locks.Equipment(ctx, tx, equipmentID)
		if err != nil {
			return nil, err
		}
		sessions, err := tx.EquipmentSessions(ctx, eq.ID)
		if err != nil {
			return nil, err
		}
		active := otherActive(sessions, 0)
		switch {
		case enabled && active != nil:
			return nil, s.describe(ctx, tx, conflict.ForSession(apperr.ReasonInUse, active))
		case enabled:
			eq.CurrentStatus = model.StatusMaintenance
			eq.CurrentUserID = nil
			eq.CurrentSessionStart = nil
		case active != nil:
			eq.MarkInUse(active)
		default:
			eq.CurrentStatus = model.StatusAvailable
			eq.Release()
		}
		if err := tx.UpdateEquipment(ctx, eq); err != nil {
			return nil, err
		}
		return eq, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("maintenance updated", "equipment_id", eq.ID, "status", eq.CurrentStatus)
	if eq.CurrentStatus == model.StatusAvailable && s.notifier != nil {
		s.notifier.Dispatch(eq.ID)
	}
	return eq, nil
}

// describe resolves the blocking user's name and returns the conflict as an error.
func (s *Service) describe(ctx context.Context, r store.Reader, c *conflict.Conflict) error {
	name, err := r.UserName(ctx, c.UserID)
	if err != nil {
		return err
	}
	c.UserName = name
	return c.Err()
}

func (s *Service) readErr(err error, equipmentID int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(apperr.ReasonEquipmentNotFound, "equipment %d not found", equipmentID)
	}
	return s.normalize("read", err)
}

func otherActive(sessions []model.UsageSession, exclude int64) *model.UsageSession {
	for i := range sessions {
		if sessions[i].ID != exclude && sessions[i].IsActive() {
			return &sessions[i]
		}
	}
	return nil
}

func signature(sig *string) *string {
	if sig == nil {
		return nil
	}
	v := strings.TrimSpace(*sig)
	if v == "" {
		return nil
	}
	return &v
}

func isReason(err error, r apperr.Reason) bool {
	ae, ok := apperr.From(err)
	return ok && ae.Reason == r
}
