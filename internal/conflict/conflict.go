// Package conflict decides whether a candidate usage interval collides with the
// existing sessions of one equipment. Intervals are half-open, [start, end), and
// an ACTIVE session is treated as [start, +inf). All comparisons are made on UTC
// values.
package conflict

import (
	"fmt"
	"time"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/clock"
	"lab-usage-backend/internal/model"
)

const timeLayout = "15:04 MST"

// Scope selects which existing sessions an interval is checked against.
type Scope int

const (
	// CompletedOnly checks closed sessions only. Used when ending a session.
	CompletedOnly Scope = iota
	// All checks ACTIVE and COMPLETED sessions. Used for past usage and advisory checks.
	All
)

// Candidate is the interval being validated. ID is the candidate's own session
// id when it already exists, so it is not compared against itself.
type Candidate struct {
	ID    int64
	Start time.Time
	End   time.Time
}

// Conflict describes the session blocking a candidate.
type Conflict struct {
	Reason    apperr.Reason `json:"reason"`
	SessionID int64         `json:"session_id"`
	UserID    int64         `json:"user_id"`
	UserName  string        `json:"user_name"`
	Start     time.Time     `json:"start"`
	// End is nil while the blocking session is ongoing.
	End *time.Time `json:"end"`
}

func (c *Conflict) holder() string {
	if c.UserName == "" {
		return "another user"
	}
	return c.UserName
}

// Message renders the human readable explanation of the conflict.
func (c *Conflict) Message() string {
	switch c.Reason {
	case apperr.ReasonInUse:
		return fmt.Sprintf("equipment is in use by %s since %s", c.holder(), c.Start.Format(timeLayout))
	case apperr.ReasonDuplicateSession:
		return fmt.Sprintf("you already have an active session on this equipment since %s", c.Start.Format(timeLayout))
	case apperr.ReasonScheduledClash:
		return fmt.Sprintf("an open session from this start time would overlap %s's session from %s to %s", c.holder(), c.Start.Format(timeLayout), c.endLabel())
	default:
		return fmt.Sprintf("overlaps with %s's session from %s to %s", c.holder(), c.Start.Format(timeLayout), c.endLabel())
	}
}

func (c *Conflict) endLabel() string {
	if c.End == nil {
		return "ongoing"
	}
	return c.End.Format(timeLayout)
}

// Err converts the conflict into a terminal business error carrying the conflict as detail.
func (c *Conflict) Err() error {
	return apperr.Conflict(c.Reason, c, "%s", c.Message())
}

// ForSession builds a conflict blamed on s. UserName is left for the caller to resolve.
func ForSession(reason apperr.Reason, s *model.UsageSession) *Conflict {
	return &Conflict{
		Reason:    reason,
		SessionID: s.ID,
		UserID:    s.UserID,
		Start:     clock.UTC(s.StartTime),
		End:       clock.UTCPtr(s.EndTime),
	}
}

// Overlaps reports whether [s1,e1) and [s2,e2) intersect. A nil end is +inf.
// Touching endpoints do not overlap.
func Overlaps(s1 time.Time, e1 *time.Time, s2 time.Time, e2 *time.Time) bool {
	s1, s2 = clock.UTC(s1), clock.UTC(s2)
	startsBeforeOtherEnds := e2 == nil || s1.Before(clock.UTC(*e2))
	otherStartsBeforeEnd := e1 == nil || s2.Before(clock.UTC(*e1))
	return startsBeforeOtherEnds && otherStartsBeforeEnd
}

// OpenStart checks a candidate open-ended session [start, +inf). Any ACTIVE
// session blocks it regardless of owner. Otherwise any COMPLETED session ending
// after start is a scheduled clash, whether start falls inside it or before it.
// The earliest-starting clash is reported.
func OpenStart(sessions []model.UsageSession, start time.Time) *Conflict {
	start = clock.UTC(start)
	for i := range sessions {
		if sessions[i].IsActive() {
			return ForSession(apperr.ReasonInUse, &sessions[i])
		}
	}
	var found *model.UsageSession
	for i := range sessions {
		s := &sessions[i]
		if s.EndTime == nil || !Overlaps(start, nil, s.StartTime, s.EndTime) {
			continue
		}
		if found == nil || s.StartTime.Before(found.StartTime) {
			found = s
		}
	}
	if found == nil {
		return nil
	}
	return ForSession(apperr.ReasonScheduledClash, found)
}

// Interval checks a closed candidate interval against sessions in scope. The
// earliest-starting blocking session is reported.
func Interval(sessions []model.UsageSession, c Candidate, scope Scope) *Conflict {
	end := clock.UTC(c.End)
	var found *model.UsageSession
	for i := range sessions {
		s := &sessions[i]
		if c.ID != 0 && s.ID == c.ID {
			continue
		}
		if scope == CompletedOnly && s.IsActive() {
			continue
		}
		if !Overlaps(c.Start, &end, s.StartTime, s.EndTime) {
			continue
		}
		if found == nil || s.StartTime.Before(found.StartTime) {
			found = s
		}
	}
	if found == nil {
		return nil
	}
	return ForSession(apperr.ReasonOverlap, found)
}
