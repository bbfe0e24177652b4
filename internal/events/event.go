// Package events publishes session lifecycle events to RabbitMQ. Publishing is
// best effort and happens after the owning transaction committed, so a broker
// outage never fails or rolls back a usage operation.
package events

import (
	"time"

	"github.com/google/uuid"

	"lab-usage-backend/internal/model"
)

// Type names a lifecycle transition.
type Type string

const (
	SessionStarted Type = "session.started"
	SessionEnded   Type = "session.ended"
	SessionLogged  Type = "session.logged"
)

// SessionEvent is the JSON body of one message on the sessions queue.
type SessionEvent struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	SessionID   int64      `json:"session_id"`
	EquipmentID int64      `json:"equipment_id"`
	UserID      int64      `json:"user_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	// Forced is set when the expiry sweep closed the session.
	Forced     bool      `json:"forced,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewSessionEvent snapshots s as an event of type t.
func NewSessionEvent(t Type, s *model.UsageSession, at time.Time) SessionEvent {
	return SessionEvent{
		ID:          uuid.NewString(),
		Type:        t,
		SessionID:   s.ID,
		EquipmentID: s.EquipmentID,
		UserID:      s.UserID,
		StartTime:   s.StartTime.UTC(),
		EndTime:     s.EndTime,
		OccurredAt:  at.UTC(),
	}
}
