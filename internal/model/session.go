package model

import "time"

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// UsageSession is one user's occupancy of one equipment over [StartTime, EndTime).
// EndTime is nil exactly while the session is ACTIVE.
type UsageSession struct {
	ID                 int64         `gorm:"primaryKey" json:"id"`
	EquipmentID        int64         `gorm:"not null;index:idx_usage_sessions_equipment_status,priority:1" json:"equipment_id"`
	UserID             int64         `gorm:"not null;index" json:"user_id"`
	StartTime          time.Time     `gorm:"not null;index" json:"start_time"`
	EndTime            *time.Time    `json:"end_time"`
	PlannedEndTime     *time.Time    `gorm:"index" json:"planned_end_time"`
	Status             SessionStatus `gorm:"size:20;not null;default:ACTIVE;index:idx_usage_sessions_equipment_status,priority:2" json:"status"`
	IsPastUsageLog     bool          `gorm:"not null;default:false" json:"is_past_usage_log"`
	Description        string        `gorm:"type:text" json:"description"`
	Remarks            string        `gorm:"type:text" json:"remarks"`
	ScientistSignature *string       `gorm:"size:100" json:"scientist_signature"`
	CreatedAt          time.Time     `gorm:"<-:create" json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (UsageSession) TableName() string { return "usage_sessions" }

// IsActive reports whether the session is still open.
func (s *UsageSession) IsActive() bool {
	return s.Status == SessionActive
}

// Duration returns the session's length, measured up to now while it is open.
func (s *UsageSession) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	if now.Before(s.StartTime) {
		return 0
	}
	return now.Sub(s.StartTime)
}
