package model

import "time"

// EquipmentStatus is the derived occupancy state of an instrument.
type EquipmentStatus string

const (
	StatusAvailable   EquipmentStatus = "AVAILABLE"
	StatusInUse       EquipmentStatus = "IN_USE"
	StatusMaintenance EquipmentStatus = "MAINTENANCE"
)

// Equipment is a shared lab instrument. Its row is the lock target that serializes
// every lifecycle operation on the instrument.
type Equipment struct {
	ID                  int64           `gorm:"primaryKey" json:"id"`
	Name                string          `gorm:"size:100;not null" json:"name"`
	Code                string          `gorm:"size:50;uniqueIndex;not null" json:"code"`
	Location            string          `gorm:"size:100" json:"location"`
	Description         string          `gorm:"type:text" json:"description"`
	CurrentStatus       EquipmentStatus `gorm:"size:20;not null;default:AVAILABLE" json:"current_status"`
	CurrentUserID       *int64          `gorm:"index" json:"current_user_id"`
	CurrentSessionStart *time.Time      `json:"current_session_start"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Equipment) TableName() string { return "equipment" }

// MarkInUse records s as the session currently holding the equipment.
func (e *Equipment) MarkInUse(s *UsageSession) {
	uid := s.UserID
	start := s.StartTime
	e.CurrentStatus = StatusInUse
	e.CurrentUserID = &uid
	e.CurrentSessionStart = &start
}

// Release clears the current holder. Equipment in maintenance stays in maintenance.
func (e *Equipment) Release() {
	if e.CurrentStatus != StatusMaintenance {
		e.CurrentStatus = StatusAvailable
	}
	e.CurrentUserID = nil
	e.CurrentSessionStart = nil
}
