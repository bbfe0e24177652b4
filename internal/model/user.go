package model

import "time"

// User is owned by the external directory. The engine only reads names.
type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     string    `gorm:"size:100;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// DescriptionHistory backs description autocomplete. Rows are only inserted or incremented.
type DescriptionHistory struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Description string    `gorm:"size:500;uniqueIndex;not null" json:"description"`
	UsageCount  int       `gorm:"not null;default:1" json:"usage_count"`
	LastUsed    time.Time `gorm:"not null;index" json:"last_used"`
	CreatedAt   time.Time `json:"created_at"`
}

func (DescriptionHistory) TableName() string { return "description_history" }
