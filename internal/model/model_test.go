package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEquipmentMarkInUseAndRelease(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &Equipment{ID: 1, CurrentStatus: StatusAvailable}
	s := &UsageSession{ID: 9, EquipmentID: 1, UserID: 42, StartTime: start}

	e.MarkInUse(s)
	assert.Equal(t, StatusInUse, e.CurrentStatus)
	if assert.NotNil(t, e.CurrentUserID) {
		assert.Equal(t, int64(42), *e.CurrentUserID)
	}
	assert.Equal(t, start, *e.CurrentSessionStart)

	// The equipment must not alias the session's fields.
	s.UserID = 7
	assert.Equal(t, int64(42), *e.CurrentUserID)

	e.Release()
	assert.Equal(t, StatusAvailable, e.CurrentStatus)
	assert.Nil(t, e.CurrentUserID)
	assert.Nil(t, e.CurrentSessionStart)
}

func TestEquipmentReleaseKeepsMaintenance(t *testing.T) {
	uid := int64(3)
	e := &Equipment{CurrentStatus: StatusMaintenance, CurrentUserID: &uid}
	e.Release()
	assert.Equal(t, StatusMaintenance, e.CurrentStatus)
	assert.Nil(t, e.CurrentUserID)
}

func TestSessionDuration(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)

	closed := &UsageSession{StartTime: start, EndTime: &end, Status: SessionCompleted}
	assert.Equal(t, 90*time.Minute, closed.Duration(start.Add(10*time.Hour)))
	assert.False(t, closed.IsActive())

	open := &UsageSession{StartTime: start, Status: SessionActive}
	assert.Equal(t, 30*time.Minute, open.Duration(start.Add(30*time.Minute)))
	assert.Equal(t, time.Duration(0), open.Duration(start.Add(-time.Minute)))
	assert.True(t, open.IsActive())
}
