package usage

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

const (
	defaultSuggestions = 10
	maxSuggestions     = 50
	defaultWindowDays  = 30
	// availableHoursPerDay is the bookable time per day used as the utilization denominator.
	availableHoursPerDay = 12
)

// ActiveSession returns the caller's open session, or nil when there is none.
func (s *Service) ActiveSession(ctx context.Context, userID int64) (*model.UsageSession, error) {
	sess, err := s.store.ActiveSessionForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.normalize("active_session", err)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, f store.SessionFilter) ([]model.UsageSession, error) {
	out, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, s.normalize("list_sessions", err)
	}
	return out, nil
}

func (s *Service) ListEquipment(ctx context.Context) ([]model.Equipment, error) {
	out, err := s.store.ListEquipment(ctx)
	if err != nil {
		return nil, s.normalize("list_equipment", err)
	}
	return out, nil
}

func (s *Service) GetEquipment(ctx context.Context, id int64) (*model.Equipment, error) {
	eq, err := s.store.Equipment(ctx, id)
	if err != nil {
		return nil, s.readErr(err, id)
	}
	return eq, nil
}

// Suggestions returns previously used descriptions matching query, most used first.
func (s *Service) Suggestions(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSuggestions
	}
	if limit > maxSuggestions {
		limit = maxSuggestions
	}
	rows, err := s.store.DescriptionSuggestions(ctx, query, limit)
	if err != nil {
		return nil, s.normalize("suggestions", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Description)
	}
	return out, nil
}

// EquipmentUtilization summarizes completed usage of one equipment over a window.
type EquipmentUtilization struct {
	EquipmentID           int64   `json:"equipment_id"`
	Code                  string  `json:"code"`
	Name                  string  `json:"name"`
	SessionCount          int     `json:"session_count"`
	TotalHours            float64 `json:"total_hours"`
	UtilizationPercentage float64 `json:"utilization_percentage"`
}

// UserActivity summarizes one user's completed sessions over a window.
type UserActivity struct {
	UserID       int64   `json:"user_id"`
	UserName     string  `json:"user_name"`
	SessionCount int     `json:"session_count"`
	TotalHours   float64 `json:"total_hours"`
}

// Utilization reports, for every equipment, the hours of COMPLETED sessions
// started in the last days days against 12 available hours per day.
func (s *Service) Utilization(ctx context.Context, days int) ([]EquipmentUtilization, error) {
	if days <= 0 {
		days = defaultWindowDays
	}
	sessions, err := s.completedSince(ctx, days)
	if err != nil {
		return nil, err
	}
	equipment, err := s.ListEquipment(ctx)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count int
		dur   time.Duration
	}
	by := make(map[int64]*acc, len(equipment))
	for _, sess := range sessions {
		a, ok := by[sess.EquipmentID]
		if !ok {
			a = &acc{}
			by[sess.EquipmentID] = a
		}
		a.count++
		a.dur += sess.Duration(sess.StartTime)
	}

	available := float64(days * availableHoursPerDay)
	out := make([]EquipmentUtilization, 0, len(equipment))
	for _, eq := range equipment {
		u := EquipmentUtilization{EquipmentID: eq.ID, Code: eq.Code, Name: eq.Name}
		if a, ok := by[eq.ID]; ok {
			hours := a.dur.Hours()
			u.SessionCount = a.count
			u.TotalHours = round2(hours)
			u.UtilizationPercentage = round2(hours / available * 100)
		}
		out = append(out, u)
	}
	return out, nil
}

// UserActivity reports session counts and hours per user over the window,
// busiest first. Users unknown to the directory are left out.
func (s *Service) UserActivity(ctx context.Context, days int) ([]UserActivity, error) {
	if days <= 0 {
		days = defaultWindowDays
	}
	sessions, err := s.completedSince(ctx, days)
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, s.normalize("user_activity", err)
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}

	by := make(map[int64]*UserActivity)
	durations := make(map[int64]time.Duration)
	for _, sess := range sessions {
		name, ok := names[sess.UserID]
		if !ok {
			continue
		}
		a, ok := by[sess.UserID]
		if !ok {
			a = &UserActivity{UserID: sess.UserID, UserName: name}
			by[sess.UserID] = a
		}
		a.SessionCount++
		durations[sess.UserID] += sess.Duration(sess.StartTime)
	}

	out := make([]UserActivity, 0, len(by))
	for id, a := range by {
		a.TotalHours = round2(durations[id].Hours())
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalHours != out[j].TotalHours {
			return out[i].TotalHours > out[j].TotalHours
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Dashboard bundles the analytics views with session totals across all time.
type Dashboard struct {
	EquipmentUtilization []EquipmentUtilization `json:"equipment_utilization"`
	UserActivity         []UserActivity         `json:"user_activity"`
	TotalSessions        int64                  `json:"total_sessions"`
	ActiveSessions       int64                  `json:"active_sessions"`
}

func (s *Service) Dashboard(ctx context.Context, days int) (*Dashboard, error) {
	util, err := s.Utilization(ctx, days)
	if err != nil {
		return nil, err
	}
	activity, err := s.UserActivity(ctx, days)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, s.normalize("dashboard", err)
	}
	active, err := s.store.CountSessions(ctx, store.SessionFilter{Status: model.SessionActive})
	if err != nil {
		return nil, s.normalize("dashboard", err)
	}
	return &Dashboard{
		EquipmentUtilization: util,
		UserActivity:         activity,
		TotalSessions:        total,
		ActiveSessions:       active,
	}, nil
}

func (s *Service) completedSince(ctx context.Context, days int) ([]model.UsageSession, error) {
	since := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{Status: model.SessionCompleted, From: &since})
	if err != nil {
		return nil, s.normalize("analytics", err)
	}
	return sessions, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
