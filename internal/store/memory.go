package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lab-usage-backend/internal/model"
)

// MemoryStore is an in-process Store. Row locks are emulated with one
// single-slot semaphore per row, writes are staged per transaction and applied
// atomically on commit. It enforces the same one-active-session-per-equipment
// rule the postgres partial index does.
type MemoryStore struct {
	mu           sync.Mutex
	seq          int64
	users        map[int64]model.User
	equipment    map[int64]model.Equipment
	sessions     map[int64]model.UsageSession
	descriptions map[string]model.DescriptionHistory
	subs         map[string]model.PushSubscription
	subEquipment map[string][]int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]model.User),
		equipment:    make(map[int64]model.Equipment),
		sessions:     make(map[int64]model.UsageSession),
		descriptions: make(map[string]model.DescriptionHistory),
		subs:         make(map[string]model.PushSubscription),
		subEquipment: make(map[string][]int64),
		locks:        make(map[string]chan struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) rowLock(key string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	return ch
}

func (m *MemoryStore) Equipment(_ context.Context, id int64) (*model.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.equipment[id]
	if !ok {
		return nil, fmt.Errorf("equipment %d: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (m *MemoryStore) Session(_ context.Context, id int64) (*model.UsageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryStore) EquipmentSessions(_ context.Context, equipmentID int64) ([]model.UsageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equipmentSessionsLocked(equipmentID, nil), nil
}

func (m *MemoryStore) equipmentSessionsLocked(equipmentID int64, overlay map[int64]model.UsageSession) []model.UsageSession {
	var out []model.UsageSession
	for id, s := range m.sessions {
		if staged, ok := overlay[id]; ok {
			s = staged
		}
		if s.EquipmentID == equipmentID {
			out = append(out, s)
		}
	}
	for id, s := range overlay {
		if _, committed := m.sessions[id]; !committed && s.EquipmentID == equipmentID {
			out = append(out, s)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(sessions []model.UsageSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}

func (m *MemoryStore) UserName(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].Name, nil
}

// WithTx runs fn with a fresh transaction. A panic inside fn rolls back and is re-raised.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:     m,
		held:      make(map[string]chan struct{}),
		equipment: make(map[int64]model.Equipment),
		sessions:  make(map[int64]model.UsageSession),
	}
	defer func() {
		if r := recover(); r != nil {
			tx.release()
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		tx.release()
		return err
	}
	err = tx.commit()
	tx.release()
	return err
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) ListEquipment(context.Context) ([]model.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Equipment, 0, len(m.equipment))
	for _, e := range m.equipment {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateEquipment(_ context.Context, e *model.Equipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.equipment {
		if existing.Code == e.Code {
			return fmt.Errorf("equipment code %q: %w", e.Code, ErrUniqueViolation)
		}
	}
	if e.ID == 0 {
		e.ID = m.nextID()
	}
	if e.CurrentStatus == "" {
		e.CurrentStatus = model.StatusAvailable
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	m.equipment[e.ID] = *e
	return nil
}

func (m *MemoryStore) ListUsers(context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.nextID()
	}
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = *u
	return nil
}

func (f SessionFilter) matches(s *model.UsageSession) bool {
	switch {
	case f.EquipmentID != 0 && s.EquipmentID != f.EquipmentID:
		return false
	case f.UserID != 0 && s.UserID != f.UserID:
		return false
	case f.Status != "" && s.Status != f.Status:
		return false
	case f.From != nil && s.StartTime.Before(*f.From):
		return false
	case f.To != nil && !s.StartTime.Before(*f.To):
		return false
	}
	return true
}

func (m *MemoryStore) CountSessions(_ context.Context, f SessionFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if f.matches(&s) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, f SessionFilter) ([]model.UsageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UsageSession
	for _, s := range m.sessions {
		if f.matches(&s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveSessionForUser(_ context.Context, userID int64) (*model.UsageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.UsageSession
	for _, s := range m.sessions {
		if s.UserID != userID || !s.IsActive() {
			continue
		}
		if found == nil || s.StartTime.After(found.StartTime) {
			s := s
			found = &s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("active session for user %d: %w", userID, ErrNotFound)
	}
	return found, nil
}

func (m *MemoryStore) ExpiredSessions(_ context.Context, now time.Time) ([]model.UsageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UsageSession
	for _, s := range m.sessions {
		if s.IsActive() && s.PlannedEndTime != nil && !s.PlannedEndTime.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlannedEndTime.Before(*out[j].PlannedEndTime) })
	return out, nil
}

func (m *MemoryStore) TouchDescription(_ context.Context, desc string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.descriptions[desc]
	if !ok {
		row = model.DescriptionHistory{ID: m.nextID(), Description: desc, CreatedAt: at.UTC()}
	}
	row.UsageCount++
	row.LastUsed = at.UTC()
	m.descriptions[desc] = row
	return nil
}

func (m *MemoryStore) DescriptionSuggestions(_ context.Context, query string, limit int) ([]model.DescriptionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	query = strings.ToLower(strings.TrimSpace(query))
	var out []model.DescriptionHistory
	for _, d := range m.descriptions {
		if query == "" || strings.Contains(strings.ToLower(d.Description), query) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SavePushSubscription(_ context.Context, sub *model.PushSubscription, equipmentIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subs[sub.Endpoint]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = time.Now().UTC()
	}
	stored := *sub
	stored.Equipment = nil
	m.subs[sub.Endpoint] = stored

	var ids []int64
	for _, id := range equipmentIDs {
		if _, ok := m.equipment[id]; ok {
			ids = append(ids, id)
		}
	}
	m.subEquipment[sub.Endpoint] = ids
	return nil
}

func (m *MemoryStore) GetPushSubscription(_ context.Context, endpoint string) (*model.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[endpoint]
	if !ok {
		return nil, fmt.Errorf("subscription %q: %w", endpoint, ErrNotFound)
	}
	for _, id := range m.subEquipment[endpoint] {
		e := m.equipment[id]
		sub.Equipment = append(sub.Equipment, &e)
	}
	return &sub, nil
}

func (m *MemoryStore) DeletePushSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	delete(m.subEquipment, endpoint)
	return nil
}

func (m *MemoryStore) PushSubscriptionsForEquipment(_ context.Context, equipmentID int64) ([]model.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PushSubscription
	for endpoint, ids := range m.subEquipment {
		for _, id := range ids {
			if id == equipmentID {
				out = append(out, m.subs[endpoint])
				break
			}
		}
	}
	return out, nil
}

// memoryTx stages writes until commit. Reads see the transaction's own writes.
type memoryTx struct {
	store     *MemoryStore
	held      map[string]chan struct{}
	equipment map[int64]model.Equipment
	sessions  map[int64]model.UsageSession
}

func (t *memoryTx) tryLock(key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.store.rowLock(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	default:
		return fmt.Errorf("%s: %w", key, ErrLockBusy)
	}
}

func (t *memoryTx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *memoryTx) LockEquipment(ctx context.Context, id int64) (*model.Equipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.Equipment(ctx, id); err != nil {
		return nil, err
	}
	if err := t.tryLock(fmt.Sprintf("equipment:%d", id)); err != nil {
		return nil, err
	}
	// Re-read after locking so the caller sees the latest committed row.
	return t.Equipment(ctx, id)
}

func (t *memoryTx) LockSession(ctx context.Context, id int64) (*model.UsageSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.Session(ctx, id); err != nil {
		return nil, err
	}
	if err := t.tryLock(fmt.Sprintf("session:%d", id)); err != nil {
		return nil, err
	}
	return t.Session(ctx, id)
}

func (t *memoryTx) Equipment(ctx context.Context, id int64) (*model.Equipment, error) {
	if e, ok := t.equipment[id]; ok {
		return &e, nil
	}
	return t.store.Equipment(ctx, id)
}

func (t *memoryTx) Session(ctx context.Context, id int64) (*model.UsageSession, error) {
	if s, ok := t.sessions[id]; ok {
		return &s, nil
	}
	return t.store.Session(ctx, id)
}

func (t *memoryTx) EquipmentSessions(_ context.Context, equipmentID int64) ([]model.UsageSession, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.equipmentSessionsLocked(equipmentID, t.sessions), nil
}

func (t *memoryTx) UserName(ctx context.Context, id int64) (string, error) {
	return t.store.UserName(ctx, id)
}

func (t *memoryTx) CreateSession(_ context.Context, s *model.UsageSession) error {
	if err := checkInterval(s); err != nil {
		return err
	}
	t.store.mu.Lock()
	s.ID = t.store.nextID()
	t.store.mu.Unlock()

	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	t.sessions[s.ID] = *s
	return nil
}

func (t *memoryTx) UpdateSession(ctx context.Context, s *model.UsageSession) error {
	if err := checkInterval(s); err != nil {
		return err
	}
	current, err := t.Session(ctx, s.ID)
	if err != nil {
		return err
	}
	s.CreatedAt = current.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	t.sessions[s.ID] = *s
	return nil
}

func (t *memoryTx) UpdateEquipment(ctx context.Context, e *model.Equipment) error {
	if _, err := t.Equipment(ctx, e.ID); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()
	t.equipment[e.ID] = *e
	return nil
}

// checkInterval mirrors the CHECK (end_time > start_time) constraint.
func checkInterval(s *model.UsageSession) error {
	if s.EndTime != nil && !s.EndTime.After(s.StartTime) {
		return fmt.Errorf("session %d: end_time must be after start_time", s.ID)
	}
	return nil
}

func (t *memoryTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	// Emulates the partial unique index on usage_sessions(equipment_id) WHERE status = 'ACTIVE'.
	for _, s := range t.sessions {
		if !s.IsActive() {
			continue
		}
		for id, other := range m.sessions {
			if staged, ok := t.sessions[id]; ok {
				other = staged
			}
			if id != s.ID && other.IsActive() && other.EquipmentID == s.EquipmentID {
				return fmt.Errorf("active session for equipment %d: %w", s.EquipmentID, ErrUniqueViolation)
			}
		}
	}

	for id, e := range t.equipment {
		m.equipment[id] = e
	}
	for id, s := range t.sessions {
		m.sessions[id] = s
	}
	return nil
}
