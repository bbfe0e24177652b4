package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lab-usage-backend/internal/model"
)

var (
	equipmentColumns = []string{"current_status", "current_user_id", "current_session_start", "updated_at"}
	sessionColumns   = []string{"end_time", "planned_end_time", "status", "remarks", "scientist_signature", "updated_at"}
)

// gormStore implements the Store interface using GORM.
type gormStore struct {
	reader
	// rowLocks is false for SQLite, which serializes writers on the database
	// lock and has no SELECT ... FOR UPDATE.
	rowLocks bool
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	name := db.Dialector.Name()
	return &gormStore{
		reader:   reader{db: db},
		rowLocks: name == "postgres" || name == "mysql",
	}
}

// reader holds the queries shared by the store and its transactions.
type reader struct {
	db *gorm.DB
}

func (r reader) Equipment(ctx context.Context, id int64) (*model.Equipment, error) {
	var e model.Equipment
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, Classify(err)
	}
	return &e, nil
}

func (r reader) Session(ctx context.Context, id int64) (*model.UsageSession, error) {
	var s model.UsageSession
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, Classify(err)
	}
	return &s, nil
}

func (r reader) EquipmentSessions(ctx context.Context, equipmentID int64) ([]model.UsageSession, error) {
	var sessions []model.UsageSession
	err := r.db.WithContext(ctx).
		Where("equipment_id = ?", equipmentID).
		Order("start_time").
		Find(&sessions).Error
	if err != nil {
		return nil, Classify(err)
	}
	return sessions, nil
}

func (r reader) UserName(ctx context.Context, id int64) (string, error) {
	var u model.User
	err := r.db.WithContext(ctx).Select("id", "name").First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", Classify(err)
	}
	return u.Name, nil
}

// WithTx runs fn inside a GORM transaction. Transaction rolls back when fn
// returns an error or panics.
func (s *gormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{reader: reader{db: db}, rowLocks: s.rowLocks})
	})
	return Classify(err)
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) ListEquipment(ctx context.Context) ([]model.Equipment, error) {
	var out []model.Equipment
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (s *gormStore) CreateEquipment(ctx context.Context, e *model.Equipment) error {
	if e.CurrentStatus == "" {
		e.CurrentStatus = model.StatusAvailable
	}
	return Classify(s.db.WithContext(ctx).Create(e).Error)
}

func (s *gormStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var out []model.User
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (s *gormStore) CreateUser(ctx context.Context, u *model.User) error {
	return Classify(s.db.WithContext(ctx).Create(u).Error)
}

// sessionQuery applies the filter's predicates. Paging is left to the caller.
func (s *gormStore) sessionQuery(ctx context.Context, f SessionFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.UsageSession{})
	if f.EquipmentID != 0 {
		q = q.Where("equipment_id = ?", f.EquipmentID)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("start_time >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("start_time < ?", f.To.UTC())
	}
	return q
}

func (s *gormStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.UsageSession, error) {
	q := s.sessionQuery(ctx, f)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var out []model.UsageSession
	if err := q.Order("start_time DESC").Find(&out).Error; err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (s *gormStore) CountSessions(ctx context.Context, f SessionFilter) (int64, error) {
	var n int64
	if err := s.sessionQuery(ctx, f).Count(&n).Error; err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

func (s *gormStore) ActiveSessionForUser(ctx context.Context, userID int64) (*model.UsageSession, error) {
	var out model.UsageSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.SessionActive).
		Order("start_time DESC").
		First(&out).Error
	if err != nil {
		return nil, Classify(err)
	}
	return &out, nil
}

func (s *gormStore) ExpiredSessions(ctx context.Context, now time.Time) ([]model.UsageSession, error) {
	var out []model.UsageSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND planned_end_time IS NOT NULL AND planned_end_time <= ?", model.SessionActive, now.UTC()).
		Order("planned_end_time").
		Find(&out).Error
	if err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (s *gormStore) TouchDescription(ctx context.Context, desc string, at time.Time) error {
	row := model.DescriptionHistory{Description: desc, UsageCount: 1, LastUsed: at.UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "description"}},
		DoUpdates: clause.Assignments(map[string]any{
			"usage_count": gorm.Expr("description_history.usage_count + 1"),
			"last_used":   at.UTC(),
		}),
	}).Create(&row).Error
	return Classify(err)
}

func (s *gormStore) DescriptionSuggestions(ctx context.Context, query string, limit int) ([]model.DescriptionHistory, error) {
	q := s.db.WithContext(ctx).Model(&model.DescriptionHistory{})
	if query = strings.TrimSpace(query); query != "" {
		q = q.Where("LOWER(description) LIKE ?", "%"+strings.ToLower(query)+"%")
	}
	var out []model.DescriptionHistory
	if err := q.Order("usage_count DESC").Order("last_used DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

func (s *gormStore) SavePushSubscription(ctx context.Context, sub *model.PushSubscription, equipmentIDs []int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(sub).Error; err != nil {
			return err
		}

		var equipment []*model.Equipment
		if len(equipmentIDs) > 0 {
			if err := tx.Find(&equipment, equipmentIDs).Error; err != nil {
				return err
			}
		}
		return tx.Model(sub).Association("Equipment").Replace(equipment)
	})
	return Classify(err)
}

func (s *gormStore) GetPushSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Equipment").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, Classify(err)
	}
	return &sub, nil
}

func (s *gormStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := &model.PushSubscription{Endpoint: endpoint}
		if err := tx.Model(sub).Association("Equipment").Clear(); err != nil {
			return err
		}
		return tx.Delete(sub).Error
	})
	return Classify(err)
}

func (s *gormStore) PushSubscriptionsForEquipment(ctx context.Context, equipmentID int64) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_equipment_mapping sem ON sem.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sem.equipment_id = ?", equipmentID).
		Find(&subs).Error
	if err != nil {
		return nil, Classify(err)
	}
	return subs, nil
}

var savepointSeq atomic.Int64

// gormTx is the Tx handed to WithTx callbacks.
type gormTx struct {
	reader
	rowLocks bool
}

func (t *gormTx) LockEquipment(ctx context.Context, id int64) (*model.Equipment, error) {
	var e model.Equipment
	if err := t.lockRow(ctx, &e, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) LockSession(ctx context.Context, id int64) (*model.UsageSession, error) {
	var s model.UsageSession
	if err := t.lockRow(ctx, &s, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// lockRow issues SELECT ... FOR UPDATE NOWAIT inside a savepoint. A refused
// lock aborts the statement on postgres, so the savepoint is rolled back to keep
// the transaction usable for the next attempt.
func (t *gormTx) lockRow(ctx context.Context, dest any, id int64) error {
	db := t.db.WithContext(ctx)
	if !t.rowLocks {
		return Classify(db.First(dest, id).Error)
	}

	sp := fmt.Sprintf("row_lock_%d", savepointSeq.Add(1))
	if err := db.SavePoint(sp).Error; err != nil {
		return Classify(err)
	}
	err := Classify(db.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"}).First(dest, id).Error)
	if errors.Is(err, ErrLockBusy) {
		if rbErr := db.RollbackTo(sp).Error; rbErr != nil {
			return Classify(rbErr)
		}
	}
	return err
}

func (t *gormTx) CreateSession(ctx context.Context, s *model.UsageSession) error {
	return Classify(t.db.WithContext(ctx).Create(s).Error)
}

func (t *gormTx) UpdateSession(ctx context.Context, s *model.UsageSession) error {
	return Classify(t.db.WithContext(ctx).Model(s).Select(sessionColumns).Updates(s).Error)
}

func (t *gormTx) UpdateEquipment(ctx context.Context, e *model.Equipment) error {
	return Classify(t.db.WithContext(ctx).Model(e).Select(equipmentColumns).Updates(e).Error)
}
