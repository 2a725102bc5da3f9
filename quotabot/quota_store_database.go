package quotabot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageRecordRow is the database representation of a UsageRecord.
type UsageRecordRow struct {
	ModelUintID
	ModelUnixTime

	SubjectID string `gorm:"uniqueIndex:idx_usage_subject_category;not null" json:"subject_id"`
	Category  string `gorm:"uniqueIndex:idx_usage_subject_category;not null" json:"category"`

	// Timestamps are stored as a JSON array of Unix nanoseconds
	Timestamps UnixNanos `gorm:"type:text" json:"timestamps"`

	// CooldownUntil is in Unix nanoseconds, zero when there's no cooldown
	CooldownUntil int64 `json:"cooldown_until"`
}

func (UsageRecordRow) TableName() string {
	return "usage_records"
}

func (r UsageRecordRow) record() UsageRecord {
	return UsageRecord{
		SubjectID:     r.SubjectID,
		Category:      r.Category,
		Timestamps:    unixNanosToTimes(r.Timestamps),
		CooldownUntil: unixNanoToTimePtr(r.CooldownUntil),
	}
}

// UnixNanos is a list of Unix nanosecond timestamps, stored as JSON
type UnixNanos []int64

// Scan implements the sql.Scanner interface.
func (u *UnixNanos) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*u = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for UnixNanos: %T", value)
	}
	var nanos []int64
	if err := json.Unmarshal(data, &nanos); err != nil {
		return err
	}
	*u = nanos
	return nil
}

// Value implements the driver.Valuer interface.
func (u UnixNanos) Value() (driver.Value, error) {
	if u == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int64(u))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

const dbUpdateAttempts = 3

var errRowVanished = errors.New("usage record row deleted during update")

// DatabaseQuotaStore keeps one row per (subject, category). Each Put is a
// single upsert, so a failure for one subject leaves other rows untouched.
type DatabaseQuotaStore struct {
	db DBI
}

func NewDatabaseQuotaStore(db DBI) *DatabaseQuotaStore {
	return &DatabaseQuotaStore{db: db}
}

func (s *DatabaseQuotaStore) Get(
	ctx context.Context,
	subjectID string,
	category string,
) (UsageRecord, error) {
	var row UsageRecordRow
	rv := s.db.DB().WithContext(ctx).
		Where("subject_id = ? AND category = ?", subjectID, category).
		Take(&row)
	if rv.Error != nil {
		if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			return newUsageRecord(subjectID, category), nil
		}
		return UsageRecord{}, rv.Error
	}
	return row.record(), nil
}

func (s *DatabaseQuotaStore) Put(
	ctx context.Context,
	subjectID string,
	category string,
	record UsageRecord,
) error {
	record = record.Clone()
	record.normalize()
	if record.IsEmpty() {
		return s.Reset(ctx, subjectID, category)
	}
	row := UsageRecordRow{
		SubjectID:  subjectID,
		Category:   category,
		Timestamps: timesToUnixNanos(record.Timestamps),
	}
	if record.CooldownUntil != nil {
		row.CooldownUntil = record.CooldownUntil.UnixNano()
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "subject_id"}, {Name: "category"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{"timestamps", "cooldown_until", "updated_at"},
					),
				},
			).Create(&row).Error
		},
	)
}

// Update runs fn inside a transaction holding the record's row lock
// (SELECT ... FOR UPDATE on postgres). The row is inserted first when
// missing, so there's always a row to lock. SQLite has no row locks;
// there the insert takes the database's single write lock instead.
func (s *DatabaseQuotaStore) Update(
	ctx context.Context,
	subjectID string,
	category string,
	fn UpdateFunc,
) error {
	var err error
	for range dbUpdateAttempts {
		err = s.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				return s.update(tx, subjectID, category, fn)
			},
		)
		if !errors.Is(err, errRowVanished) {
			return err
		}
	}
	return err
}

func (s *DatabaseQuotaStore) update(
	tx *gorm.DB,
	subjectID string,
	category string,
	fn UpdateFunc,
) error {
	placeholder := UsageRecordRow{SubjectID: subjectID, Category: category}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
		return err
	}

	q := tx.Where("subject_id = ? AND category = ?", subjectID, category)
	if tx.Dialector.Name() == dbTypePostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row UsageRecordRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// deleted by a reset that held the lock before us
			return errRowVanished
		}
		return err
	}

	rec := row.record()
	placeholderOnly := rec.IsEmpty()
	dirty, err := fn(&rec)
	if err != nil {
		return err
	}
	if !dirty {
		if placeholderOnly {
			return tx.Delete(&UsageRecordRow{}, row.ID).Error
		}
		return nil
	}
	rec.normalize()
	if rec.IsEmpty() {
		return tx.Delete(&UsageRecordRow{}, row.ID).Error
	}
	cooldown := int64(0)
	if rec.CooldownUntil != nil {
		cooldown = rec.CooldownUntil.UnixNano()
	}
	return tx.Model(&row).Updates(
		map[string]any{
			"timestamps":     UnixNanos(timesToUnixNanos(rec.Timestamps)),
			"cooldown_until": cooldown,
		},
	).Error
}

func (s *DatabaseQuotaStore) Reset(ctx context.Context, subjectID, category string) error {
	if category == "" {
		_, err := s.db.Delete(ctx, &UsageRecordRow{}, "subject_id = ?", subjectID)
		return err
	}
	_, err := s.db.Delete(
		ctx,
		&UsageRecordRow{},
		"subject_id = ? AND category = ?",
		subjectID,
		category,
	)
	return err
}

func (s *DatabaseQuotaStore) ResetCategory(ctx context.Context, category string) error {
	_, err := s.db.Delete(ctx, &UsageRecordRow{}, "category = ?", category)
	return err
}

func (s *DatabaseQuotaStore) ResetAll(ctx context.Context) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
				Delete(&UsageRecordRow{}).Error
		},
	)
}

func (s *DatabaseQuotaStore) List(ctx context.Context, subjectID string) ([]UsageRecord, error) {
	var rows []UsageRecordRow
	err := s.db.DB().WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("category").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]UsageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func (s *DatabaseQuotaStore) Keys(ctx context.Context) ([]RecordKey, error) {
	var keys []RecordKey
	err := s.db.DB().WithContext(ctx).
		Model(&UsageRecordRow{}).
		Select("subject_id", "category").
		Order("subject_id, category").
		Find(&keys).Error
	return keys, err
}

// Close is a no-op, the connection is owned by the caller.
func (*DatabaseQuotaStore) Close() error {
	return nil
}
