package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Window stores the fixed-window counter of one subject.
type Window struct {
	SubjectID     string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	WindowStartMs int64  `gorm:"column:window_start_ms;not null"`
	Count         int    `gorm:"column:count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Window) TableName() string {
	return "rate_limit_windows"
}

// SQLStore keeps fixed-window counters in the database so every process sharing it sees the
// same budget. Each check runs inside one transaction.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a database-backed counter store.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("ratelimit: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) CheckAndIncrement(ctx context.Context, subjectID string, window time.Duration, maxCount int) (Decision, error) {
	nowMs := s.clock().UnixMilli()
	windowMs := window.Milliseconds()

	var decision Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Window
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subject_id = ?", subjectID).
			Limit(1).
			Find(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			record = Window{SubjectID: subjectID, WindowStartMs: nowMs}
		}

		windowEnd := record.WindowStartMs + windowMs
		if nowMs >= windowEnd {
			record.WindowStartMs = nowMs
			record.Count = 0
			windowEnd = nowMs + windowMs
		}

		if record.Count >= maxCount {
			decision = Decision{
				Allowed:    false,
				RetryAfter: time.Duration(windowEnd-nowMs) * time.Millisecond,
			}
			return nil
		}

		record.Count++
		decision = Decision{Allowed: true, Remaining: maxCount - record.Count}
		return tx.Save(&record).Error
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}
