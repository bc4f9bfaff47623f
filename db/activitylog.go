package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/caliperml/caliper/domain"
)

// ActivityLogRecord is the gorm mapping of the activity_log table.
type ActivityLogRecord struct {
	ID           int64  `gorm:"primaryKey"`
	UseCaseID    string `gorm:"column:use_case_id"`
	ActivityType string `gorm:"column:activity_type"`
	Description  string
	MetadataJSON []byte    `gorm:"column:metadata_json;type:jsonb"`
	DedupeKey    string    `gorm:"column:dedupe_key"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName maps the record onto the table created by the schema bootstrap.
func (ActivityLogRecord) TableName() string { return "activity_log" }

// ActivityLogStore persists audit entries that are not state transitions,
// such as rejected uploads and task step markers.
type ActivityLogStore struct {
	orm *gorm.DB
}

// NewActivityLogStore opens a gorm session against the same database the
// engine uses. The table itself is owned by the schema bootstrap.
func NewActivityLogStore(connString string) (*ActivityLogStore, error) {
	orm, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log store: %w", err)
	}
	return &ActivityLogStore{orm: orm}, nil
}

// Append writes an activity entry unconditionally.
func (s *ActivityLogStore) Append(ctx context.Context, entry domain.ActivityEntry) error {
	record, err := toRecord(entry)
	if err != nil {
		return err
	}
	if err := s.orm.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("%w: failed to append activity entry: %v", domain.ErrTransient, err)
	}
	return nil
}

// AppendOnce writes an activity entry unless one with the same dedupe key
// already exists. Task handlers use it to stay idempotent across retries.
func (s *ActivityLogStore) AppendOnce(ctx context.Context, entry domain.ActivityEntry) error {
	if entry.DedupeKey == "" {
		return s.Append(ctx, entry)
	}
	record, err := toRecord(entry)
	if err != nil {
		return err
	}
	err = s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("%w: failed to append activity entry: %v", domain.ErrTransient, err)
	}
	return nil
}

// ForUseCase returns the newest entries for a use case, newest first.
func (s *ActivityLogStore) ForUseCase(ctx context.Context, useCaseID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []ActivityLogRecord
	err := s.orm.WithContext(ctx).
		Where("use_case_id = ?", useCaseID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query activity log: %v", domain.ErrTransient, err)
	}

	entries := make([]domain.ActivityEntry, 0, len(records))
	for _, record := range records {
		entry := domain.ActivityEntry{
			ID:           record.ID,
			UseCaseID:    record.UseCaseID,
			ActivityType: record.ActivityType,
			Description:  record.Description,
			DedupeKey:    record.DedupeKey,
			CreatedAt:    record.CreatedAt,
		}
		if len(record.MetadataJSON) > 0 {
			if err := json.Unmarshal(record.MetadataJSON, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode activity metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func toRecord(entry domain.ActivityEntry) (ActivityLogRecord, error) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ActivityLogRecord{}, fmt.Errorf("failed to encode activity metadata: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ActivityLogRecord{
		UseCaseID:    entry.UseCaseID,
		ActivityType: entry.ActivityType,
		Description:  entry.Description,
		MetadataJSON: raw,
		DedupeKey:    entry.DedupeKey,
		CreatedAt:    createdAt,
	}, nil
}
