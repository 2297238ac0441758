package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/amoryn/amoryn-realtime-api/internal/models"
)

// CallLogRepository records call attempts for audit history. The signaling
// state machine writes through it and never reads back.
type CallLogRepository interface {
	Create(ctx context.Context, log *models.CallLog) error
	UpdateStatus(ctx context.Context, callID, status string, startedAt, endedAt *time.Time) error
}

type callLogRepository struct {
	db *gorm.DB
}

// NewCallLogRepository constructs a call log repository backed by GORM.
func NewCallLogRepository(db *gorm.DB) CallLogRepository {
	return &callLogRepository{db: db}
}

func (r *callLogRepository) Create(ctx context.Context, log *models.CallLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *callLogRepository) UpdateStatus(ctx context.Context, callID, status string, startedAt, endedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if endedAt != nil {
		updates["ended_at"] = *endedAt
	}

	return r.db.WithContext(ctx).
		Model(&models.CallLog{}).
		Where("call_id = ?", callID).
		Updates(updates).Error
}
