package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/amoryn/amoryn-realtime-api/internal/models"
)

// MessageRepository persists conversation messages.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error)
	Delete(ctx context.Context, id string) error
	MarkConversationRead(ctx context.Context, conversationID, recipientID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to ascending (created_at, id) order for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Message{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	// Deleting an id that is already gone is a no-op, not an error.
	return nil
}

func (r *messageRepository) MarkConversationRead(ctx context.Context, conversationID, recipientID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND is_read = ?", conversationID, recipientID, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// IsNotFound reports whether err is the GORM record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
