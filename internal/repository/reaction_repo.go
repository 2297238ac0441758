package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amoryn/amoryn-realtime-api/internal/models"
)

// ReactionRepository persists emoji reactions as set membership rows.
type ReactionRepository interface {
	ListForMessages(ctx context.Context, messageIDs []string) ([]models.Reaction, error)
	Insert(ctx context.Context, reaction *models.Reaction) error
	Delete(ctx context.Context, messageID, userID, emoji string) error
}

type reactionRepository struct {
	db *gorm.DB
}

// NewReactionRepository constructs a reaction repository backed by GORM.
func NewReactionRepository(db *gorm.DB) ReactionRepository {
	return &reactionRepository{db: db}
}

func (r *reactionRepository) ListForMessages(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var reactions []models.Reaction
	if err := r.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("created_at ASC").Find(&reactions).Error; err != nil {
		return nil, err
	}
	return reactions, nil
}

func (r *reactionRepository) Insert(ctx context.Context, reaction *models.Reaction) error {
	// Duplicate (message_id, user_id, emoji) inserts are no-ops so that
	// redelivered toggle requests stay idempotent.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "emoji"}},
			DoNothing: true,
		}).
		Create(reaction).Error
}

func (r *reactionRepository) Delete(ctx context.Context, messageID, userID, emoji string) error {
	return r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.Reaction{}).Error
}
