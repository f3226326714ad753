package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/pkg/log"
)

// GormMessageRepository implements MessageRepository using GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository creates a new GORM-based message repository.
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// Create inserts the message. ID and CreatedAt must already be set.
func (r *GormMessageRepository) Create(ctx context.Context, m *domain.ChatMessage) error {
	l := log.Ctx(ctx)

	model := domain.MessageToModel(m)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, m.ID).Msg("failed to create message in db")
		return err
	}
	return nil
}

// GetByID retrieves a message of the stream by ID, deleted or not.
func (r *GormMessageRepository) GetByID(ctx context.Context, streamID, id string) (*domain.ChatMessage, error) {
	model, err := r.find(ctx, r.db, streamID, id)
	if err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

func (r *GormMessageRepository) find(ctx context.Context, db *gorm.DB, streamID, id string) (*domain.MessageModel, error) {
	var model domain.MessageModel
	result := db.WithContext(ctx).First(&model, "id = ? AND stream_id = ?", id, streamID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldMessageID, id).Msg("failed to get message by id")
		return nil, result.Error
	}
	return &model, nil
}

// ListRecent windows the stream server-side, newest first, then flips the
// page to ascending order.
func (r *GormMessageRepository) ListRecent(ctx context.Context, streamID, before string, limit int) ([]*domain.ChatMessage, bool, error) {
	l := log.Ctx(ctx)

	if limit < 1 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Where("stream_id = ? AND is_deleted = ?", streamID, false)

	if before != "" {
		cursor, err := r.find(ctx, r.db, streamID, before)
		if err != nil {
			return nil, false, err
		}
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var models []domain.MessageModel
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&models).Error; err != nil {
		l.Error().Err(err).Msg("failed to list messages from db")
		return nil, false, err
	}

	hasMore := len(models) > limit
	if hasMore {
		models = models[:limit]
	}

	messages := make([]*domain.ChatMessage, len(models))
	for i := range models {
		messages[len(models)-1-i] = models[i].ToDomain()
	}
	return messages, hasMore, nil
}

// SetDeleted sets the soft-delete flag. Deleting a deleted message is a no-op.
func (r *GormMessageRepository) SetDeleted(ctx context.Context, streamID, id string) (*domain.ChatMessage, *domain.ChatMessage, error) {
	return r.update(ctx, streamID, id, func(m *domain.MessageModel) map[string]interface{} {
		if m.IsDeleted {
			return nil
		}
		m.IsDeleted = true
		return map[string]interface{}{"is_deleted": true}
	})
}

// UpdateBody rewrites the message body.
func (r *GormMessageRepository) UpdateBody(ctx context.Context, streamID, id, body string, editedAt time.Time) (*domain.ChatMessage, *domain.ChatMessage, error) {
	return r.update(ctx, streamID, id, func(m *domain.MessageModel) map[string]interface{} {
		m.Message = body
		m.EditedAt = &editedAt
		return map[string]interface{}{"message": body, "edited_at": editedAt}
	})
}

// update loads the row, applies mutate and writes the returned columns in
// one transaction. A nil column map skips the write.
func (r *GormMessageRepository) update(ctx context.Context, streamID, id string, mutate func(*domain.MessageModel) map[string]interface{}) (*domain.ChatMessage, *domain.ChatMessage, error) {
	var before, after *domain.ChatMessage

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.find(ctx, tx, streamID, id)
		if err != nil {
			return err
		}
		before = model.ToDomain()

		cols := mutate(model)
		if cols != nil {
			if err := tx.Model(&domain.MessageModel{}).
				Where("id = ? AND stream_id = ?", id, streamID).
				Updates(cols).Error; err != nil {
				return err
			}
		}
		after = model.ToDomain()
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrMessageNotFound) {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldMessageID, id).Msg("failed to update message")
		}
		return nil, nil, err
	}
	return before, after, nil
}
