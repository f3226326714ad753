package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/pkg/log"
)

// GormModerationRepository implements ModerationRepository using GORM.
type GormModerationRepository struct {
	db *gorm.DB
}

func NewGormModerationRepository(db *gorm.DB) *GormModerationRepository {
	return &GormModerationRepository{db: db}
}

func (r *GormModerationRepository) CreateTimeout(ctx context.Context, t *domain.Timeout) error {
	if err := r.db.WithContext(ctx).Create(domain.TimeoutToModel(t)).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).
			Str(log.FieldStreamID, t.StreamID).
			Str("target_id", t.UserID).
			Msg("failed to create timeout in db")
		return err
	}
	return nil
}

// ActiveTimeout compares expires_at strictly against now: a timeout expiring
// exactly at now is not returned.
func (r *GormModerationRepository) ActiveTimeout(ctx context.Context, streamID, userID string, now time.Time) (*domain.Timeout, error) {
	var model domain.TimeoutModel
	result := r.db.WithContext(ctx).
		Where("stream_id = ? AND user_id = ? AND expires_at > ?", streamID, userID, now.UTC()).
		Order("expires_at DESC").
		First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Msg("failed to query active timeout")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

func (r *GormModerationRepository) ListActiveTimeouts(ctx context.Context, streamID string, now time.Time) ([]*domain.Timeout, error) {
	var models []domain.TimeoutModel
	if err := r.db.WithContext(ctx).
		Where("stream_id = ? AND expires_at > ?", streamID, now.UTC()).
		Order("expires_at ASC").
		Find(&models).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list active timeouts")
		return nil, err
	}

	out := make([]*domain.Timeout, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

// IsModerator reports whether userID owns the stream or holds a grant on it.
func (r *GormModerationRepository) IsModerator(ctx context.Context, streamID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	var owners int64
	if err := r.db.WithContext(ctx).Model(&domain.StreamModel{}).
		Where("id = ? AND owner_id = ?", streamID, userID).
		Count(&owners).Error; err != nil {
		return false, err
	}
	if owners > 0 {
		return true, nil
	}

	var grants int64
	if err := r.db.WithContext(ctx).Model(&domain.ModeratorModel{}).
		Where("stream_id = ? AND user_id = ?", streamID, userID).
		Count(&grants).Error; err != nil {
		return false, err
	}
	return grants > 0, nil
}

// GrantModerator is idempotent.
func (r *GormModerationRepository) GrantModerator(ctx context.Context, g *domain.ModeratorGrant) error {
	model := &domain.ModeratorModel{
		StreamID:  g.StreamID,
		UserID:    g.UserID,
		GrantedBy: g.GrantedBy,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to grant moderator")
		return err
	}
	return nil
}

func (r *GormModerationRepository) ListModerators(ctx context.Context, streamID string) ([]*domain.ModeratorGrant, error) {
	var models []domain.ModeratorModel
	if err := r.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]*domain.ModeratorGrant, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

func (r *GormModerationRepository) ListFilterRules(ctx context.Context, streamID string) ([]*domain.FilterRule, error) {
	var models []domain.FilterRuleModel
	if err := r.db.WithContext(ctx).
		Where("stream_id = ? OR stream_id = ''", streamID).
		Order("stream_id DESC").Order("id ASC").
		Find(&models).Error; err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list filter rules")
		return nil, err
	}

	out := make([]*domain.FilterRule, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

// StreamOwner returns the broadcaster of streamID.
func (r *GormModerationRepository) StreamOwner(ctx context.Context, streamID string) (string, error) {
	var model domain.StreamModel
	if err := r.db.WithContext(ctx).Select("owner_id").First(&model, "id = ?", streamID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrStreamNotFound
		}
		return "", err
	}
	return model.OwnerID, nil
}
