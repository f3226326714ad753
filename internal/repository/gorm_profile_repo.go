package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/beech80/clipt-sub000/internal/domain"
)

// GormProfileRepository implements ProfileRepository using GORM.
type GormProfileRepository struct {
	db *gorm.DB
}

func NewGormProfileRepository(db *gorm.DB) *GormProfileRepository {
	return &GormProfileRepository{db: db}
}

func (r *GormProfileRepository) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByUsername matches case-insensitively.
func (r *GormProfileRepository) GetByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return r.first(ctx, "LOWER(username) = LOWER(?)", username)
}

func (r *GormProfileRepository) first(ctx context.Context, query string, arg string) (*domain.Profile, error) {
	var model domain.ProfileModel
	if err := r.db.WithContext(ctx).First(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}
