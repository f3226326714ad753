// Package profile joins author profiles onto chat messages.
package profile

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/beech80/clipt-sub000/internal/cache"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/log"
)

// Resolver looks profiles up through the cache, collapsing concurrent
// lookups of the same user into one repository read.
type Resolver struct {
	repo     repository.ProfileRepository
	cache    cache.ProfileCache
	cacheTTL time.Duration
	sf       singleflight.Group
}

// NewResolver creates a resolver. profileCache may be nil.
func NewResolver(repo repository.ProfileRepository, profileCache cache.ProfileCache, cacheTTL time.Duration) *Resolver {
	return &Resolver{repo: repo, cache: profileCache, cacheTTL: cacheTTL}
}

// Resolve returns the profile for userID.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*domain.Profile, error) {
	if r.cache != nil {
		p, err := r.cache.Get(ctx, userID)
		if err == nil {
			metrics.ProfileLookups.WithLabelValues("cache").Inc()
			return p, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("profile cache get error")
		}
	}

	v, err, _ := r.sf.Do(userID, func() (interface{}, error) {
		p, err := r.repo.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(ctx, p, r.cacheTTL); err != nil {
				l := log.Ctx(ctx)
				l.Warn().Err(err).Msg("profile cache set error")
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ProfileLookups.WithLabelValues("store").Inc()
	return v.(*domain.Profile), nil
}

// Username returns the display name for userID, or domain.UnknownAuthor when
// the profile cannot be resolved for any reason.
func (r *Resolver) Username(ctx context.Context, userID string) string {
	p, err := r.Resolve(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrProfileNotFound) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("author lookup failed")
		}
		metrics.ProfileLookups.WithLabelValues("fallback").Inc()
		return domain.UnknownAuthor
	}
	if name := p.Name(); name != "" {
		return name
	}
	return domain.UnknownAuthor
}

// Annotate fills Username on every message, resolving each author once.
func (r *Resolver) Annotate(ctx context.Context, msgs []*domain.ChatMessage) {
	names := make(map[string]string)
	for _, m := range msgs {
		name, ok := names[m.UserID]
		if !ok {
			name = r.Username(ctx, m.UserID)
			names[m.UserID] = name
		}
		m.Username = name
	}
}

// ByUsername finds a profile by username, bypassing the cache.
func (r *Resolver) ByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return r.repo.GetByUsername(ctx, username)
}
