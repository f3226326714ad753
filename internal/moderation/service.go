package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beech80/clipt-sub000/internal/audit"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/log"
)

var (
	ErrNotModerator    = errors.New("not a moderator of this stream")
	ErrNotOwner        = errors.New("only the stream owner can do that")
	ErrInvalidDuration = errors.New("timeout duration must be positive")
	ErrInvalidTarget   = errors.New("cannot moderate that user")
)

// Service applies moderator actions. Every timeout is persisted first and
// then announced on the stream's moderation channel.
type Service struct {
	repo        repository.ModerationRepository
	pub         *realtime.Publisher
	ids         idgen.Generator
	banDuration time.Duration
	now         func() time.Time
}

func NewService(repo repository.ModerationRepository, pub *realtime.Publisher, ids idgen.Generator, banDuration time.Duration) *Service {
	return &Service{
		repo:        repo,
		pub:         pub,
		ids:         ids,
		banDuration: banDuration,
		now:         time.Now,
	}
}

// IsModerator reports whether userID owns or moderates streamID.
func (s *Service) IsModerator(ctx context.Context, streamID, userID string) (bool, error) {
	return s.repo.IsModerator(ctx, streamID, userID)
}

func (s *Service) requireModerator(ctx context.Context, streamID, moderatorID string) error {
	ok, err := s.repo.IsModerator(ctx, streamID, moderatorID)
	if err != nil {
		return fmt.Errorf("moderator check: %w", err)
	}
	if !ok {
		return ErrNotModerator
	}
	return nil
}

// Timeout stops targetID from sending in streamID for d.
func (s *Service) Timeout(ctx context.Context, streamID, moderatorID, targetID string, d time.Duration) (*domain.Timeout, error) {
	return s.impose(ctx, audit.ActionTimeout, streamID, moderatorID, targetID, d)
}

// Ban is a timeout for the configured ban duration.
func (s *Service) Ban(ctx context.Context, streamID, moderatorID, targetID string) (*domain.Timeout, error) {
	return s.impose(ctx, audit.ActionBan, streamID, moderatorID, targetID, s.banDuration)
}

// BanDuration returns the length of a ban.
func (s *Service) BanDuration() time.Duration {
	return s.banDuration
}

func (s *Service) impose(ctx context.Context, action, streamID, moderatorID, targetID string, d time.Duration) (*domain.Timeout, error) {
	if d <= 0 {
		return nil, ErrInvalidDuration
	}
	if targetID == "" || targetID == moderatorID {
		return nil, ErrInvalidTarget
	}
	if err := s.requireModerator(ctx, streamID, moderatorID); err != nil {
		return nil, err
	}
	owner, err := s.repo.StreamOwner(ctx, streamID)
	if err != nil && !errors.Is(err, repository.ErrStreamNotFound) {
		return nil, err
	}
	if owner != "" && owner == targetID {
		return nil, ErrInvalidTarget
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate timeout id: %w", err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	t := &domain.Timeout{
		ID:          id,
		StreamID:    streamID,
		UserID:      targetID,
		ModeratorID: moderatorID,
		ExpiresAt:   now.Add(d),
		CreatedAt:   now,
	}
	if err := s.repo.CreateTimeout(ctx, t); err != nil {
		return nil, err
	}

	if err := s.pub.TimeoutImposed(ctx, t); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldStreamID, streamID).Msg("timeout persisted but not announced")
	}
	metrics.ModerationActions.WithLabelValues(actionLabel(action)).Inc()
	audit.LogTarget(ctx, action, moderatorID, streamID, targetID, d.String(), "timeout imposed")
	return t, nil
}

func actionLabel(action string) string {
	switch action {
	case audit.ActionBan:
		return "ban"
	case audit.ActionGrantMod:
		return "grant"
	default:
		return "timeout"
	}
}

// Grant makes targetID a moderator of streamID. Only the owner may grant.
func (s *Service) Grant(ctx context.Context, streamID, ownerID, targetID string) error {
	if targetID == "" {
		return ErrInvalidTarget
	}
	owner, err := s.repo.StreamOwner(ctx, streamID)
	if err != nil {
		if errors.Is(err, repository.ErrStreamNotFound) {
			return ErrNotOwner
		}
		return err
	}
	if owner != ownerID {
		return ErrNotOwner
	}
	if err := s.repo.GrantModerator(ctx, &domain.ModeratorGrant{
		StreamID:  streamID,
		UserID:    targetID,
		GrantedBy: ownerID,
	}); err != nil {
		return err
	}
	metrics.ModerationActions.WithLabelValues("grant").Inc()
	audit.LogTarget(ctx, audit.ActionGrantMod, ownerID, streamID, targetID, "", "moderator granted")
	return nil
}

// ActiveTimeouts lists timeouts still in force for streamID.
func (s *Service) ActiveTimeouts(ctx context.Context, streamID string) ([]*domain.Timeout, error) {
	return s.repo.ListActiveTimeouts(ctx, streamID, s.now())
}

func (s *Service) Moderators(ctx context.Context, streamID string) ([]*domain.ModeratorGrant, error) {
	return s.repo.ListModerators(ctx, streamID)
}

// ActiveTimeout returns the caller's own active timeout, or nil.
func (s *Service) ActiveTimeout(ctx context.Context, streamID, userID string) (*domain.Timeout, error) {
	return s.repo.ActiveTimeout(ctx, streamID, userID, s.now())
}
