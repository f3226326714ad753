package repository

import (
	"context"
	"errors"
	"time"

	"github.com/beech80/clipt-sub000/internal/domain"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrStreamNotFound  = errors.New("stream not found")
)

// MessageRepository persists chat messages.
type MessageRepository interface {
	Create(ctx context.Context, m *domain.ChatMessage) error
	GetByID(ctx context.Context, streamID, id string) (*domain.ChatMessage, error)

	// ListRecent returns up to limit visible messages, oldest first. With an
	// empty before they are the newest of the stream; otherwise they are the
	// ones immediately preceding the message with id before. hasMore reports
	// whether older visible messages remain.
	ListRecent(ctx context.Context, streamID, before string, limit int) (messages []*domain.ChatMessage, hasMore bool, err error)

	// SetDeleted sets the soft-delete flag and returns the row before and after.
	SetDeleted(ctx context.Context, streamID, id string) (before, after *domain.ChatMessage, err error)

	// UpdateBody rewrites the body and returns the row before and after.
	UpdateBody(ctx context.Context, streamID, id, body string, editedAt time.Time) (before, after *domain.ChatMessage, err error)
}

// ModerationRepository persists timeouts, moderator grants and filter rules.
type ModerationRepository interface {
	CreateTimeout(ctx context.Context, t *domain.Timeout) error

	// ActiveTimeout returns the latest-expiring timeout for the user that is
	// still active at now, or nil when there is none.
	ActiveTimeout(ctx context.Context, streamID, userID string, now time.Time) (*domain.Timeout, error)
	ListActiveTimeouts(ctx context.Context, streamID string, now time.Time) ([]*domain.Timeout, error)

	// StreamOwner returns the broadcaster, or ErrStreamNotFound.
	StreamOwner(ctx context.Context, streamID string) (string, error)
	IsModerator(ctx context.Context, streamID, userID string) (bool, error)
	GrantModerator(ctx context.Context, g *domain.ModeratorGrant) error
	ListModerators(ctx context.Context, streamID string) ([]*domain.ModeratorGrant, error)

	// ListFilterRules returns the stream's rules followed by global ones.
	ListFilterRules(ctx context.Context, streamID string) ([]*domain.FilterRule, error)
}

// ProfileRepository reads author profiles.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	GetByUsername(ctx context.Context, username string) (*domain.Profile, error)
}
