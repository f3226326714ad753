// Package chat loads, persists and live-syncs a stream's chat messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beech80/clipt-sub000/internal/audit"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

var (
	ErrNotAuthor = errors.New("only the author can edit a message")
	ErrEmptyBody = errors.New("message is empty")
)

// ModeratorChecker reports moderator status for delete permissions.
type ModeratorChecker interface {
	IsModerator(ctx context.Context, streamID, userID string) (bool, error)
}

// AuthorResolver joins author names onto messages.
type AuthorResolver interface {
	Username(ctx context.Context, userID string) string
	Annotate(ctx context.Context, msgs []*domain.ChatMessage)
}

// Store reads and writes a stream's messages. Every write is followed by a
// change event on the stream's channel.
type Store struct {
	repo     repository.MessageRepository
	mods     ModeratorChecker
	authors  AuthorResolver
	pub      *realtime.Publisher
	broker   *realtime.Broker
	ids      idgen.Generator
	maxLimit int
	now      func() time.Time
}

// Options configure a Store.
type Options struct {
	Repo       repository.MessageRepository
	Moderators ModeratorChecker
	Authors    AuthorResolver
	Broker     *realtime.Broker
	IDs        idgen.Generator
	MaxLimit   int
}

func NewStore(opts Options) *Store {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	return &Store{
		repo:     opts.Repo,
		mods:     opts.Moderators,
		authors:  opts.Authors,
		pub:      realtime.NewPublisher(opts.Broker),
		broker:   opts.Broker,
		ids:      opts.IDs,
		maxLimit: opts.MaxLimit,
		now:      time.Now,
	}
}

// Page is a window of history, oldest first. NextBefore is the cursor for
// the previous page and is set only when HasMore is.
type Page struct {
	Messages   []*domain.ChatMessage `json:"messages"`
	HasMore    bool                  `json:"has_more"`
	NextBefore string                `json:"next_before,omitempty"`
}

func (s *Store) clamp(limit int) int {
	if limit <= 0 || limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

// LoadHistory returns the most recent limit visible messages of streamID in
// ascending order, with author names joined.
func (s *Store) LoadHistory(ctx context.Context, streamID string, limit int) ([]*domain.ChatMessage, error) {
	page, err := s.LoadPage(ctx, streamID, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// LoadPage returns up to limit visible messages preceding the message with
// id before, or the newest ones when before is empty.
func (s *Store) LoadPage(ctx context.Context, streamID, before string, limit int) (*Page, error) {
	defer metrics.ObserveSince(metrics.HistoryLoadDuration, time.Now())

	msgs, hasMore, err := s.repo.ListRecent(ctx, streamID, before, s.clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	s.authors.Annotate(ctx, msgs)
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	page := &Page{Messages: msgs, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		page.NextBefore = msgs[0].ID
	}
	return page, nil
}

// Send persists a new message by userID and announces it.
func (s *Store) Send(ctx context.Context, streamID, userID, body string) (*domain.ChatMessage, error) {
	if body == "" {
		return nil, ErrEmptyBody
	}
	id, err := s.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	m := &domain.ChatMessage{
		ID:       id,
		StreamID: streamID,
		UserID:   userID,
		Body:     body,
		// Millisecond UTC survives every backend unchanged.
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	if err := s.pub.MessageInserted(ctx, m); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageID, m.ID).Msg("message persisted but not announced")
	}
	m.Username = s.authors.Username(ctx, userID)

	metrics.MessagesAccepted.Inc()
	audit.LogTarget(ctx, audit.ActionSendMessage, userID, streamID, m.ID, "", "message sent")
	return m, nil
}

// SoftDelete hides a message. The author and the stream's moderators may
// delete; deleting an already deleted message succeeds without a new event.
func (s *Store) SoftDelete(ctx context.Context, streamID, messageID, actorID string) error {
	m, err := s.repo.GetByID(ctx, streamID, messageID)
	if err != nil {
		return err
	}
	if m.UserID != actorID {
		ok, err := s.mods.IsModerator(ctx, streamID, actorID)
		if err != nil {
			return fmt.Errorf("moderator check: %w", err)
		}
		if !ok {
			return moderation.ErrNotModerator
		}
	}
	if m.Deleted {
		return nil
	}

	before, after, err := s.repo.SetDeleted(ctx, streamID, messageID)
	if err != nil {
		return err
	}
	if err := s.pub.MessageUpdated(ctx, before, after); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageID, messageID).Msg("delete persisted but not announced")
	}
	audit.LogTarget(ctx, audit.ActionDeleteMessage, actorID, streamID, messageID, m.UserID, "message deleted")
	return nil
}

// Edit rewrites the body of the author's own visible message.
func (s *Store) Edit(ctx context.Context, streamID, messageID, authorID, body string) (*domain.ChatMessage, error) {
	if body == "" {
		return nil, ErrEmptyBody
	}
	m, err := s.repo.GetByID(ctx, streamID, messageID)
	if err != nil {
		return nil, err
	}
	if m.UserID != authorID {
		return nil, ErrNotAuthor
	}
	if m.Deleted {
		return nil, repository.ErrMessageNotFound
	}

	before, after, err := s.repo.UpdateBody(ctx, streamID, messageID, body, s.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	if err := s.pub.MessageUpdated(ctx, before, after); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageID, messageID).Msg("edit persisted but not announced")
	}
	after.Username = s.authors.Username(ctx, authorID)
	audit.LogTarget(ctx, audit.ActionEditMessage, authorID, streamID, messageID, "", "message edited")
	return after, nil
}

// Handlers receive a stream's live changes in delivery order. Messages
// passed to OnInsert and OnUpdate carry the resolved author name.
type Handlers struct {
	OnInsert func(*domain.ChatMessage)
	OnUpdate func(*domain.ChatMessage)
	OnRemove func(id string)
}

// Subscription is a live feed of one stream's changes.
type Subscription struct {
	sub  *realtime.Subscription
	done chan struct{}
}

// Close stops delivery. Handlers may still be running when Close returns;
// Done is closed once they have finished.
func (s *Subscription) Close() {
	s.sub.Close()
}

// Done is closed when delivery has stopped, by Close, ctx or a dropped channel.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe opens the stream's change feed. Insert events are joined with
// the author name before OnInsert runs; the name falls back to "Unknown".
func (s *Store) Subscribe(ctx context.Context, streamID string, h Handlers) (*Subscription, error) {
	sub, err := s.broker.Subscribe(ctx, pubsub.ChatChangesChannel(streamID))
	if err != nil {
		return nil, err
	}
	cs := &Subscription{sub: sub, done: make(chan struct{})}

	go func() {
		defer close(cs.done)
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				s.dispatch(ctx, ev, h)
			}
		}
	}()
	return cs, nil
}

func (s *Store) dispatch(ctx context.Context, ev *pubsub.Event, h Handlers) {
	change, err := realtime.DecodeChange(ev)
	if err != nil {
		metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("dropping chat change event")
		return
	}

	switch c := change.(type) {
	case realtime.Inserted:
		if !c.Message.Visible() {
			return
		}
		c.Message.Username = s.authors.Username(ctx, c.Message.UserID)
		if h.OnInsert != nil {
			h.OnInsert(c.Message)
		}
	case realtime.Updated:
		if c.SoftDeleted() {
			if h.OnRemove != nil {
				h.OnRemove(c.New.ID)
			}
			return
		}
		if !c.New.Visible() {
			return
		}
		c.New.Username = s.authors.Username(ctx, c.New.UserID)
		if h.OnUpdate != nil {
			h.OnUpdate(c.New)
		}
	case realtime.Deleted:
		if h.OnRemove != nil {
			h.OnRemove(c.ID)
		}
	}
}
