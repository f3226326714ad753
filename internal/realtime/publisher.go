package realtime

import (
	"context"
	"fmt"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

// Publisher writes typed events to the per-stream channels. It is the
// fan-out step that follows every persistence write.
type Publisher struct {
	pub pubsub.Publisher
}

func NewPublisher(pub pubsub.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) publish(ctx context.Context, channel, eventType, streamID string, payload interface{}) error {
	ev, err := pubsub.NewEvent(eventType, streamID, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s event: %w", eventType, err)
	}
	if err := p.pub.Publish(ctx, channel, ev); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// bare strips joined author data; change events carry the row only.
func bare(m *domain.ChatMessage) *domain.ChatMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.Username = ""
	return &c
}

func (p *Publisher) MessageInserted(ctx context.Context, m *domain.ChatMessage) error {
	return p.publish(ctx, pubsub.ChatChangesChannel(m.StreamID), pubsub.EventInsert, m.StreamID,
		changePayload{Record: bare(m)})
}

func (p *Publisher) MessageUpdated(ctx context.Context, old, updated *domain.ChatMessage) error {
	return p.publish(ctx, pubsub.ChatChangesChannel(updated.StreamID), pubsub.EventUpdate, updated.StreamID,
		changePayload{Record: bare(updated), OldRecord: bare(old)})
}

func (p *Publisher) MessageDeleted(ctx context.Context, streamID, messageID string) error {
	return p.publish(ctx, pubsub.ChatChangesChannel(streamID), pubsub.EventDelete, streamID,
		changePayload{ID: messageID})
}

func (p *Publisher) PresenceSync(ctx context.Context, streamID string, entries []domain.PresenceEntry) error {
	if entries == nil {
		entries = []domain.PresenceEntry{}
	}
	return p.publish(ctx, pubsub.PresenceChannel(streamID), pubsub.EventPresenceSync, streamID,
		presencePayload{Entries: entries})
}

func (p *Publisher) PresenceJoin(ctx context.Context, streamID string, entry domain.PresenceEntry, origin string) error {
	return p.publish(ctx, pubsub.PresenceChannel(streamID), pubsub.EventPresenceJoin, streamID,
		presencePayload{Entry: &entry, Origin: origin})
}

func (p *Publisher) PresenceLeave(ctx context.Context, streamID string, entry domain.PresenceEntry, origin string) error {
	return p.publish(ctx, pubsub.PresenceChannel(streamID), pubsub.EventPresenceLeave, streamID,
		presencePayload{Entry: &entry, Origin: origin})
}

func (p *Publisher) StreamStatus(ctx context.Context, streamID string, live bool) error {
	return p.publish(ctx, pubsub.PresenceChannel(streamID), pubsub.EventStreamStatus, streamID,
		presencePayload{Live: &live})
}

func (p *Publisher) TimeoutImposed(ctx context.Context, t *domain.Timeout) error {
	return p.publish(ctx, pubsub.ModerationChannel(t.StreamID), pubsub.EventTimeout, t.StreamID,
		moderationPayload{Timeout: t})
}
