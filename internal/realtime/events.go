// Package realtime decodes per-stream channel events into typed variants and
// fans channel subscriptions out to local consumers.
package realtime

import (
	"errors"
	"fmt"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

// ErrMalformedEvent is returned when an event payload fails validation.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// Change is a row change on the chat message relation: Inserted, Updated or Deleted.
type Change interface {
	isChange()
}

// Inserted carries a new message without author profile data.
type Inserted struct {
	Message *domain.ChatMessage
}

// Updated carries the new row and, when the producer knew it, the old row.
type Updated struct {
	Old *domain.ChatMessage
	New *domain.ChatMessage
}

// Deleted carries the id of a hard-deleted row.
type Deleted struct {
	ID string
}

func (Inserted) isChange() {}
func (Updated) isChange()  {}
func (Deleted) isChange()  {}

// SoftDeleted reports whether this update is the one that set the soft-delete
// flag, as opposed to an edit.
func (u Updated) SoftDeleted() bool {
	return u.New.Deleted && (u.Old == nil || !u.Old.Deleted)
}

type changePayload struct {
	Record    *domain.ChatMessage `json:"record,omitempty"`
	OldRecord *domain.ChatMessage `json:"old_record,omitempty"`
	ID        string              `json:"id,omitempty"`
}

// DecodeChange validates a chat change event.
func DecodeChange(ev *pubsub.Event) (Change, error) {
	var p changePayload
	if err := ev.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case pubsub.EventInsert:
		if err := validRecord(ev, p.Record); err != nil {
			return nil, err
		}
		return Inserted{Message: p.Record}, nil
	case pubsub.EventUpdate:
		if err := validRecord(ev, p.Record); err != nil {
			return nil, err
		}
		if p.OldRecord != nil && p.OldRecord.ID != p.Record.ID {
			return nil, fmt.Errorf("%w: old record id %q differs from %q", ErrMalformedEvent, p.OldRecord.ID, p.Record.ID)
		}
		return Updated{Old: p.OldRecord, New: p.Record}, nil
	case pubsub.EventDelete:
		if p.ID == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrMalformedEvent)
		}
		return Deleted{ID: p.ID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown change type %q", ErrMalformedEvent, ev.Type)
	}
}

func validRecord(ev *pubsub.Event, m *domain.ChatMessage) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: %s without record", ErrMalformedEvent, ev.Type)
	case m.ID == "":
		return fmt.Errorf("%w: record without id", ErrMalformedEvent)
	case m.StreamID != ev.StreamID:
		return fmt.Errorf("%w: record stream %q on channel for %q", ErrMalformedEvent, m.StreamID, ev.StreamID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: record without created_at", ErrMalformedEvent)
	}
	return nil
}

// PresenceEvent is one of Sync, Join, Leave or StatusChanged.
type PresenceEvent interface {
	isPresence()
}

// Sync is the full set of active participants.
type Sync struct {
	Entries []domain.PresenceEntry
}

// Join announces a participant. Origin identifies the publishing handle.
type Join struct {
	Entry  domain.PresenceEntry
	Origin string
}

// Leave announces a departure. Origin is empty for expiry-driven leaves.
type Leave struct {
	Entry  domain.PresenceEntry
	Origin string
}

// StatusChanged reports the stream going live or offline.
type StatusChanged struct {
	Live bool
}

func (Sync) isPresence()          {}
func (Join) isPresence()          {}
func (Leave) isPresence()         {}
func (StatusChanged) isPresence() {}

type presencePayload struct {
	Entries []domain.PresenceEntry `json:"entries,omitempty"`
	Entry   *domain.PresenceEntry  `json:"entry,omitempty"`
	Origin  string                 `json:"origin,omitempty"`
	Live    *bool                  `json:"live,omitempty"`
}

// DecodePresence validates a presence channel event.
func DecodePresence(ev *pubsub.Event) (PresenceEvent, error) {
	var p presencePayload
	if err := ev.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case pubsub.EventPresenceSync:
		for _, e := range p.Entries {
			if e.UserID == "" {
				return nil, fmt.Errorf("%w: sync entry without user_id", ErrMalformedEvent)
			}
		}
		return Sync{Entries: p.Entries}, nil
	case pubsub.EventPresenceJoin, pubsub.EventPresenceLeave:
		if p.Entry == nil || p.Entry.UserID == "" {
			return nil, fmt.Errorf("%w: %s without entry", ErrMalformedEvent, ev.Type)
		}
		if ev.Type == pubsub.EventPresenceJoin {
			return Join{Entry: *p.Entry, Origin: p.Origin}, nil
		}
		return Leave{Entry: *p.Entry, Origin: p.Origin}, nil
	case pubsub.EventStreamStatus:
		if p.Live == nil {
			return nil, fmt.Errorf("%w: status without live flag", ErrMalformedEvent)
		}
		return StatusChanged{Live: *p.Live}, nil
	default:
		return nil, fmt.Errorf("%w: unknown presence type %q", ErrMalformedEvent, ev.Type)
	}
}

// TimeoutImposed announces a new timeout to every session on the stream.
type TimeoutImposed struct {
	Timeout *domain.Timeout
}

type moderationPayload struct {
	Timeout *domain.Timeout `json:"timeout"`
}

// DecodeModeration validates a moderation channel event.
func DecodeModeration(ev *pubsub.Event) (TimeoutImposed, error) {
	if ev.Type != pubsub.EventTimeout {
		return TimeoutImposed{}, fmt.Errorf("%w: unknown moderation type %q", ErrMalformedEvent, ev.Type)
	}
	var p moderationPayload
	if err := ev.UnmarshalPayload(&p); err != nil {
		return TimeoutImposed{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	t := p.Timeout
	if t == nil || t.UserID == "" || t.StreamID != ev.StreamID || t.ExpiresAt.IsZero() {
		return TimeoutImposed{}, fmt.Errorf("%w: invalid timeout payload", ErrMalformedEvent)
	}
	return TimeoutImposed{Timeout: t}, nil
}
