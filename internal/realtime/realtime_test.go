package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

func recv(t *testing.T, c <-chan *pubsub.Event) *pubsub.Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func newMessage(id string) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:        id,
		StreamID:  "S1",
		UserID:    "u1",
		Username:  "alice",
		Body:      "hi",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBroker_FanOutAndRefcount(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	b := NewBroker(ps)
	defer b.Close()
	pub := NewPublisher(b)
	ctx := context.Background()
	channel := pubsub.ChatChangesChannel("S1")

	s1, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers(channel))

	require.NoError(t, pub.MessageInserted(ctx, newMessage("m1")))
	for _, s := range []*Subscription{s1, s2} {
		change, err := DecodeChange(recv(t, s.C))
		require.NoError(t, err)
		ins, ok := change.(Inserted)
		require.True(t, ok)
		assert.Equal(t, "m1", ins.Message.ID)
		assert.Empty(t, ins.Message.Username, "change events carry no author profile")
	}

	s1.Close()
	s1.Close()
	assert.Equal(t, 1, b.Subscribers(channel))
	_, ok := <-s1.C
	assert.False(t, ok)

	s2.Close()
	assert.Equal(t, 0, b.Subscribers(channel))
}

func TestBroker_DriverCloseClosesSubscribers(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	b := NewBroker(ps)

	s, err := b.Subscribe(context.Background(), pubsub.PresenceChannel("S1"))
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-s.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed")
	}
	s.Close()
}

func TestDecodeChange_Variants(t *testing.T) {
	ctx := context.Background()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	pub := NewPublisher(ps)

	c, err := ps.Subscribe(ctx, pubsub.ChatChangesChannel("S1"))
	require.NoError(t, err)

	old := newMessage("m1")
	deleted := newMessage("m1")
	deleted.Deleted = true
	edited := newMessage("m1")
	edited.Body = "edited"

	require.NoError(t, pub.MessageUpdated(ctx, old, deleted))
	require.NoError(t, pub.MessageUpdated(ctx, old, edited))
	require.NoError(t, pub.MessageUpdated(ctx, nil, deleted))
	require.NoError(t, pub.MessageDeleted(ctx, "S1", "m1"))

	change, err := DecodeChange(<-c)
	require.NoError(t, err)
	assert.True(t, change.(Updated).SoftDeleted())

	change, err = DecodeChange(<-c)
	require.NoError(t, err)
	assert.False(t, change.(Updated).SoftDeleted())
	assert.Equal(t, "edited", change.(Updated).New.Body)

	change, err = DecodeChange(<-c)
	require.NoError(t, err)
	assert.True(t, change.(Updated).SoftDeleted())

	change, err = DecodeChange(<-c)
	require.NoError(t, err)
	assert.Equal(t, Deleted{ID: "m1"}, change)
}

func TestDecodeChange_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		evType  string
		payload interface{}
	}{
		{"insert without record", pubsub.EventInsert, map[string]string{}},
		{"record without id", pubsub.EventInsert, changePayload{Record: &domain.ChatMessage{StreamID: "S1", CreatedAt: time.Now()}}},
		{"wrong stream", pubsub.EventInsert, changePayload{Record: &domain.ChatMessage{ID: "m1", StreamID: "S2", CreatedAt: time.Now()}}},
		{"missing created_at", pubsub.EventInsert, changePayload{Record: &domain.ChatMessage{ID: "m1", StreamID: "S1"}}},
		{"mismatched old record", pubsub.EventUpdate, changePayload{
			Record:    newMessage("m1"),
			OldRecord: newMessage("m2"),
		}},
		{"delete without id", pubsub.EventDelete, changePayload{}},
		{"unknown type", "TRUNCATE", changePayload{}},
		{"not an object", pubsub.EventInsert, []int{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := pubsub.NewEvent(tt.evType, "S1", tt.payload)
			require.NoError(t, err)
			_, err = DecodeChange(ev)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestDecodePresenceAndModeration(t *testing.T) {
	ctx := context.Background()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	pub := NewPublisher(ps)

	pc, err := ps.Subscribe(ctx, pubsub.PresenceChannel("S1"))
	require.NoError(t, err)
	mc, err := ps.Subscribe(ctx, pubsub.ModerationChannel("S1"))
	require.NoError(t, err)

	entry := domain.PresenceEntry{UserID: "u1", Username: "alice", JoinedAt: time.Now().UTC()}
	require.NoError(t, pub.PresenceJoin(ctx, "S1", entry, "h1"))
	require.NoError(t, pub.PresenceSync(ctx, "S1", nil))
	require.NoError(t, pub.StreamStatus(ctx, "S1", false))

	ev, err := DecodePresence(<-pc)
	require.NoError(t, err)
	assert.Equal(t, "h1", ev.(Join).Origin)
	assert.Equal(t, "u1", ev.(Join).Entry.UserID)

	ev, err = DecodePresence(<-pc)
	require.NoError(t, err)
	assert.Empty(t, ev.(Sync).Entries)

	ev, err = DecodePresence(<-pc)
	require.NoError(t, err)
	assert.Equal(t, StatusChanged{Live: false}, ev)

	to := &domain.Timeout{ID: "t1", StreamID: "S1", UserID: "u2", ModeratorID: "u1", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, pub.TimeoutImposed(ctx, to))
	imposed, err := DecodeModeration(<-mc)
	require.NoError(t, err)
	assert.Equal(t, "u2", imposed.Timeout.UserID)

	bad, err := pubsub.NewEvent(pubsub.EventPresenceJoin, "S1", presencePayload{})
	require.NoError(t, err)
	_, err = DecodePresence(bad)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
