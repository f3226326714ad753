package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelToTopicAndKey(t *testing.T) {
	tests := []struct {
		channel string
		topic   string
		key     string
		wantErr bool
	}{
		{ChatChangesChannel("S1"), "chat-changes", "S1", false},
		{PresenceChannel("abc"), "presence-events", "abc", false},
		{ModerationChannel("x-y"), "moderation-events", "x-y", false},
		{"chat:room:S1:changes", "", "", true},
		{"chat:stream::changes", "", "", true},
		{"chat:stream:S1", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			topic, key, err := channelToTopicAndKey(tt.channel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.topic, topic)
			assert.Equal(t, tt.key, key)
			assert.Contains(t, kafkaTopics, topic)
		})
	}
}

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx := context.Background()
	ch, err := ps.Subscribe(ctx, ChatChangesChannel("S1"))
	require.NoError(t, err)

	ev, err := NewEvent(EventInsert, "S1", map[string]string{"id": "m1"})
	require.NoError(t, err)

	// Another stream's channel is not delivered.
	require.NoError(t, ps.Publish(ctx, ChatChangesChannel("S2"), ev))
	require.NoError(t, ps.Publish(ctx, ChatChangesChannel("S1"), ev))

	select {
	case got := <-ch:
		assert.Equal(t, EventInsert, got.Type)
		assert.Equal(t, "S1", got.StreamID)
		var payload map[string]string
		require.NoError(t, got.UnmarshalPayload(&payload))
		assert.Equal(t, "m1", payload["id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func TestMemoryPubSub_UnsubscribeClosesChannel(t *testing.T) {
	ps := NewMemoryPubSub()
	ctx := context.Background()

	ch, err := ps.Subscribe(ctx, PresenceChannel("S1"))
	require.NoError(t, err)
	require.NoError(t, ps.Unsubscribe(ctx, PresenceChannel("S1")))

	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, ps.Close())
	_, err = ps.Subscribe(ctx, PresenceChannel("S1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPubSub_ContextCancel(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := ps.Subscribe(ctx, ModerationChannel("S1"))
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ps := NewRedisPubSubWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := ps.Subscribe(ctx, ChatChangesChannel("S1"))
	require.NoError(t, err)

	ev, err := NewEvent(EventDelete, "S1", map[string]string{"id": "m1"})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, ChatChangesChannel("S1"), ev))

	select {
	case got := <-ch:
		assert.Equal(t, EventDelete, got.Type)
		assert.Equal(t, "S1", got.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNewPubSub_UnknownDriver(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "nats"})
	assert.Error(t, err)

	ps, err := NewPubSub(Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPubSub{}, ps)
}
