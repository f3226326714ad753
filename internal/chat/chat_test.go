package chat

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/profile"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/database"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration) *domain.ChatMessage {
	return &domain.ChatMessage{ID: id, StreamID: "S1", UserID: "u1", Body: id, CreatedAt: t0.Add(offset)}
}

func assertSorted(t *testing.T, msgs []*domain.ChatMessage) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i-1].Before(msgs[i]), "out of order at %d: %s then %s", i, msgs[i-1].ID, msgs[i].ID)
	}
}

func TestTimeline_StaysSortedUnderAnyArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		tl := NewTimeline(0)
		for i := 0; i < 50; i++ {
			tl.Append(msgAt(fmt.Sprintf("h%02d", i), time.Duration(i)*time.Second))
		}
		for _, i := range rng.Perm(40) {
			// Some share a timestamp with history; ids break the tie.
			tl.Append(msgAt(fmt.Sprintf("n%02d", i), time.Duration(i*2)*time.Second))
		}
		assert.Equal(t, 90, tl.Len())
		assertSorted(t, tl.Snapshot())
	}
}

func TestTimeline_AppendAtTailLeavesHistoryInPlace(t *testing.T) {
	tl := NewTimeline(0)
	history := make([]*domain.ChatMessage, 50)
	for i := range history {
		history[i] = msgAt(fmt.Sprintf("m%02d", i), time.Duration(i)*time.Second)
	}
	tl.Merge(history)

	before := append([]*domain.ChatMessage(nil), tl.msgs...)
	require.True(t, tl.Append(msgAt("m50", 50*time.Second)))

	require.Equal(t, 51, tl.Len())
	for i := range before {
		assert.Same(t, before[i], tl.msgs[i])
	}
	assert.Equal(t, "m50", tl.msgs[50].ID)
}

func TestTimeline_RemoveAndEdit(t *testing.T) {
	tl := NewTimeline(0)
	tl.Append(msgAt("a", 0))
	tl.Append(msgAt("b", time.Second))

	assert.False(t, tl.Remove("zzz"), "removing an absent id is a no-op")
	assert.Equal(t, 2, tl.Len())

	assert.False(t, tl.Append(msgAt("a", 0)), "duplicates are ignored")
	deleted := msgAt("c", 2*time.Second)
	deleted.Deleted = true
	assert.False(t, tl.Append(deleted), "deleted messages are never shown")

	edited := msgAt("b", time.Second)
	edited.Body = "fixed"
	assert.True(t, tl.Edit(edited))
	assert.Equal(t, "fixed", tl.Snapshot()[1].Body)
	assert.False(t, tl.Edit(msgAt("zzz", 0)))

	assert.True(t, tl.Remove("a"))
	assert.False(t, tl.Contains("a"))
	assert.Equal(t, []string{"b"}, ids(tl.Snapshot()))

	// Remove before insert: the late insert still lands.
	tl.Remove("d")
	tl.Append(msgAt("d", 3*time.Second))
	assert.True(t, tl.Contains("d"))
}

func TestTimeline_Bounded(t *testing.T) {
	tl := NewTimeline(3)
	for i := 0; i < 5; i++ {
		tl.Append(msgAt(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second))
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(tl.Snapshot()))
	assert.False(t, tl.Contains("m0"))

	tl.Reset()
	assert.Zero(t, tl.Len())
}

func ids(msgs []*domain.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

type fixture struct {
	store  *Store
	repo   *repository.GormMessageRepository
	broker *realtime.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite", FilePath: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, domain.Models()...))
	require.NoError(t, db.Create(&domain.ProfileModel{ID: "u1", Username: "alice"}).Error)
	require.NoError(t, db.Create(&domain.ProfileModel{ID: "mod", Username: "mia"}).Error)
	require.NoError(t, db.Create(&domain.StreamModel{ID: "S1", OwnerID: "mod"}).Error)

	broker := realtime.NewBroker(pubsub.NewMemoryPubSub())
	t.Cleanup(func() { broker.Close() })

	repo := repository.NewGormMessageRepository(db)
	s := NewStore(Options{
		Repo:       repo,
		Moderators: repository.NewGormModerationRepository(db),
		Authors:    profile.NewResolver(repository.NewGormProfileRepository(db), nil, time.Minute),
		Broker:     broker,
		IDs:        idgen.NewULIDGenerator(),
		MaxLimit:   100,
	})
	tick := t0
	s.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return &fixture{store: s, repo: repo, broker: broker}
}

type events struct {
	inserted chan *domain.ChatMessage
	updated  chan *domain.ChatMessage
	removed  chan string
}

func newEvents() *events {
	return &events{
		inserted: make(chan *domain.ChatMessage, 8),
		updated:  make(chan *domain.ChatMessage, 8),
		removed:  make(chan string, 8),
	}
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnInsert: func(m *domain.ChatMessage) { e.inserted <- m },
		OnUpdate: func(m *domain.ChatMessage) { e.updated <- m },
		OnRemove: func(id string) { e.removed <- id },
	}
}

func wait[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(time.Second):
		t.Fatal("no event")
		var zero T
		return zero
	}
}

func TestStore_LoadHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := f.store.Send(ctx, "S1", "u1", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	msgs, err := f.store.LoadHistory(ctx, "S1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	assert.Equal(t, "msg 10", msgs[0].Body)
	assert.Equal(t, "msg 59", msgs[49].Body)
	assert.Equal(t, "alice", msgs[0].Username)
	assertSorted(t, msgs)

	page, err := f.store.LoadPage(ctx, "S1", msgs[0].ID, 500)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 10, "limit clamps to the maximum, then the rest")
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextBefore)
}

func TestStore_LoadPageNextBefore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.store.Send(ctx, "S1", "u1", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	page, err := f.store.LoadPage(ctx, "S1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Messages[0].ID, page.NextBefore)

	var bodies []string
	for page.HasMore {
		page, err = f.store.LoadPage(ctx, "S1", page.NextBefore, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			bodies = append(bodies, m.Body)
		}
	}
	assert.Equal(t, []string{"msg 1", "msg 2", "msg 0"}, bodies)
	assert.Empty(t, page.NextBefore)
}

func TestStore_SubscribeJoinsAuthors(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := newEvents()
	sub, err := f.store.Subscribe(ctx, "S1", ev.handlers())
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.store.Send(ctx, "S1", "u1", "hello")
	require.NoError(t, err)
	got := wait(t, ev.inserted)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, "alice", got.Username)

	// No profile row: the lookup fails and the placeholder is used.
	_, err = f.store.Send(ctx, "S1", "ghost", "boo")
	require.NoError(t, err)
	got = wait(t, ev.inserted)
	assert.Equal(t, domain.UnknownAuthor, got.Username)
}

func TestStore_DeleteAndEditTakeDifferentPaths(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := newEvents()
	sub, err := f.store.Subscribe(ctx, "S1", ev.handlers())
	require.NoError(t, err)
	defer sub.Close()

	m, err := f.store.Send(ctx, "S1", "u1", "helo")
	require.NoError(t, err)
	wait(t, ev.inserted)

	_, err = f.store.Edit(ctx, "S1", m.ID, "mod", "hijack")
	assert.ErrorIs(t, err, ErrNotAuthor)

	edited, err := f.store.Edit(ctx, "S1", m.ID, "u1", "hello")
	require.NoError(t, err)
	assert.NotNil(t, edited.EditedAt)
	upd := wait(t, ev.updated)
	assert.Equal(t, "hello", upd.Body)
	assert.Equal(t, "alice", upd.Username)

	assert.ErrorIs(t, f.store.SoftDelete(ctx, "S1", m.ID, "stranger"), moderation.ErrNotModerator)
	require.NoError(t, f.store.SoftDelete(ctx, "S1", m.ID, "mod"), "the owner moderates")
	assert.Equal(t, m.ID, wait(t, ev.removed))
	require.NoError(t, f.store.SoftDelete(ctx, "S1", m.ID, "u1"), "deleting twice is harmless")

	_, err = f.store.Edit(ctx, "S1", m.ID, "u1", "again")
	assert.ErrorIs(t, err, repository.ErrMessageNotFound)

	msgs, err := f.store.LoadHistory(ctx, "S1", 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	err = f.store.SoftDelete(ctx, "S1", "missing", "u1")
	assert.ErrorIs(t, err, repository.ErrMessageNotFound)

	select {
	case id := <-ev.removed:
		t.Fatalf("unexpected second removal of %s", id)
	default:
	}
}

func TestStore_SubscriptionEndsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := f.store.Subscribe(ctx, "S1", Handlers{})
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Zero(t, f.broker.Subscribers(pubsub.ChatChangesChannel("S1")))
}
