package moderation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/database"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestApplyRules(t *testing.T) {
	rules := []*domain.FilterRule{
		{Pattern: "darn", Action: domain.FilterMask},
		{Pattern: "heck", Action: domain.FilterMask},
	}

	res := applyRules(rules, "Darn it, what the HECK")
	assert.False(t, res.Blocked)
	assert.Equal(t, "**** it, what the ****", res.Body)
	assert.Equal(t, []string{"darn", "heck"}, res.Matched)

	res = applyRules(rules, "darned checks")
	assert.Equal(t, "darned checks", res.Body, "word boundaries respected")
	assert.Empty(t, res.Matched)

	rules = append(rules, &domain.FilterRule{Pattern: "buy followers", Action: domain.FilterBlock})
	res = applyRules(rules, "darn, BUY FOLLOWERS now")
	assert.True(t, res.Blocked)
	assert.Equal(t, "darn, BUY FOLLOWERS now", res.Body, "blocked body is left untouched")

	res = applyRules([]*domain.FilterRule{{Pattern: "  ", Action: domain.FilterBlock}}, "anything")
	assert.False(t, res.Blocked)
}

func TestApplyRules_MaskNeverHidesBlock(t *testing.T) {
	rules := []*domain.FilterRule{
		{Pattern: "scam", Action: domain.FilterMask},
		{Pattern: "scam", Action: domain.FilterBlock},
	}
	res := applyRules(rules, "free scam link")
	assert.True(t, res.Blocked)
	assert.Equal(t, "free scam link", res.Body)
	assert.Equal(t, []string{"scam"}, res.Matched)
}

func TestRuleFilter_StreamMaskAndGlobalBlock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&domain.FilterRuleModel{StreamID: "S1", Pattern: "scam", Action: "mask"}).Error)
	require.NoError(t, f.db.Create(&domain.FilterRuleModel{Pattern: "scam", Action: "block"}).Error)
	require.NoError(t, f.db.Create(&domain.FilterRuleModel{Pattern: "darn", Action: "mask"}).Error)

	filter := NewRuleFilter(f.repo)
	res, err := filter.Evaluate(context.Background(), "S1", "free scam link")
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "free scam link", res.Body)

	res, err = filter.Evaluate(context.Background(), "S1", "darn it")
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, "**** it", res.Body)
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewRedisRateLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 2, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "u1", "S1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "u1", "S1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 30*time.Second)

	ok, _, err = l.Allow(ctx, "u1", "S2")
	require.NoError(t, err)
	assert.True(t, ok, "counters are per stream")

	mr.FastForward(31 * time.Second)
	ok, _, err = l.Allow(ctx, "u1", "S1")
	require.NoError(t, err)
	assert.True(t, ok, "window reset")
}

type fakeLimiter struct {
	calls int
	allow bool
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, userID, streamID string) (bool, time.Duration, error) {
	f.calls++
	return f.allow, 5 * time.Second, f.err
}

type fakeTimeouts struct {
	timeout *domain.Timeout
}

func (f *fakeTimeouts) ActiveTimeout(ctx context.Context, streamID, userID string, now time.Time) (*domain.Timeout, error) {
	if f.timeout != nil && f.timeout.UserID == userID {
		return f.timeout, nil
	}
	return nil, nil
}

type fakeFilter struct {
	calls int
	res   FilterResult
}

func (f *fakeFilter) Evaluate(ctx context.Context, streamID, body string) (FilterResult, error) {
	f.calls++
	if f.res.Body == "" {
		f.res.Body = body
	}
	return f.res, nil
}

func newTestGate(l RateLimiter, tc TimeoutChecker, f ContentFilter, now *time.Time) *Gate {
	g := NewGate(l, tc, f, 10*time.Second)
	g.now = func() time.Time { return *now }
	return g
}

func TestGate_CooldownAfterRateRejection(t *testing.T) {
	now := t0
	lim := &fakeLimiter{allow: false}
	g := newTestGate(lim, &fakeTimeouts{}, nil, &now)
	ctx := context.Background()

	v, err := g.CanSend(ctx, "u1", "S1", "hi")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRateLimited, v.Reason)
	assert.Equal(t, 10*time.Second, v.RetryAfter)
	assert.Equal(t, 1, lim.calls)

	// The server would now allow, but the local cooldown holds.
	lim.allow = true
	now = t0.Add(9 * time.Second)
	v, err = g.CanSend(ctx, "u1", "S1", "hi")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRateLimited, v.Reason)
	assert.Equal(t, 1, lim.calls, "no remote call during cooldown")
	assert.Equal(t, time.Second, g.CooldownRemaining("u1", "S1"))

	v, err = g.CanSend(ctx, "u2", "S1", "hi")
	require.NoError(t, err)
	assert.True(t, v.Allowed, "cooldown is per user")

	now = t0.Add(10 * time.Second)
	v, err = g.CanSend(ctx, "u1", "S1", "hi")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Zero(t, g.CooldownRemaining("u1", "S1"))
}

func TestGate_ExpiredCooldownsAreSwept(t *testing.T) {
	now := t0
	g := newTestGate(&fakeLimiter{allow: false}, &fakeTimeouts{}, nil, &now)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := g.CanSend(ctx, u, "S1", "hi")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, g.cooldownEntries())

	// None of u1..u3 come back; the next rejection clears them.
	now = t0.Add(11 * time.Second)
	_, err := g.CanSend(ctx, "u4", "S1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, g.cooldownEntries())
	assert.Equal(t, 10*time.Second, g.CooldownRemaining("u4", "S1"))
}

func TestGate_TimeoutBoundary(t *testing.T) {
	now := t0
	to := &domain.Timeout{StreamID: "S1", UserID: "u1", ExpiresAt: t0.Add(time.Minute)}
	filter := &fakeFilter{}
	g := newTestGate(&fakeLimiter{allow: true}, &fakeTimeouts{timeout: to}, filter, &now)
	ctx := context.Background()

	v, err := g.CanSend(ctx, "u1", "S1", "hi")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonTimedOut, v.Reason)
	assert.Equal(t, time.Minute, v.RetryAfter)
	assert.Contains(t, v.Message, "timed out")
	assert.Zero(t, filter.calls, "filter runs after the timeout check")

	now = to.ExpiresAt
	v, err = g.CanSend(ctx, "u1", "S1", "hi")
	require.NoError(t, err)
	assert.True(t, v.Allowed, "released at exact expiry")
}

func TestGate_Filter(t *testing.T) {
	now := t0
	filter := &fakeFilter{res: FilterResult{Body: "**** it"}}
	g := newTestGate(&fakeLimiter{allow: true}, &fakeTimeouts{}, filter, &now)

	v, err := g.CanSend(context.Background(), "u1", "S1", "darn it")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, "**** it", v.Body)

	filter.res = FilterResult{Blocked: true}
	v, err = g.CanSend(context.Background(), "u1", "S1", "spam")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonFiltered, v.Reason)
}

func TestGate_RemoteErrorIsNotAVerdict(t *testing.T) {
	now := t0
	g := newTestGate(&fakeLimiter{err: errors.New("redis down")}, &fakeTimeouts{}, nil, &now)
	_, err := g.CanSend(context.Background(), "u1", "S1", "hi")
	assert.Error(t, err)
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "1s", humanize(0))
	assert.Equal(t, "10s", humanize(9500*time.Millisecond))
	assert.Equal(t, "10m", humanize(10*time.Minute))
	assert.Equal(t, "24h", humanize(24*time.Hour))
	assert.Equal(t, "365d", humanize(365*24*time.Hour))
}

type fixture struct {
	db     *gorm.DB
	repo   *repository.GormModerationRepository
	svc    *Service
	broker *realtime.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite", FilePath: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, domain.Models()...))
	require.NoError(t, db.Create(&domain.StreamModel{ID: "S1", OwnerID: "owner"}).Error)

	broker := realtime.NewBroker(pubsub.NewMemoryPubSub())
	t.Cleanup(func() { broker.Close() })
	repo := repository.NewGormModerationRepository(db)
	svc := NewService(repo, realtime.NewPublisher(broker), idgen.NewULIDGenerator(), 365*24*time.Hour)
	svc.now = func() time.Time { return t0 }
	return &fixture{db: db, repo: repo, svc: svc, broker: broker}
}

func TestService_BanBlocksSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, pubsub.ModerationChannel("S1"))
	require.NoError(t, err)
	defer sub.Close()

	to, err := f.svc.Ban(ctx, "S1", "owner", "user123")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(365*24*time.Hour), to.ExpiresAt)

	select {
	case ev := <-sub.C:
		imposed, err := realtime.DecodeModeration(ev)
		require.NoError(t, err)
		assert.Equal(t, "user123", imposed.Timeout.UserID)
	case <-time.After(time.Second):
		t.Fatal("timeout not announced")
	}

	now := t0.Add(time.Hour)
	g := newTestGate(&fakeLimiter{allow: true}, f.repo, nil, &now)
	v, err := g.CanSend(ctx, "user123", "S1", "hello")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonTimedOut, v.Reason)

	active, err := f.svc.ActiveTimeouts(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestService_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Timeout(ctx, "S1", "rando", "u2", time.Minute)
	assert.ErrorIs(t, err, ErrNotModerator)

	assert.ErrorIs(t, f.svc.Grant(ctx, "S1", "rando", "mod"), ErrNotOwner)
	assert.ErrorIs(t, f.svc.Grant(ctx, "S404", "owner", "mod"), ErrNotOwner)
	require.NoError(t, f.svc.Grant(ctx, "S1", "owner", "mod"))
	require.NoError(t, f.svc.Grant(ctx, "S1", "owner", "mod"), "grant is idempotent")

	ok, err := f.svc.IsModerator(ctx, "S1", "mod")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.svc.Timeout(ctx, "S1", "mod", "owner", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidTarget, "the broadcaster cannot be timed out")
	_, err = f.svc.Timeout(ctx, "S1", "mod", "mod", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.svc.Timeout(ctx, "S1", "mod", "u2", 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	to, err := f.svc.Timeout(ctx, "S1", "mod", "u2", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "mod", to.ModeratorID)

	mods, err := f.svc.Moderators(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "owner", mods[0].GrantedBy)
}
