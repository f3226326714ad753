package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

// Update events delivered to a handle's Notify.
const (
	EventSync   = "sync"
	EventJoin   = "join"
	EventLeave  = "leave"
	EventStatus = "status"
)

// Update is a change to a handle's mirrored presence state. Entry is set
// for join and leave.
type Update struct {
	Event string
	Entry *domain.PresenceEntry
	Count int
	Live  bool
}

// Notify receives best-effort presence updates. Joins and leaves published
// by the receiving handle itself are not reported.
type Notify func(Update)

// Config holds tracker timing.
type Config struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// Tracker joins sessions to a stream's presence channel.
type Tracker struct {
	store  Store
	broker *realtime.Broker
	pub    *realtime.Publisher
	cfg    Config
	now    func() time.Time
}

func NewTracker(store Store, broker *realtime.Broker, pub *realtime.Publisher, cfg Config) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.TTL {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	return &Tracker{store: store, broker: broker, pub: pub, cfg: cfg, now: time.Now}
}

// Handle is one session's membership in a stream's presence set.
type Handle struct {
	id       string
	streamID string
	entry    domain.PresenceEntry
	tracker  *Tracker
	sub      *realtime.Subscription
	notify   Notify

	mu     sync.RWMutex
	active map[string]domain.PresenceEntry
	live   bool

	stop     chan struct{}
	dropped  chan struct{}
	stopOnce sync.Once
}

// Join tracks entry in streamID, subscribes to the stream's presence channel
// and seeds the local set from the store. notify may be nil.
func (t *Tracker) Join(ctx context.Context, streamID string, entry domain.PresenceEntry, notify Notify) (*Handle, error) {
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = t.now().UTC()
	}
	h := &Handle{
		id:       uuid.NewString(),
		streamID: streamID,
		entry:    entry,
		tracker:  t,
		notify:   notify,
		active:   make(map[string]domain.PresenceEntry),
		stop:     make(chan struct{}),
		dropped:  make(chan struct{}),
	}

	// Subscribe before reading state so no diff between the two is lost.
	sub, err := t.broker.Subscribe(ctx, pubsub.PresenceChannel(streamID))
	if err != nil {
		return nil, err
	}
	h.sub = sub

	now := t.now()
	if err := t.store.Track(ctx, streamID, entry, now.Add(t.cfg.TTL)); err != nil {
		sub.Close()
		return nil, err
	}
	entries, err := t.store.List(ctx, streamID, now)
	if err != nil {
		sub.Close()
		_ = t.store.Untrack(ctx, streamID, entry.UserID)
		return nil, err
	}
	live, err := t.store.IsLive(ctx, streamID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldStreamID, streamID).Msg("failed to read live status")
	}

	h.mu.Lock()
	for _, e := range entries {
		h.active[e.UserID] = e
	}
	h.active[entry.UserID] = entry
	h.live = live
	h.mu.Unlock()

	if err := t.pub.PresenceJoin(ctx, streamID, entry, h.id); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldStreamID, streamID).Msg("failed to publish presence join")
	}

	go h.consume()
	go h.heartbeat()
	return h, nil
}

// ID identifies the handle as the origin of the events it publishes.
func (h *Handle) ID() string { return h.id }

// StreamID returns the joined stream.
func (h *Handle) StreamID() string { return h.streamID }

// Active returns the mirrored set ordered by join time.
func (h *Handle) Active() []domain.PresenceEntry {
	h.mu.RLock()
	out := make([]domain.PresenceEntry, 0, len(h.active))
	for _, e := range h.active {
		out = append(out, e)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (h *Handle) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Live reports the last known live status of the stream.
func (h *Handle) Live() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Dropped is closed when the channel stops delivering, by Leave or by the
// driver. A dropped handle is never restarted; join again instead.
func (h *Handle) Dropped() <-chan struct{} { return h.dropped }

// Leave unsubscribes, removes the entry and announces the departure.
func (h *Handle) Leave(ctx context.Context) error {
	first := false
	h.stopOnce.Do(func() {
		first = true
		close(h.stop)
	})
	if !first {
		return nil
	}
	h.sub.Close()

	t := h.tracker
	err := t.store.Untrack(ctx, h.streamID, h.entry.UserID)
	if pubErr := t.pub.PresenceLeave(ctx, h.streamID, h.entry, h.id); pubErr != nil {
		err = errors.Join(err, pubErr)
	}
	return err
}

func (h *Handle) consume() {
	defer close(h.dropped)
	for ev := range h.sub.C {
		pe, err := realtime.DecodePresence(ev)
		if err != nil {
			metrics.DroppedEvents.WithLabelValues("malformed").Inc()
			l := log.L()
			l.Warn().Err(err).Str(log.FieldStreamID, h.streamID).Msg("dropping presence event")
			continue
		}
		h.apply(pe)
	}
}

func (h *Handle) apply(pe realtime.PresenceEvent) {
	var u *Update

	h.mu.Lock()
	switch e := pe.(type) {
	case realtime.Sync:
		h.active = make(map[string]domain.PresenceEntry, len(e.Entries)+1)
		for _, entry := range e.Entries {
			h.active[entry.UserID] = entry
		}
		// A sync taken before our own join landed must not drop us.
		h.active[h.entry.UserID] = h.entry
		u = &Update{Event: EventSync}
	case realtime.Join:
		_, known := h.active[e.Entry.UserID]
		h.active[e.Entry.UserID] = e.Entry
		if e.Origin != h.id && !known {
			entry := e.Entry
			u = &Update{Event: EventJoin, Entry: &entry}
		}
	case realtime.Leave:
		if e.Entry.UserID == h.entry.UserID && e.Origin != h.id {
			// Another session of the same user left, or we were pruned.
			// The heartbeat re-tracks us if we are still here.
			break
		}
		_, known := h.active[e.Entry.UserID]
		delete(h.active, e.Entry.UserID)
		if e.Origin != h.id && known {
			entry := e.Entry
			u = &Update{Event: EventLeave, Entry: &entry}
		}
	case realtime.StatusChanged:
		h.live = e.Live
		u = &Update{Event: EventStatus}
	}
	if u != nil {
		u.Count = len(h.active)
		u.Live = h.live
	}
	h.mu.Unlock()

	if u != nil && h.notify != nil {
		h.notify(*u)
	}
}

func (h *Handle) heartbeat() {
	t := h.tracker
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-h.dropped:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// beat re-arms our entry and, when elected for this interval, prunes the
// stream and publishes a full sync.
func (h *Handle) beat() {
	t := h.tracker
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HeartbeatInterval)
	defer cancel()
	l := log.L().With().Str(log.FieldStreamID, h.streamID).Str(log.FieldUserID, h.entry.UserID).Logger()

	now := t.now()
	ok, err := t.store.Refresh(ctx, h.streamID, h.entry.UserID, now.Add(t.cfg.TTL))
	if err != nil {
		l.Warn().Err(err).Msg("presence refresh failed")
		return
	}
	if !ok {
		if err := t.store.Track(ctx, h.streamID, h.entry, now.Add(t.cfg.TTL)); err != nil {
			l.Warn().Err(err).Msg("presence re-track failed")
			return
		}
		if err := t.pub.PresenceJoin(ctx, h.streamID, h.entry, h.id); err != nil {
			l.Warn().Err(err).Msg("failed to publish presence join")
		}
	}

	elected, err := t.store.AcquireSync(ctx, h.streamID, h.id, t.cfg.HeartbeatInterval)
	if err != nil || !elected {
		return
	}
	if err := t.syncStream(ctx, h.streamID); err != nil {
		l.Warn().Err(err).Msg("presence sync failed")
	}
}

// syncStream drops expired entries, announcing each, then publishes the
// remaining set.
func (t *Tracker) syncStream(ctx context.Context, streamID string) error {
	now := t.now()
	expired, err := t.store.Prune(ctx, streamID, now)
	if err != nil {
		return err
	}
	for _, e := range expired {
		if err := t.pub.PresenceLeave(ctx, streamID, e, ""); err != nil {
			return err
		}
	}
	entries, err := t.store.List(ctx, streamID, now)
	if err != nil {
		return err
	}
	return t.pub.PresenceSync(ctx, streamID, entries)
}

// List returns the stream's current presence set from the store.
func (t *Tracker) List(ctx context.Context, streamID string) ([]domain.PresenceEntry, error) {
	return t.store.List(ctx, streamID, t.now())
}

// Count returns the number of unexpired members of streamID.
func (t *Tracker) Count(ctx context.Context, streamID string) (int, error) {
	return t.store.Count(ctx, streamID, t.now())
}

// LiveStreams lists the streams currently broadcasting, in no order.
func (t *Tracker) LiveStreams(ctx context.Context) ([]string, error) {
	return t.store.LiveStreams(ctx)
}

// IsLive reports whether the stream is broadcasting.
func (t *Tracker) IsLive(ctx context.Context, streamID string) (bool, error) {
	return t.store.IsLive(ctx, streamID)
}

// SetLive records the stream's live status and announces it on the
// presence channel.
func (t *Tracker) SetLive(ctx context.Context, streamID string, live bool) error {
	var err error
	if live {
		err = t.store.SetLive(ctx, streamID)
	} else {
		err = t.store.SetOffline(ctx, streamID)
	}
	if err != nil {
		return err
	}
	return t.pub.StreamStatus(ctx, streamID, live)
}
