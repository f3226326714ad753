// Package session drives one viewer's chat surface: the state machine, the
// ordered message list and the input gate, pushed to a Sink as they change.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beech80/clipt-sub000/internal/audit"
	"github.com/beech80/clipt-sub000/internal/chat"
	"github.com/beech80/clipt-sub000/internal/command"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/presence"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

// State of a chat session.
//
//	Disconnected -> LoadingHistory -> Idle <-> Sending
//	Idle, Sending -> Disconnected        (leave)
//	LoadingHistory -> Failed -> LoadingHistory (retry)
type State int

const (
	Disconnected State = iota
	LoadingHistory
	Idle
	Sending
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case LoadingHistory:
		return "loading_history"
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Subscribed reports whether the session is live on its stream.
func (s State) Subscribed() bool {
	return s == Idle || s == Sending
}

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrNotJoined         = errors.New("session: not joined to a stream")
	ErrBusy              = errors.New("session: a message is already being sent")
)

// Sink receives the server messages of a session. Send must not block.
type Sink interface {
	Send(msg interface{}) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg interface{}) error

func (f SinkFunc) Send(msg interface{}) error { return f(msg) }

// Deps are the shared components every session uses.
type Deps struct {
	Store          *chat.Store
	Presence       *presence.Tracker
	Broker         *realtime.Broker
	Submitter      *Submitter
	Moderation     *moderation.Service
	HistoryLimit   int
	TimeoutPresets []time.Duration
	RequireLive    bool
}

// User is the identity behind a session. An empty ID is an anonymous viewer
// who may read but not write.
type User struct {
	ID       string
	Username string
}

// Session is one viewer's chat state on at most one stream at a time.
// Every join bumps a generation counter; results of backend calls started
// under an older generation are discarded.
type Session struct {
	deps     *Deps
	sink     Sink
	clientID string
	now      func() time.Time

	mu         sync.Mutex
	user       User
	state      State
	gen        uint64
	streamID   string
	ctx        context.Context
	cancel     context.CancelFunc
	timeline   *chat.Timeline
	tombstones map[string]struct{}
	chatSub    *chat.Subscription
	modSub     *realtime.Subscription
	presence   *presence.Handle
	moderator  bool
	live       bool
	timeout    *domain.Timeout
	coolUntil  time.Time
	lastError  string
	timer      *time.Timer
	counted    bool
}

func New(deps *Deps, sink Sink, clientID string) *Session {
	return &Session{
		deps:     deps,
		sink:     sink,
		clientID: clientID,
		now:      time.Now,
		timeline: chat.NewTimeline(0),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamID returns the joined stream, if any.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// User returns the session identity.
func (s *Session) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser changes the identity. A joined session rejoins its stream so that
// presence and moderator status follow the new identity.
func (s *Session) SetUser(ctx context.Context, u User) error {
	s.mu.Lock()
	s.user = u
	streamID, joined := s.streamID, s.state != Disconnected
	s.mu.Unlock()

	if joined {
		return s.Join(ctx, streamID)
	}
	return nil
}

// resources are what a generation holds open.
type resources struct {
	cancel   context.CancelFunc
	chatSub  *chat.Subscription
	modSub   *realtime.Subscription
	presence *presence.Handle
	timer    *time.Timer
}

func (r resources) release(ctx context.Context) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.chatSub != nil {
		r.chatSub.Close()
	}
	if r.modSub != nil {
		r.modSub.Close()
	}
	if r.presence != nil {
		if err := r.presence.Leave(ctx); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("presence leave failed")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (s *Session) detachLocked() resources {
	r := resources{
		cancel:   s.cancel,
		chatSub:  s.chatSub,
		modSub:   s.modSub,
		presence: s.presence,
		timer:    s.timer,
	}
	s.cancel, s.chatSub, s.modSub, s.presence, s.timer = nil, nil, nil, nil, nil
	return r
}

// Join tears down any current stream, then subscribes to streamID and loads
// its history. Loading runs in the background; progress arrives through the
// sink as state, history and error messages.
func (s *Session) Join(ctx context.Context, streamID string) error {
	if streamID == "" {
		return ErrNotJoined
	}

	s.mu.Lock()
	old := s.detachLocked()
	s.gen++
	g := s.gen
	user := s.user

	base := log.WithStream(context.WithoutCancel(ctx), streamID, user.ID)
	genCtx, cancel := context.WithCancel(base)
	s.ctx, s.cancel = genCtx, cancel
	s.streamID = streamID
	s.state = LoadingHistory
	s.timeline = chat.NewTimeline(0)
	s.tombstones = make(map[string]struct{})
	s.moderator, s.live, s.timeout, s.coolUntil, s.lastError = false, false, nil, time.Time{}, ""
	if !s.counted {
		s.counted = true
		metrics.ActiveSessions.Inc()
	}
	s.emitStateLocked()
	s.mu.Unlock()

	old.release(ctx)
	audit.LogTarget(ctx, audit.ActionJoinStream, user.ID, streamID, "", "", "joined stream chat")

	go s.open(genCtx, g, streamID, user)
	return nil
}

// Retry reloads a stream whose history fetch failed.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Failed {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	streamID := s.streamID
	s.mu.Unlock()
	return s.Join(ctx, streamID)
}

// Leave unsubscribes from the current stream.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	old := s.detachLocked()
	s.gen++
	streamID, userID := s.streamID, s.user.ID
	s.state = Disconnected
	s.streamID = ""
	s.timeline = chat.NewTimeline(0)
	if s.counted {
		s.counted = false
		metrics.ActiveSessions.Dec()
	}
	s.emitStateLocked()
	s.mu.Unlock()

	old.release(ctx)
	audit.LogTarget(ctx, audit.ActionLeaveStream, userID, streamID, "", "", "left stream chat")
	return nil
}

// Close is Leave for a connection that is already gone.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.sink = SinkFunc(func(interface{}) error { return nil })
	s.mu.Unlock()
	_ = s.Leave(ctx)
}

// currentLocked reports whether g is still the live generation.
func (s *Session) currentLocked(g uint64) bool {
	return s.gen == g
}

func (s *Session) open(ctx context.Context, g uint64, streamID string, user User) {
	var (
		r   resources
		err error
	)

	r.chatSub, err = s.deps.Store.Subscribe(ctx, streamID, chat.Handlers{
		OnInsert: func(m *domain.ChatMessage) { s.onInsert(g, m) },
		OnUpdate: func(m *domain.ChatMessage) { s.onUpdate(g, m) },
		OnRemove: func(id string) { s.onRemove(g, id) },
	})
	if err == nil {
		r.modSub, err = s.deps.Broker.Subscribe(ctx, pubsub.ModerationChannel(streamID))
		if err == nil {
			go s.consumeModeration(g, r.modSub)
		}
	}
	if err == nil {
		entry := domain.PresenceEntry{UserID: user.ID, Username: user.Username}
		if entry.UserID == "" {
			entry.UserID = "anon:" + s.clientID
		}
		r.presence, err = s.deps.Presence.Join(ctx, streamID, entry, func(u presence.Update) { s.onPresence(g, u) })
	}

	var (
		history   []*domain.ChatMessage
		moderator bool
		timeout   *domain.Timeout
	)
	if err == nil {
		history, err = s.deps.Store.LoadHistory(ctx, streamID, s.deps.HistoryLimit)
	}
	if err == nil && user.ID != "" {
		moderator, err = s.deps.Moderation.IsModerator(ctx, streamID, user.ID)
		if err == nil {
			timeout, err = s.deps.Moderation.ActiveTimeout(ctx, streamID, user.ID)
		}
	}

	s.mu.Lock()
	if !s.currentLocked(g) {
		s.mu.Unlock()
		// Torn down or restarted while loading.
		r.release(context.WithoutCancel(ctx))
		return
	}
	s.chatSub, s.modSub, s.presence = r.chatSub, r.modSub, r.presence

	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("chat history load failed")
		s.state = Failed
		s.lastError = "Chat could not be loaded."
		s.emitLocked(domain.NewErrorMessage(domain.ErrCodeInternalError, s.lastError))
		s.emitStateLocked()
		s.mu.Unlock()
		return
	}

	for _, m := range history {
		if _, gone := s.tombstones[m.ID]; !gone {
			s.timeline.Append(m)
		}
	}
	s.tombstones = nil
	s.moderator = moderator
	s.timeout = timeout
	s.live = r.presence.Live()
	s.state = Idle

	s.emitLocked(&domain.HistoryMessage{
		Type:     domain.MsgTypeHistory,
		StreamID: streamID,
		Messages: s.timeline.Snapshot(),
	})
	s.emitStateLocked()
	s.scheduleLocked()
	s.mu.Unlock()
}

func (s *Session) onInsert(g uint64, m *domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) {
		return
	}
	if s.timeline.Append(m) && s.state.Subscribed() {
		s.emitLocked(&domain.ChatEventMessage{
			Type:     domain.MsgTypeMessageInserted,
			StreamID: s.streamID,
			Message:  m,
		})
	}
}

func (s *Session) onUpdate(g uint64, m *domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) {
		return
	}
	if s.timeline.Edit(m) && s.state.Subscribed() {
		s.emitLocked(&domain.ChatEventMessage{
			Type:     domain.MsgTypeMessageUpdated,
			StreamID: s.streamID,
			Message:  m,
		})
	}
}

func (s *Session) onRemove(g uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) {
		return
	}
	if s.tombstones != nil {
		// History not merged yet; keep the deletion from being undone.
		s.tombstones[id] = struct{}{}
	}
	if s.timeline.Remove(id) && s.state.Subscribed() {
		s.emitLocked(&domain.ChatEventMessage{
			Type:      domain.MsgTypeMessageRemoved,
			StreamID:  s.streamID,
			MessageID: id,
		})
	}
}

func (s *Session) consumeModeration(g uint64, sub *realtime.Subscription) {
	for ev := range sub.C {
		imposed, err := realtime.DecodeModeration(ev)
		if err != nil {
			metrics.DroppedEvents.WithLabelValues("malformed").Inc()
			l := log.L()
			l.Warn().Err(err).Msg("dropping moderation event")
			continue
		}
		s.onTimeout(g, imposed.Timeout)
	}
}

func (s *Session) onTimeout(g uint64, t *domain.Timeout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) || s.user.ID == "" || t.UserID != s.user.ID {
		return
	}
	if s.timeout != nil && !t.ExpiresAt.After(s.timeout.ExpiresAt) {
		return
	}
	s.timeout = t
	v := moderation.TimedOut(t, s.now())
	s.emitLocked(notice(command.LevelError, string(moderation.ReasonTimedOut), v.Message))
	s.emitStateLocked()
	s.scheduleLocked()
}

func (s *Session) onPresence(g uint64, u presence.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) {
		return
	}
	if u.Event == presence.EventStatus {
		s.live = u.Live
		s.emitStateLocked()
		return
	}
	s.emitLocked(&domain.PresenceMessage{
		Type:     domain.MsgTypePresence,
		StreamID: s.streamID,
		Event:    u.Event,
		Count:    u.Count,
		User:     u.Entry,
	})
}

// Send submits text typed in the input. It moves the session to Sending and
// returns; the outcome arrives through the sink. Responses that come back
// after the session left or rejoined are dropped.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	if !s.state.Subscribed() {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if s.state == Sending {
		s.mu.Unlock()
		return ErrBusy
	}
	g := s.gen
	ctx, streamID, user := s.ctx, s.streamID, s.user
	s.state = Sending
	s.emitStateLocked()
	s.mu.Unlock()

	go s.submit(context.WithoutCancel(ctx), g, streamID, user, text)
	return nil
}

func (s *Session) submit(ctx context.Context, g uint64, streamID string, user User, text string) {
	notify := command.NotifierFunc(func(level, code, message string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.currentLocked(g) {
			s.emitLocked(notice(level, code, message))
		}
	})
	out, err := s.deps.Submitter.Submit(ctx, user.ID, streamID, text, notify)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(g) {
		l := log.Ctx(ctx)
		l.Debug().Msg("discarding send result for a stale session")
		return
	}
	if s.state == Sending {
		s.state = Idle
	}

	switch {
	case err != nil:
		s.emitLocked(sendErrorNotice(ctx, err))
	case out.Command || out.Message != nil:
	case !out.Verdict.Allowed:
		v := out.Verdict
		switch v.Reason {
		case moderation.ReasonRateLimited:
			s.coolUntil = s.now().Add(v.RetryAfter)
		case moderation.ReasonTimedOut:
			s.timeout = v.Timeout
		}
		s.emitLocked(notice(command.LevelError, string(v.Reason), v.Message))
	}
	s.emitStateLocked()
	s.scheduleLocked()
}

func sendErrorNotice(ctx context.Context, err error) *domain.NoticeMessage {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return notice(command.LevelError, command.CodePermissionDenied, "Log in to chat.")
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong), errors.Is(err, ErrStreamOffline):
		return notice(command.LevelError, "invalid_message", capitalize(err.Error())+".")
	default:
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("message send failed")
		return notice(command.LevelError, "send_failed", "Your message could not be sent.")
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// Moderate applies a moderator menu action against targetID.
func (s *Session) Moderate(ctx context.Context, action, targetID string, seconds int) error {
	s.mu.Lock()
	if !s.state.Subscribed() {
		s.mu.Unlock()
		return ErrNotJoined
	}
	g, streamID, user, isMod := s.gen, s.streamID, s.user, s.moderator
	s.mu.Unlock()

	var n *domain.NoticeMessage
	switch {
	case !isMod:
		n = notice(command.LevelError, command.CodePermissionDenied, "You are not a moderator of this chat.")
	case action == "ban":
		_, err := s.deps.Moderation.Ban(ctx, streamID, user.ID, targetID)
		n = moderationNotice(ctx, err, "User banned.")
	case action == "timeout":
		d := time.Duration(seconds) * time.Second
		_, err := s.deps.Moderation.Timeout(ctx, streamID, user.ID, targetID, d)
		n = moderationNotice(ctx, err, "User timed out for "+d.String()+".")
	default:
		n = notice(command.LevelError, command.CodeUsage, "Unknown moderation action.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(g) {
		s.emitLocked(n)
	}
	return nil
}

func moderationNotice(ctx context.Context, err error, ok string) *domain.NoticeMessage {
	switch {
	case err == nil:
		return notice(command.LevelInfo, command.CodeOK, ok)
	case errors.Is(err, moderation.ErrNotModerator):
		return notice(command.LevelError, command.CodePermissionDenied, "You are not a moderator of this chat.")
	case errors.Is(err, moderation.ErrInvalidTarget), errors.Is(err, moderation.ErrInvalidDuration):
		return notice(command.LevelError, command.CodeUsage, capitalize(err.Error())+".")
	default:
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("moderation action failed")
		return notice(command.LevelError, command.CodeFailed, "Moderation action failed. Please try again.")
	}
}

// DeleteMessage soft-deletes messageID as the session user.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if !s.state.Subscribed() {
		s.mu.Unlock()
		return ErrNotJoined
	}
	g, streamID, user := s.gen, s.streamID, s.user
	s.mu.Unlock()

	var n *domain.NoticeMessage
	if user.ID == "" {
		n = notice(command.LevelError, command.CodePermissionDenied, "Log in to delete messages.")
	} else if err := s.deps.Store.SoftDelete(ctx, streamID, messageID, user.ID); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			n = notice(command.LevelError, command.CodeUsage, "That message does not exist.")
		} else {
			n = moderationNotice(ctx, err, "")
		}
	}

	if n == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(g) {
		s.emitLocked(n)
	}
	return nil
}

func notice(level, code, message string) *domain.NoticeMessage {
	return &domain.NoticeMessage{Type: domain.MsgTypeNotice, Level: level, Code: code, Message: message}
}

func (s *Session) emitLocked(msg interface{}) {
	if err := s.sink.Send(msg); err != nil {
		l := log.L()
		l.Debug().Err(err).Str(log.FieldClientID, s.clientID).Msg("session sink send failed")
	}
}

func (s *Session) emitStateLocked() {
	s.emitLocked(&domain.StateMessage{
		Type:     domain.MsgTypeState,
		StreamID: s.streamID,
		View:     s.viewLocked(false),
	})
}

// scheduleLocked arranges a state push when the current timeout or cooldown
// ends, so the input re-enables without client polling.
func (s *Session) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	now := s.now()
	var wait time.Duration
	if left := s.cooldownLocked(now); left > 0 {
		wait = left
	}
	if s.timeout != nil {
		if left := s.timeout.Remaining(now); left > 0 && left < 24*time.Hour && (wait == 0 || left < wait) {
			wait = left
		}
	}
	if wait <= 0 {
		return
	}
	g := s.gen
	s.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.currentLocked(g) && s.state.Subscribed() {
			s.emitStateLocked()
			s.scheduleLocked()
		}
	})
}
