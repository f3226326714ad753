package session

import (
	"math"
	"time"

	"github.com/beech80/clipt-sub000/internal/domain"
)

// Input gate reasons, in the order they take precedence.
const (
	InputUnavailable   = "unavailable"
	InputSending       = "sending"
	InputTimedOut      = "timed_out"
	InputRateLimited   = "rate_limited"
	InputOffline       = "offline"
	InputLoginRequired = "login_required"
)

// InputGate tells the client whether the message box accepts input.
type InputGate struct {
	Enabled           bool   `json:"enabled"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ModerationMenu lists the actions offered to moderators.
type ModerationMenu struct {
	TimeoutPresets []int `json:"timeout_presets"`
	BanSeconds     int   `json:"ban_seconds"`
}

// View is the render state of a session.
type View struct {
	StreamID  string                `json:"stream_id,omitempty"`
	State     string                `json:"state"`
	Live      bool                  `json:"live"`
	Viewers   int                   `json:"viewers"`
	Input     InputGate             `json:"input"`
	Moderator bool                  `json:"moderator"`
	Menu      *ModerationMenu       `json:"menu,omitempty"`
	Error     string                `json:"error,omitempty"`
	Messages  []*domain.ChatMessage `json:"messages,omitempty"`
}

// View returns the current render state including the message list.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(true)
}

func (s *Session) viewLocked(withMessages bool) View {
	v := View{
		StreamID:  s.streamID,
		State:     s.state.String(),
		Live:      s.live,
		Moderator: s.moderator,
		Input:     s.inputLocked(),
	}
	if s.state == Failed {
		v.Error = s.lastError
	}
	if s.presence != nil {
		v.Viewers = s.presence.Count()
	}
	if s.moderator {
		v.Menu = s.menu()
	}
	if withMessages && s.state.Subscribed() {
		v.Messages = s.timeline.Snapshot()
	}
	return v
}

func (s *Session) menu() *ModerationMenu {
	m := &ModerationMenu{TimeoutPresets: make([]int, 0, len(s.deps.TimeoutPresets))}
	for _, d := range s.deps.TimeoutPresets {
		m.TimeoutPresets = append(m.TimeoutPresets, int(d/time.Second))
	}
	if s.deps.Moderation != nil {
		m.BanSeconds = int(s.deps.Moderation.BanDuration() / time.Second)
	}
	return m
}

func (s *Session) inputLocked() InputGate {
	now := s.now()
	switch {
	case !s.state.Subscribed():
		return InputGate{Reason: InputUnavailable}
	case s.state == Sending:
		return InputGate{Reason: InputSending}
	}
	if s.timeout != nil {
		if left := s.timeout.Remaining(now); left > 0 {
			return InputGate{Reason: InputTimedOut, RetryAfterSeconds: seconds(left)}
		}
	}
	if left := s.cooldownLocked(now); left > 0 {
		return InputGate{Reason: InputRateLimited, RetryAfterSeconds: seconds(left)}
	}
	if s.deps.RequireLive && !s.live {
		return InputGate{Reason: InputOffline}
	}
	if s.user.ID == "" {
		return InputGate{Reason: InputLoginRequired}
	}
	return InputGate{Enabled: true}
}

func (s *Session) cooldownLocked(now time.Time) time.Duration {
	left := s.coolUntil.Sub(now)
	if s.user.ID != "" && s.deps.Submitter != nil {
		if gl := s.deps.Submitter.Gate().CooldownRemaining(s.user.ID, s.streamID); gl > left {
			left = gl
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
