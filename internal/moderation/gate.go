package moderation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/metrics"
)

// Reason explains a refused send.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonTimedOut    Reason = "timed_out"
	ReasonFiltered    Reason = "filtered"
)

// Verdict is the answer to "may this user send this message now". A refusal
// is an expected outcome, not an error.
type Verdict struct {
	Allowed    bool
	Reason     Reason
	Message    string
	Body       string
	RetryAfter time.Duration
	Timeout    *domain.Timeout
}

// TimeoutChecker looks up an unexpired timeout for a user in a stream.
type TimeoutChecker interface {
	ActiveTimeout(ctx context.Context, streamID, userID string, now time.Time) (*domain.Timeout, error)
}

// Gate sequences the send checks: rate limit, then timeout, then content
// filter. After a server-side rate rejection the gate refuses the same user
// locally for the cooldown window without calling the limiter again.
type Gate struct {
	limiter  RateLimiter
	timeouts TimeoutChecker
	filter   ContentFilter
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	coolUntil map[string]time.Time
	lastSweep time.Time
}

// NewGate builds a gate. filter may be nil.
func NewGate(limiter RateLimiter, timeouts TimeoutChecker, filter ContentFilter, cooldown time.Duration) *Gate {
	return &Gate{
		limiter:   limiter,
		timeouts:  timeouts,
		filter:    filter,
		cooldown:  cooldown,
		now:       time.Now,
		coolUntil: make(map[string]time.Time),
	}
}

func cooldownKey(userID, streamID string) string {
	return streamID + "\x00" + userID
}

// CanSend runs the checks for body. A non-nil error means a check could not
// be performed; the message must not be sent.
func (g *Gate) CanSend(ctx context.Context, userID, streamID, body string) (Verdict, error) {
	if left := g.CooldownRemaining(userID, streamID); left > 0 {
		return g.reject(rateLimited(left)), nil
	}

	ok, retry, err := g.limiter.Allow(ctx, userID, streamID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		g.startCooldown(userID, streamID)
		if retry < g.cooldown {
			retry = g.cooldown
		}
		return g.reject(rateLimited(retry)), nil
	}

	now := g.now()
	t, err := g.timeouts.ActiveTimeout(ctx, streamID, userID, now)
	if err != nil {
		return Verdict{}, err
	}
	if t != nil && t.ActiveAt(now) {
		return g.reject(TimedOut(t, now)), nil
	}

	if g.filter != nil {
		res, err := g.filter.Evaluate(ctx, streamID, body)
		if err != nil {
			return Verdict{}, err
		}
		if res.Blocked {
			return g.reject(Verdict{
				Reason:  ReasonFiltered,
				Message: "Your message was blocked by the chat filter.",
				Body:    body,
			}), nil
		}
		body = res.Body
	}

	return Verdict{Allowed: true, Body: body}, nil
}

// startCooldown records a cooldown and, at most once per cooldown window,
// drops entries that have expired so users who never return don't pile up.
func (g *Gate) startCooldown(userID, streamID string) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastSweep) >= g.cooldown {
		for key, until := range g.coolUntil {
			if !now.Before(until) {
				delete(g.coolUntil, key)
			}
		}
		g.lastSweep = now
	}
	g.coolUntil[cooldownKey(userID, streamID)] = now.Add(g.cooldown)
}

func (g *Gate) cooldownEntries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.coolUntil)
}

// CooldownRemaining reports the local cooldown left for the user, without
// any remote call.
func (g *Gate) CooldownRemaining(userID, streamID string) time.Duration {
	key := cooldownKey(userID, streamID)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.coolUntil[key]
	if !ok {
		return 0
	}
	if !now.Before(until) {
		delete(g.coolUntil, key)
		return 0
	}
	return until.Sub(now)
}

func (g *Gate) reject(v Verdict) Verdict {
	metrics.SendRejections.WithLabelValues(string(v.Reason)).Inc()
	return v
}

func rateLimited(retry time.Duration) Verdict {
	return Verdict{
		Reason:     ReasonRateLimited,
		Message:    fmt.Sprintf("You are sending messages too quickly. Try again in %s.", humanize(retry)),
		RetryAfter: retry,
	}
}

// TimedOut builds the refusal for an active timeout.
func TimedOut(t *domain.Timeout, now time.Time) Verdict {
	left := t.Remaining(now)
	return Verdict{
		Reason:     ReasonTimedOut,
		Message:    fmt.Sprintf("You are timed out in this chat for %s.", humanize(left)),
		RetryAfter: left,
		Timeout:    t,
	}
}

// humanize renders a wait the way chat copy does: "12s", "4m", "3h", "200d".
func humanize(d time.Duration) string {
	switch {
	case d < time.Second:
		return "1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int((d+time.Second-1)/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int((d+time.Minute-1)/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int((d+time.Hour-1)/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
