package domain

import "time"

// Timeout restricts a user from sending in a stream until ExpiresAt.
// Timeouts are never deleted; they lapse.
type Timeout struct {
	ID          string    `json:"id"`
	StreamID    string    `json:"stream_id"`
	UserID      string    `json:"user_id"`
	ModeratorID string    `json:"moderator_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActiveAt reports whether the timeout still applies at now. A timeout whose
// expiry equals now is released.
func (t *Timeout) ActiveAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// Remaining returns the time left at now, or zero once released.
func (t *Timeout) Remaining(now time.Time) time.Duration {
	if !t.ActiveAt(now) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// ModeratorGrant records that UserID may moderate StreamID.
type ModeratorGrant struct {
	StreamID  string    `json:"stream_id"`
	UserID    string    `json:"user_id"`
	GrantedBy string    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FilterAction is what a matching filter rule does to a message.
type FilterAction string

const (
	FilterMask  FilterAction = "mask"
	FilterBlock FilterAction = "block"
)

// FilterRule matches a word or phrase case-insensitively. An empty StreamID
// applies to every stream.
type FilterRule struct {
	ID       uint         `json:"id"`
	StreamID string       `json:"stream_id,omitempty"`
	Pattern  string       `json:"pattern"`
	Action   FilterAction `json:"action"`
}
