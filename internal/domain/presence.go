package domain

import "time"

// PresenceEntry is a connected participant of a stream channel.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// StreamStatus reports whether a stream is broadcasting.
type StreamStatus struct {
	StreamID string `json:"stream_id"`
	Live     bool   `json:"live"`
}
