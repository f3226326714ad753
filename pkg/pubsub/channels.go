package pubsub

import "fmt"

// Channel naming conventions for per-stream realtime channels.
// Every channel has the shape {prefix}:stream:{stream_id}:{kind}.
const (
	// Row changes on the chat message relation.
	ChannelChatChanges = "chat:stream:%s:changes"

	// Presence diffs and live status.
	ChannelPresence = "presence:stream:%s:events"

	// Moderation actions (timeouts, bans).
	ChannelModeration = "moderation:stream:%s:events"
)

// Event types on the chat changes channel.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Event types on the presence channel.
const (
	EventPresenceSync  = "sync"
	EventPresenceJoin  = "join"
	EventPresenceLeave = "leave"
	EventStreamStatus  = "status"
)

// Event types on the moderation channel.
const (
	EventTimeout = "timeout"
)

// ChatChangesChannel returns the change-feed channel for a stream's messages.
func ChatChangesChannel(streamID string) string {
	return fmt.Sprintf(ChannelChatChanges, streamID)
}

// PresenceChannel returns the presence channel for a stream.
func PresenceChannel(streamID string) string {
	return fmt.Sprintf(ChannelPresence, streamID)
}

// ModerationChannel returns the moderation channel for a stream.
func ModerationChannel(streamID string) string {
	return fmt.Sprintf(ChannelModeration, streamID)
}
