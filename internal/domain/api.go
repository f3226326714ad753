package domain

// HTTP request bodies.

type PostMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

type ImposeTimeoutRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	DurationSeconds int    `json:"duration_seconds"`
	Ban             bool   `json:"ban"`
}

type GrantModeratorRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type EmoteUploadRequest struct {
	Code        string `json:"code" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

type SetLiveRequest struct {
	Live *bool `json:"live" binding:"required"`
}

// Notice is a command result returned over HTTP.
type Notice struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceSummary is the public viewer list of a stream.
type PresenceSummary struct {
	StreamID string          `json:"stream_id"`
	Live     bool            `json:"live"`
	Count    int             `json:"count"`
	Viewers  []PresenceEntry `json:"viewers"`
}

type LiveStream struct {
	StreamID string `json:"stream_id"`
	Viewers  int    `json:"viewers"`
}
