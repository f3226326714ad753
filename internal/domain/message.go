package domain

import "time"

// UnknownAuthor is shown when an author's profile cannot be resolved.
const UnknownAuthor = "Unknown"

// ChatMessage is a chat line in a stream. Only Deleted and Body change after
// creation.
type ChatMessage struct {
	ID          string     `json:"id"`
	StreamID    string     `json:"stream_id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username,omitempty"`
	Body        string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	Deleted     bool       `json:"is_deleted"`
	IsCommand   bool       `json:"is_command"`
	CommandType string     `json:"command_type,omitempty"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

// Before reports whether m sorts before o: creation time, then id.
func (m *ChatMessage) Before(o *ChatMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Visible reports whether clients may display the message.
func (m *ChatMessage) Visible() bool {
	return !m.Deleted
}

// Profile is the public author data joined onto messages.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name returns the label to render for the profile.
func (p *Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}
