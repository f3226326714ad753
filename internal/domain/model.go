package domain

import "time"

// MessageModel is the GORM model for the chat_messages table.
type MessageModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	StreamID    string    `gorm:"type:varchar(64);not null;index:idx_chat_messages_stream_created,priority:1"`
	UserID      string    `gorm:"type:varchar(64);not null;index"`
	Message     string    `gorm:"type:text;not null"`
	IsDeleted   bool      `gorm:"not null;default:false"`
	IsCommand   bool      `gorm:"not null;default:false"`
	CommandType string    `gorm:"type:varchar(32)"`
	CreatedAt   time.Time `gorm:"not null;index:idx_chat_messages_stream_created,priority:2"`
	EditedAt    *time.Time
}

func (MessageModel) TableName() string {
	return "chat_messages"
}

// ToDomain converts MessageModel to domain ChatMessage. Username is left for
// the profile join.
func (m *MessageModel) ToDomain() *ChatMessage {
	return &ChatMessage{
		ID:          m.ID,
		StreamID:    m.StreamID,
		UserID:      m.UserID,
		Body:        m.Message,
		CreatedAt:   m.CreatedAt.UTC(),
		Deleted:     m.IsDeleted,
		IsCommand:   m.IsCommand,
		CommandType: m.CommandType,
		EditedAt:    m.EditedAt,
	}
}

// MessageToModel converts domain ChatMessage to MessageModel.
func MessageToModel(m *ChatMessage) *MessageModel {
	return &MessageModel{
		ID:          m.ID,
		StreamID:    m.StreamID,
		UserID:      m.UserID,
		Message:     m.Body,
		IsDeleted:   m.Deleted,
		IsCommand:   m.IsCommand,
		CommandType: m.CommandType,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
	}
}

// ProfileModel is the GORM model for the profiles table.
type ProfileModel struct {
	ID          string    `gorm:"type:varchar(64);primaryKey"`
	Username    string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	DisplayName string    `gorm:"type:varchar(100)"`
	AvatarURL   string    `gorm:"type:varchar(500)"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (ProfileModel) TableName() string {
	return "profiles"
}

func (m *ProfileModel) ToDomain() *Profile {
	return &Profile{
		ID:          m.ID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
	}
}

// TimeoutModel is the GORM model for the chat_timeouts table.
type TimeoutModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	StreamID    string    `gorm:"type:varchar(64);not null;index:idx_chat_timeouts_target,priority:1"`
	UserID      string    `gorm:"type:varchar(64);not null;index:idx_chat_timeouts_target,priority:2"`
	ModeratorID string    `gorm:"type:varchar(64);not null"`
	ExpiresAt   time.Time `gorm:"not null;index:idx_chat_timeouts_target,priority:3"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (TimeoutModel) TableName() string {
	return "chat_timeouts"
}

func (m *TimeoutModel) ToDomain() *Timeout {
	return &Timeout{
		ID:          m.ID,
		StreamID:    m.StreamID,
		UserID:      m.UserID,
		ModeratorID: m.ModeratorID,
		ExpiresAt:   m.ExpiresAt.UTC(),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func TimeoutToModel(t *Timeout) *TimeoutModel {
	return &TimeoutModel{
		ID:          t.ID,
		StreamID:    t.StreamID,
		UserID:      t.UserID,
		ModeratorID: t.ModeratorID,
		ExpiresAt:   t.ExpiresAt,
		CreatedAt:   t.CreatedAt,
	}
}

// ModeratorModel is the GORM model for the stream_moderators table.
type ModeratorModel struct {
	StreamID  string    `gorm:"type:varchar(64);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);primaryKey"`
	GrantedBy string    `gorm:"type:varchar(64)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ModeratorModel) TableName() string {
	return "stream_moderators"
}

func (m *ModeratorModel) ToDomain() *ModeratorGrant {
	return &ModeratorGrant{
		StreamID:  m.StreamID,
		UserID:    m.UserID,
		GrantedBy: m.GrantedBy,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// FilterRuleModel is the GORM model for the chat_filter_rules table.
type FilterRuleModel struct {
	ID       uint   `gorm:"primaryKey"`
	StreamID string `gorm:"type:varchar(64);index"`
	Pattern  string `gorm:"type:varchar(200);not null"`
	Action   string `gorm:"type:varchar(10);not null;default:'mask'"`
}

func (FilterRuleModel) TableName() string {
	return "chat_filter_rules"
}

func (m *FilterRuleModel) ToDomain() *FilterRule {
	return &FilterRule{
		ID:       m.ID,
		StreamID: m.StreamID,
		Pattern:  m.Pattern,
		Action:   FilterAction(m.Action),
	}
}

// StreamModel is the GORM model for the streams table. Only ownership is
// read here; the broadcaster always moderates their own stream.
type StreamModel struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	OwnerID   string    `gorm:"type:varchar(64);not null;index"`
	Title     string    `gorm:"type:varchar(200)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (StreamModel) TableName() string {
	return "streams"
}

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&StreamModel{},
		&MessageModel{},
		&ProfileModel{},
		&TimeoutModel{},
		&ModeratorModel{},
		&FilterRuleModel{},
	}
}
