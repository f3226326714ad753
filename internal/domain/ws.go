package domain

// WebSocket message types from client.
const (
	MsgTypeAuth          = "auth"
	MsgTypeJoinStream    = "join_stream"
	MsgTypeSendMessage   = "send_message"
	MsgTypeRetryHistory  = "retry_history"
	MsgTypeDeleteMessage = "delete_message"
	MsgTypeModerate      = "moderate"
	MsgTypeLeaveStream   = "leave_stream"
	MsgTypePing          = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResult      = "auth_result"
	MsgTypeState           = "state"
	MsgTypeHistory         = "history"
	MsgTypeMessageInserted = "message_inserted"
	MsgTypeMessageUpdated  = "message_updated"
	MsgTypeMessageRemoved  = "message_removed"
	MsgTypePresence        = "presence"
	MsgTypeNotice          = "notice"
	MsgTypeError           = "error"
	MsgTypePong            = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeNotInStream   = "NOT_IN_STREAM"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type JoinStreamMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type SendMessageMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type DeleteMessageMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ModerateMessage carries a moderator menu action: "timeout" with
// DurationSeconds, or "ban".
type ModerateMessage struct {
	Type            string `json:"type"`
	Action          string `json:"action"`
	UserID          string `json:"user_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Server -> Client messages

type AuthResultMessage struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type StateMessage struct {
	Type     string      `json:"type"`
	StreamID string      `json:"stream_id,omitempty"`
	View     interface{} `json:"view"`
}

type HistoryMessage struct {
	Type     string         `json:"type"`
	StreamID string         `json:"stream_id"`
	Messages []*ChatMessage `json:"messages"`
}

type ChatEventMessage struct {
	Type      string       `json:"type"`
	StreamID  string       `json:"stream_id"`
	Message   *ChatMessage `json:"message,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
}

// PresenceMessage reports a presence change. User is set for join/leave.
type PresenceMessage struct {
	Type     string         `json:"type"`
	StreamID string         `json:"stream_id"`
	Event    string         `json:"event"`
	Count    int            `json:"count"`
	User     *PresenceEntry `json:"user,omitempty"`
}

// NoticeMessage is a transient notification (command results, rejections).
type NoticeMessage struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
