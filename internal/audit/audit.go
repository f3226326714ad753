// Package audit writes structured audit entries for chat and moderation
// actions through the context logger.
package audit

import (
	"context"

	"github.com/beech80/clipt-sub000/pkg/log"
)

const (
	ActionAuth          = "chat.auth"
	ActionAuthFailed    = "chat.auth_failed"
	ActionJoinStream    = "chat.join_stream"
	ActionLeaveStream   = "chat.leave_stream"
	ActionSendMessage   = "chat.send_message"
	ActionDeleteMessage = "chat.delete_message"
	ActionEditMessage   = "chat.edit_message"
	ActionCommand       = "chat.command"

	ActionTimeout      = "moderation.timeout"
	ActionBan          = "moderation.ban"
	ActionGrantMod     = "moderation.grant"
	ActionStreamStatus = "stream.status"
)

const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, userID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit entry for an action userID took against targetID.
func LogTarget(ctx context.Context, action, userID, streamID, targetID, detail, msg string) {
	l := log.Ctx(ctx)
	ev := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(log.FieldStreamID, streamID).
		Str(FieldTargetID, targetID)
	if detail != "" {
		ev = ev.Str(FieldDetail, detail)
	}
	ev.Msg(msg)
}
