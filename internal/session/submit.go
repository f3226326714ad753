package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/beech80/clipt-sub000/internal/chat"
	"github.com/beech80/clipt-sub000/internal/command"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/pkg/log"
)

var (
	ErrUnauthenticated = errors.New("log in to chat")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrStreamOffline   = errors.New("chat is closed while the stream is offline")
	ErrCommandEdit     = errors.New("an edit cannot be a command")
)

// LiveChecker reports whether a stream is broadcasting.
type LiveChecker interface {
	IsLive(ctx context.Context, streamID string) (bool, error)
}

// Submitter is the send path shared by WebSocket sessions and the HTTP API:
// command branch, then the send gate, then persistence.
type Submitter struct {
	commands *command.Processor
	gate     *moderation.Gate
	store    *chat.Store
	live     LiveChecker
	maxLen   int
}

// NewSubmitter builds the send path. live may be nil to accept messages
// regardless of stream status.
func NewSubmitter(commands *command.Processor, gate *moderation.Gate, store *chat.Store, live LiveChecker, maxLen int) *Submitter {
	return &Submitter{commands: commands, gate: gate, store: store, live: live, maxLen: maxLen}
}

// Outcome describes what happened to submitted text. Exactly one of Command,
// a refused Verdict or Message applies.
type Outcome struct {
	Command bool
	Verdict moderation.Verdict
	Message *domain.ChatMessage
}

// Submit handles text typed by userID in streamID. Command results are
// reported through notify. Policy refusals come back in Outcome.Verdict,
// other failures as errors.
func (s *Submitter) Submit(ctx context.Context, userID, streamID, text string, notify command.Notifier) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if s.commands.Process(ctx, text, userID, streamID, notify) {
		return Outcome{Command: true}, nil
	}
	if userID == "" {
		return Outcome{}, ErrUnauthenticated
	}
	if err := s.check(ctx, streamID, text); err != nil {
		return Outcome{}, err
	}

	v, err := s.gate.CanSend(ctx, userID, streamID, text)
	if err != nil {
		return Outcome{}, fmt.Errorf("send check: %w", err)
	}
	if !v.Allowed {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldReason, string(v.Reason)).Str(log.FieldStreamID, streamID).Msg("message refused")
		return Outcome{Verdict: v}, nil
	}

	m, err := s.store.Send(ctx, streamID, userID, v.Body)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Verdict: v, Message: m}, nil
}

// Edit rewrites the author's message. The new body passes the same gate as
// a new message.
func (s *Submitter) Edit(ctx context.Context, userID, streamID, messageID, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if userID == "" {
		return Outcome{}, ErrUnauthenticated
	}
	if s.commands.IsCommand(text) {
		return Outcome{}, ErrCommandEdit
	}
	if err := s.check(ctx, streamID, text); err != nil {
		return Outcome{}, err
	}

	v, err := s.gate.CanSend(ctx, userID, streamID, text)
	if err != nil {
		return Outcome{}, fmt.Errorf("send check: %w", err)
	}
	if !v.Allowed {
		return Outcome{Verdict: v}, nil
	}
	m, err := s.store.Edit(ctx, streamID, messageID, userID, v.Body)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Verdict: v, Message: m}, nil
}

func (s *Submitter) check(ctx context.Context, streamID, text string) error {
	if s.maxLen > 0 && utf8.RuneCountInString(text) > s.maxLen {
		return ErrMessageTooLong
	}
	if s.live != nil {
		live, err := s.live.IsLive(ctx, streamID)
		if err != nil {
			return fmt.Errorf("live check: %w", err)
		}
		if !live {
			return ErrStreamOffline
		}
	}
	return nil
}

// Gate exposes the send gate for local cooldown queries.
func (s *Submitter) Gate() *moderation.Gate {
	return s.gate
}
