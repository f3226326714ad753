// Package command intercepts prefixed chat input and runs it as a command.
// Prefixed input is never persisted as a chat message.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/beech80/clipt-sub000/internal/audit"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/pkg/log"
)

// Notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notice codes.
const (
	CodeOK               = "command_ok"
	CodeUsage            = "usage"
	CodeUnknownCommand   = "unknown_command"
	CodePermissionDenied = "permission_denied"
	CodeFailed           = "command_failed"
)

// Notifier delivers a transient notice to the user who typed the command.
type Notifier interface {
	Notify(level, code, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level, code, message string)

func (f NotifierFunc) Notify(level, code, message string) { f(level, code, message) }

// Moderator is the moderation surface commands drive.
type Moderator interface {
	Timeout(ctx context.Context, streamID, moderatorID, targetID string, d time.Duration) (*domain.Timeout, error)
	Ban(ctx context.Context, streamID, moderatorID, targetID string) (*domain.Timeout, error)
	Grant(ctx context.Context, streamID, ownerID, targetID string) error
}

// MessageDeleter soft-deletes a message on behalf of actorID.
type MessageDeleter interface {
	SoftDelete(ctx context.Context, streamID, messageID, actorID string) error
}

// UserLookup resolves a username typed in a command.
type UserLookup interface {
	ByUsername(ctx context.Context, username string) (*domain.Profile, error)
}

type invocation struct {
	userID   string
	streamID string
	args     []string
}

type handler struct {
	usage string
	help  string
	run   func(ctx context.Context, inv invocation) (string, error)
}

// Processor dispatches prefixed input to its command handlers.
type Processor struct {
	prefix         string
	defaultTimeout time.Duration
	mod            Moderator
	messages       MessageDeleter
	users          UserLookup
	commands       map[string]handler
}

func NewProcessor(prefix string, defaultTimeout time.Duration, mod Moderator, messages MessageDeleter, users UserLookup) *Processor {
	if prefix == "" {
		prefix = "/"
	}
	p := &Processor{
		prefix:         prefix,
		defaultTimeout: defaultTimeout,
		mod:            mod,
		messages:       messages,
		users:          users,
	}
	p.commands = map[string]handler{
		"timeout": {usage: "timeout <user> [seconds]", help: "stop a user from chatting for a while", run: p.timeout},
		"ban":     {usage: "ban <user>", help: "stop a user from chatting", run: p.ban},
		"delete":  {usage: "delete <message_id>", help: "remove a message", run: p.delete},
		"mod":     {usage: "mod <user>", help: "make a user a moderator (owner only)", run: p.grant},
		"help":    {usage: "help", help: "list commands", run: p.help},
	}
	return p
}

// IsCommand reports whether text would be handled as a command.
func (p *Processor) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), p.prefix)
}

// Process runs text as a command when it carries the prefix. It returns true
// whenever the prefix is present, including for unknown commands and failed
// backend calls; those outcomes are reported through notify.
func (p *Processor) Process(ctx context.Context, text, userID, streamID string, notify Notifier) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, p.prefix) {
		return false
	}
	if notify == nil {
		notify = NotifierFunc(func(string, string, string) {})
	}

	// The name must follow the prefix directly; "/ timeout" names nothing.
	rest := strings.TrimPrefix(text, p.prefix)
	var name string
	var args []string
	if fields := strings.Fields(rest); len(fields) > 0 && strings.IndexFunc(rest, unicode.IsSpace) != 0 {
		name = strings.ToLower(fields[0])
		args = fields[1:]
	}

	h, ok := p.commands[name]
	if !ok {
		metrics.Commands.WithLabelValues("unknown", "unknown").Inc()
		notify.Notify(LevelError, CodeUnknownCommand,
			fmt.Sprintf("Unknown command %q. Type %shelp for a list.", p.prefix+name, p.prefix))
		return true
	}

	if userID == "" && name != "help" {
		metrics.Commands.WithLabelValues(name, "denied").Inc()
		notify.Notify(LevelError, CodePermissionDenied, "Log in to use chat commands.")
		return true
	}

	msg, err := h.run(ctx, invocation{userID: userID, streamID: streamID, args: args})
	if err != nil {
		level, code, notice := p.describe(name, h, err)
		metrics.Commands.WithLabelValues(name, code).Inc()
		if code == CodeFailed {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldCommand, name).Str(log.FieldStreamID, streamID).Msg("command failed")
		}
		notify.Notify(level, code, notice)
		return true
	}

	metrics.Commands.WithLabelValues(name, "ok").Inc()
	audit.LogTarget(ctx, audit.ActionCommand, userID, streamID, "", name, "command executed")
	notify.Notify(LevelInfo, CodeOK, msg)
	return true
}

var errUsage = errors.New("usage")

type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func (p *Processor) describe(name string, h handler, err error) (level, code, text string) {
	var ue *userError
	switch {
	case errors.Is(err, errUsage):
		return LevelError, CodeUsage, "Usage: " + p.prefix + h.usage
	case errors.Is(err, moderation.ErrNotModerator):
		return LevelError, CodePermissionDenied, "You are not a moderator of this chat."
	case errors.Is(err, moderation.ErrNotOwner):
		return LevelError, CodePermissionDenied, "Only the broadcaster can do that."
	case errors.Is(err, moderation.ErrInvalidTarget):
		return LevelError, CodePermissionDenied, "You cannot moderate that user."
	case errors.As(err, &ue):
		return LevelError, CodeUsage, ue.msg
	default:
		return LevelError, CodeFailed, fmt.Sprintf("%s%s failed. Please try again.", p.prefix, name)
	}
}

// target resolves "@name", "name" or a raw user id.
func (p *Processor) target(ctx context.Context, arg string) (string, string, error) {
	name := strings.TrimPrefix(arg, "@")
	if name == "" {
		return "", "", errUsage
	}
	if p.users != nil {
		prof, err := p.users.ByUsername(ctx, name)
		if err == nil {
			return prof.ID, prof.Username, nil
		}
		if !errors.Is(err, repository.ErrProfileNotFound) {
			return "", "", err
		}
		if strings.HasPrefix(arg, "@") {
			return "", "", &userError{msg: fmt.Sprintf("No user named %s.", name)}
		}
	}
	return name, name, nil
}

func (p *Processor) timeout(ctx context.Context, inv invocation) (string, error) {
	if len(inv.args) < 1 || len(inv.args) > 2 {
		return "", errUsage
	}
	d := p.defaultTimeout
	if len(inv.args) == 2 {
		secs, err := strconv.Atoi(inv.args[1])
		if err != nil || secs <= 0 {
			return "", errUsage
		}
		d = time.Duration(secs) * time.Second
	}
	id, label, err := p.target(ctx, inv.args[0])
	if err != nil {
		return "", err
	}
	if _, err := p.mod.Timeout(ctx, inv.streamID, inv.userID, id, d); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s has been timed out for %s.", label, d), nil
}

func (p *Processor) ban(ctx context.Context, inv invocation) (string, error) {
	if len(inv.args) != 1 {
		return "", errUsage
	}
	id, label, err := p.target(ctx, inv.args[0])
	if err != nil {
		return "", err
	}
	if _, err := p.mod.Ban(ctx, inv.streamID, inv.userID, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s has been banned.", label), nil
}

func (p *Processor) delete(ctx context.Context, inv invocation) (string, error) {
	if len(inv.args) != 1 {
		return "", errUsage
	}
	if err := p.messages.SoftDelete(ctx, inv.streamID, inv.args[0], inv.userID); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return "", &userError{msg: "That message does not exist."}
		}
		return "", err
	}
	return "Message deleted.", nil
}

func (p *Processor) grant(ctx context.Context, inv invocation) (string, error) {
	if len(inv.args) != 1 {
		return "", errUsage
	}
	id, label, err := p.target(ctx, inv.args[0])
	if err != nil {
		return "", err
	}
	if err := p.mod.Grant(ctx, inv.streamID, inv.userID, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is now a moderator.", label), nil
}

func (p *Processor) help(ctx context.Context, inv invocation) (string, error) {
	names := make([]string, 0, len(p.commands))
	for name := range p.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		h := p.commands[name]
		lines = append(lines, fmt.Sprintf("%s%s - %s", p.prefix, h.usage, h.help))
	}
	return strings.Join(lines, "\n"), nil
}
