package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beech80/clipt-sub000/internal/audit"
	"github.com/beech80/clipt-sub000/internal/config"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/hub"
	"github.com/beech80/clipt-sub000/internal/session"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/middleware"
)

// WSHandler upgrades /chat/ws connections and routes their frames to the
// connection's chat session.
type WSHandler struct {
	hub       *hub.Hub
	deps      *session.Deps
	validator middleware.TokenValidator
	wsCfg     config.WebSocketConfig
	upgrader  websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, deps *session.Deps, validator middleware.TokenValidator, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:       h,
		deps:      deps,
		validator: validator,
		wsCfg:     wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	client.Session = session.New(h.deps, client.Sink(), client.ID)

	logger := l.With().Str(log.FieldClientID, client.ID).Logger()
	ctx := log.WithLogger(context.Background(), logger)

	// A token in the query string authenticates before the first frame.
	if token := r.URL.Query().Get("token"); token != "" {
		h.authenticate(ctx, client, token)
	}

	h.hub.Register(client)

	go client.WritePump()
	go func() {
		client.ReadPump(func(c *hub.Client, message []byte) {
			h.handleMessage(ctx, c, message)
		})
		client.Session.Close(ctx)
	}()
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	s := client.Session
	l := log.Ctx(ctx)

	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid auth message"))
			return
		}
		h.authenticate(ctx, client, msg.Token)

	case domain.MsgTypeJoinStream:
		var msg domain.JoinStreamMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.StreamID == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid join_stream message"))
			return
		}
		if err := s.Join(ctx, msg.StreamID); err != nil {
			l.Warn().Err(err).Str(log.FieldStreamID, msg.StreamID).Msg("join stream failed")
		}

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid send_message"))
			return
		}
		h.report(client, s.Send(msg.Message))

	case domain.MsgTypeRetryHistory:
		if err := s.Retry(ctx); errors.Is(err, session.ErrInvalidTransition) {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Nothing to retry"))
		}

	case domain.MsgTypeDeleteMessage:
		var msg domain.DeleteMessageMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.MessageID == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid delete_message"))
			return
		}
		h.report(client, s.DeleteMessage(ctx, msg.MessageID))

	case domain.MsgTypeModerate:
		var msg domain.ModerateMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.UserID == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid moderate message"))
			return
		}
		h.report(client, s.Moderate(ctx, msg.Action, msg.UserID, msg.DurationSeconds))

	case domain.MsgTypeLeaveStream:
		if err := s.Leave(ctx); err != nil {
			l.Warn().Err(err).Msg("leave stream failed")
		}

	case domain.MsgTypePing:
		client.SendMessage(map[string]string{"type": domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}

// report turns a synchronous session refusal into an error frame.
func (h *WSHandler) report(client *hub.Client, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotJoined):
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeNotInStream, "Join a stream first"))
	case errors.Is(err, session.ErrBusy):
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Wait for the previous message to send"))
	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "Request failed"))
	}
}

func (h *WSHandler) authenticate(ctx context.Context, client *hub.Client, token string) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		audit.Log(ctx, audit.ActionAuthFailed, "", "authentication failed")
		client.SendMessage(&domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Message: err.Error(),
		})
		return
	}

	client.SendMessage(&domain.AuthResultMessage{
		Type:     domain.MsgTypeAuthResult,
		Success:  true,
		UserID:   claims.UserID,
		Username: claims.Username,
	})
	audit.Log(ctx, audit.ActionAuth, claims.UserID, "client authenticated")

	u := session.User{ID: claims.UserID, Username: claims.Username}
	if err := client.Session.SetUser(ctx, u); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("rejoin after auth failed")
	}
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat/ws", h.HandleWebSocket)
}
