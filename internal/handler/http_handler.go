package handler

import (
	"crypto/subtle"
	"errors"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beech80/clipt-sub000/internal/chat"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/emote"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/presence"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/internal/session"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/middleware"
	"github.com/beech80/clipt-sub000/pkg/response"
	"github.com/beech80/clipt-sub000/pkg/storage"
)

const internalTokenHeader = "X-Internal-Token"

// HTTPHandler serves the REST surface of the chat service.
type HTTPHandler struct {
	store          *chat.Store
	submitter      *session.Submitter
	moderation     *moderation.Service
	presence       *presence.Tracker
	emotes         *emote.Catalog
	authMiddleware *middleware.AuthMiddleware
	historyLimit   int
	internalToken  string
}

// HTTPDeps are the components behind the REST routes.
type HTTPDeps struct {
	Store          *chat.Store
	Submitter      *session.Submitter
	Moderation     *moderation.Service
	Presence       *presence.Tracker
	Emotes         *emote.Catalog
	AuthMiddleware *middleware.AuthMiddleware
	HistoryLimit   int
	InternalToken  string
}

func NewHTTPHandler(d HTTPDeps) *HTTPHandler {
	return &HTTPHandler{
		store:          d.Store,
		submitter:      d.Submitter,
		moderation:     d.Moderation,
		presence:       d.Presence,
		emotes:         d.Emotes,
		authMiddleware: d.AuthMiddleware,
		historyLimit:   d.HistoryLimit,
		internalToken:  d.InternalToken,
	}
}

// RegisterRoutes registers all routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/live", h.GetLiveStreams)

		streams := api.Group("/streams/:stream_id")
		{
			// Public routes
			streams.GET("/messages", h.GetMessages)
			streams.GET("/presence", h.GetPresence)
			streams.GET("/emotes", h.GetEmotes)

			// Protected routes
			auth := streams.Group("", h.authMiddleware.RequireAuth())
			auth.POST("/messages", h.PostMessage)
			auth.PATCH("/messages/:message_id", h.EditMessage)
			auth.DELETE("/messages/:message_id", h.DeleteMessage)
			auth.GET("/timeouts", h.ListTimeouts)
			auth.POST("/timeouts", h.ImposeTimeout)
			auth.GET("/moderators", h.ListModerators)
			auth.POST("/moderators", h.GrantModerator)
			auth.POST("/emotes/upload-url", h.EmoteUploadURL)
			auth.PUT("/emotes/:code", h.PutEmote)
			auth.DELETE("/emotes/:code", h.RemoveEmote)
		}
	}

	if h.internalToken != "" {
		internal := r.Group("/internal", h.requireInternalToken)
		internal.PUT("/streams/:stream_id/live", h.SetLive)
	}

	// Emote URLs handed out by the local storage driver resolve here.
	r.GET("/emotes/*key", h.ServeEmote)

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// GetMessages returns a page of visible history, oldest first.
func (h *HTTPHandler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	limit := h.historyLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	page, err := h.store.LoadPage(ctx, c.Param("stream_id"), c.Query("before"), limit)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			response.BadRequest(c, "unknown cursor")
			return
		}
		l.Error().Err(err).Msg("failed to load chat history")
		response.InternalError(c, "failed to load chat history")
		return
	}
	response.Success(c, page)
}

func (h *HTTPHandler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	streamID := c.Param("stream_id")

	viewers, err := h.presence.List(ctx, streamID)
	if err != nil {
		l.Error().Err(err).Msg("failed to list presence")
		response.InternalError(c, "failed to list presence")
		return
	}
	live, err := h.presence.IsLive(ctx, streamID)
	if err != nil {
		l.Error().Err(err).Msg("failed to read live status")
		response.InternalError(c, "failed to read live status")
		return
	}
	if viewers == nil {
		viewers = []domain.PresenceEntry{}
	}
	response.Success(c, domain.PresenceSummary{
		StreamID: streamID,
		Live:     live,
		Count:    len(viewers),
		Viewers:  viewers,
	})
}

// GetLiveStreams lists broadcasting streams, busiest first.
func (h *HTTPHandler) GetLiveStreams(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	ids, err := h.presence.LiveStreams(ctx)
	if err != nil {
		l.Error().Err(err).Msg("failed to list live streams")
		response.InternalError(c, "failed to list live streams")
		return
	}
	out := make([]domain.LiveStream, 0, len(ids))
	for _, id := range ids {
		n, err := h.presence.Count(ctx, id)
		if err != nil {
			l.Error().Err(err).Str(log.FieldStreamID, id).Msg("failed to count viewers")
			response.InternalError(c, "failed to count viewers")
			return
		}
		out = append(out, domain.LiveStream{StreamID: id, Viewers: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Viewers != out[j].Viewers {
			return out[i].Viewers > out[j].Viewers
		}
		return out[i].StreamID < out[j].StreamID
	})
	response.Success(c, gin.H{"streams": out})
}

func (h *HTTPHandler) GetEmotes(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	list, err := h.emotes.List(ctx, c.Param("stream_id"))
	if err != nil {
		l.Error().Err(err).Msg("failed to list emotes")
		response.InternalError(c, "failed to list emotes")
		return
	}
	response.Success(c, gin.H{"emotes": list})
}

// PostMessage runs text through the same path as the WebSocket input:
// commands are answered with notices and never stored.
func (h *HTTPHandler) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req domain.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var notices []domain.Notice
	notify := commandNotices(&notices)
	out, err := h.submitter.Submit(ctx, middleware.GetUserID(c), c.Param("stream_id"), req.Message, notify)
	if err != nil {
		h.submitError(c, err)
		return
	}
	switch {
	case out.Command:
		response.Success(c, gin.H{"command": true, "notices": notices})
	case out.Message == nil:
		rejected(c, out.Verdict)
	default:
		response.Created(c, out.Message)
	}
}

func (h *HTTPHandler) EditMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req domain.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	out, err := h.submitter.Edit(ctx, middleware.GetUserID(c), c.Param("stream_id"), c.Param("message_id"), req.Message)
	if err != nil {
		h.submitError(c, err)
		return
	}
	if out.Message == nil {
		rejected(c, out.Verdict)
		return
	}
	response.Success(c, out.Message)
}

func (h *HTTPHandler) DeleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	err := h.store.SoftDelete(ctx, c.Param("stream_id"), c.Param("message_id"), middleware.GetUserID(c))
	switch {
	case err == nil:
		response.NoContent(c)
	case errors.Is(err, repository.ErrMessageNotFound):
		response.NotFound(c, "message not found")
	case errors.Is(err, moderation.ErrNotModerator):
		response.Forbidden(c, "only the author or a moderator can delete this message")
	default:
		l.Error().Err(err).Msg("failed to delete message")
		response.InternalError(c, "failed to delete message")
	}
}

func (h *HTTPHandler) ListTimeouts(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	streamID := c.Param("stream_id")

	if !h.requireModerator(c, streamID) {
		return
	}
	timeouts, err := h.moderation.ActiveTimeouts(ctx, streamID)
	if err != nil {
		l.Error().Err(err).Msg("failed to list timeouts")
		response.InternalError(c, "failed to list timeouts")
		return
	}
	response.Success(c, gin.H{"timeouts": timeouts})
}

func (h *HTTPHandler) ImposeTimeout(c *gin.Context) {
	ctx := c.Request.Context()
	streamID := c.Param("stream_id")
	moderatorID := middleware.GetUserID(c)

	var req domain.ImposeTimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var (
		t   *domain.Timeout
		err error
	)
	if req.Ban {
		t, err = h.moderation.Ban(ctx, streamID, moderatorID, req.UserID)
	} else {
		t, err = h.moderation.Timeout(ctx, streamID, moderatorID, req.UserID, time.Duration(req.DurationSeconds)*time.Second)
	}
	if err != nil {
		moderationError(c, err)
		return
	}
	response.Created(c, t)
}

func (h *HTTPHandler) ListModerators(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	streamID := c.Param("stream_id")

	if !h.requireModerator(c, streamID) {
		return
	}
	mods, err := h.moderation.Moderators(ctx, streamID)
	if err != nil {
		l.Error().Err(err).Msg("failed to list moderators")
		response.InternalError(c, "failed to list moderators")
		return
	}
	response.Success(c, gin.H{"moderators": mods})
}

func (h *HTTPHandler) GrantModerator(c *gin.Context) {
	ctx := c.Request.Context()

	var req domain.GrantModeratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.moderation.Grant(ctx, c.Param("stream_id"), middleware.GetUserID(c), req.UserID); err != nil {
		moderationError(c, err)
		return
	}
	response.Created(c, gin.H{"user_id": req.UserID})
}

func (h *HTTPHandler) EmoteUploadURL(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	streamID := c.Param("stream_id")

	var req domain.EmoteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !h.requireModerator(c, streamID) {
		return
	}

	up, err := h.emotes.UploadURL(ctx, streamID, req.Code, req.ContentType)
	switch {
	case err == nil:
		response.Success(c, up)
	case errors.Is(err, emote.ErrInvalidCode), errors.Is(err, emote.ErrUnsupportedType):
		response.BadRequest(c, err.Error())
	case errors.Is(err, storage.ErrUploadUnsupported):
		response.Error(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "emote uploads are not available on this storage driver")
	default:
		l.Error().Err(err).Msg("failed to presign emote upload")
		response.InternalError(c, "failed to create upload url")
	}
}

// PutEmote stores the request body as a stream emote. The image type comes
// from the Content-Type header.
func (h *HTTPHandler) PutEmote(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	streamID := c.Param("stream_id")

	if !h.requireModerator(c, streamID) {
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, emote.MaxImageSize+1)
	e, err := h.emotes.Put(ctx, streamID, c.Param("code"), c.ContentType(), body)
	switch {
	case err == nil:
		response.Created(c, e)
	case errors.Is(err, emote.ErrInvalidCode), errors.Is(err, emote.ErrUnsupportedType):
		response.BadRequest(c, err.Error())
	case errors.Is(err, emote.ErrTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, "TOO_LARGE", emote.ErrTooLarge.Error())
	default:
		l.Error().Err(err).Msg("failed to store emote")
		response.InternalError(c, "failed to store emote")
	}
}

func (h *HTTPHandler) RemoveEmote(c *gin.Context) {
	ctx := c.Request.Context()
	streamID := c.Param("stream_id")

	if !h.requireModerator(c, streamID) {
		return
	}
	switch err := h.emotes.Remove(ctx, streamID, c.Param("code")); {
	case err == nil:
		response.NoContent(c)
	case errors.Is(err, emote.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, emote.ErrInvalidCode):
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to remove emote")
		response.InternalError(c, "failed to remove emote")
	}
}

func (h *HTTPHandler) ServeEmote(c *gin.Context) {
	ctx := c.Request.Context()
	rc, err := h.emotes.Open(ctx, "emotes"+c.Param("key"))
	if errors.Is(err, emote.ErrNotFound) {
		response.NotFound(c, err.Error())
		return
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to read emote")
		response.InternalError(c, "failed to read emote")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(c.Param("key")))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

// SetLive is called by the broadcast pipeline when a stream starts or ends.
func (h *HTTPHandler) SetLive(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req domain.SetLiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.presence.SetLive(ctx, c.Param("stream_id"), *req.Live); err != nil {
		l.Error().Err(err).Msg("failed to set live status")
		response.InternalError(c, "failed to set live status")
		return
	}
	response.Success(c, gin.H{"live": *req.Live})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (h *HTTPHandler) requireInternalToken(c *gin.Context) {
	got := c.GetHeader(internalTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.internalToken)) != 1 {
		response.Unauthorized(c, "invalid internal token")
		c.Abort()
		return
	}
	c.Next()
}

func (h *HTTPHandler) requireModerator(c *gin.Context, streamID string) bool {
	ctx := c.Request.Context()
	ok, err := h.moderation.IsModerator(ctx, streamID, middleware.GetUserID(c))
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("moderator check failed")
		response.InternalError(c, "moderator check failed")
		return false
	}
	if !ok {
		response.Forbidden(c, moderation.ErrNotModerator.Error())
		return false
	}
	return true
}

func (h *HTTPHandler) submitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrMessageTooLong),
		errors.Is(err, session.ErrCommandEdit):
		response.BadRequest(c, err.Error())
	case errors.Is(err, session.ErrStreamOffline):
		response.Rejected(c, http.StatusConflict, "offline", err.Error())
	case errors.Is(err, repository.ErrMessageNotFound):
		response.NotFound(c, "message not found")
	case errors.Is(err, chat.ErrNotAuthor):
		response.Forbidden(c, err.Error())
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to submit message")
		response.Unavailable(c, "message could not be sent")
	}
}

func moderationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, moderation.ErrNotModerator), errors.Is(err, moderation.ErrNotOwner):
		response.Forbidden(c, err.Error())
	case errors.Is(err, moderation.ErrInvalidDuration), errors.Is(err, moderation.ErrInvalidTarget):
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("moderation action failed")
		response.InternalError(c, "moderation action failed")
	}
}

func rejected(c *gin.Context, v moderation.Verdict) {
	if v.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int((v.RetryAfter+time.Second-1)/time.Second)))
	}
	switch v.Reason {
	case moderation.ReasonRateLimited:
		response.TooManyRequests(c, string(v.Reason), v.Message)
	case moderation.ReasonTimedOut:
		response.Rejected(c, http.StatusForbidden, string(v.Reason), v.Message)
	default:
		response.Rejected(c, http.StatusUnprocessableEntity, string(v.Reason), v.Message)
	}
}

type noticeCollector []domain.Notice

func (n *noticeCollector) Notify(level, code, message string) {
	*n = append(*n, domain.Notice{Level: level, Code: code, Message: message})
}

func commandNotices(dst *[]domain.Notice) *noticeCollector {
	return (*noticeCollector)(dst)
}
