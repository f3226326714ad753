package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/beech80/clipt-sub000/internal/chat"
	"github.com/beech80/clipt-sub000/internal/command"
	"github.com/beech80/clipt-sub000/internal/config"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/emote"
	"github.com/beech80/clipt-sub000/internal/hub"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/presence"
	"github.com/beech80/clipt-sub000/internal/profile"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/internal/session"
	"github.com/beech80/clipt-sub000/pkg/database"
	"github.com/beech80/clipt-sub000/pkg/jwt"
	"github.com/beech80/clipt-sub000/pkg/middleware"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
	"github.com/beech80/clipt-sub000/pkg/storage"
)

const internalToken = "s3cret"

type fixture struct {
	db     *gorm.DB
	engine *gin.Engine
	mux    *http.ServeMux
	jwt    *jwt.Manager
	store  storage.Storage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(&database.Config{Driver: "sqlite", FilePath: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, domain.Models()...))
	for _, p := range []domain.ProfileModel{{ID: "owner", Username: "olga"}, {ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}} {
		require.NoError(t, db.Create(&p).Error)
	}
	require.NoError(t, db.Create(&domain.StreamModel{ID: "S1", OwnerID: "owner"}).Error)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := realtime.NewBroker(pubsub.NewMemoryPubSub())
	t.Cleanup(func() { broker.Close() })
	pub := realtime.NewPublisher(broker)

	ids := idgen.NewULIDGenerator()
	mods := repository.NewGormModerationRepository(db)
	resolver := profile.NewResolver(repository.NewGormProfileRepository(db), nil, time.Minute)
	store := chat.NewStore(chat.Options{
		Repo:       repository.NewGormMessageRepository(db),
		Moderators: mods,
		Authors:    resolver,
		Broker:     broker,
		IDs:        ids,
		MaxLimit:   100,
	})
	svc := moderation.NewService(mods, pub, ids, 365*24*time.Hour)
	gate := moderation.NewGate(moderation.NewRedisRateLimiter(rdb, 3, time.Minute), mods, moderation.NewRuleFilter(mods), 10*time.Second)
	submitter := session.NewSubmitter(command.NewProcessor("/", 10*time.Minute, svc, store, resolver), gate, store, nil, 500)
	tracker := presence.NewTracker(presence.NewRedisStore(rdb), broker, pub, presence.Config{TTL: time.Minute})

	objects, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	manager, err := jwt.NewManager("test-secret", "clipt", time.Hour)
	require.NoError(t, err)

	engine := gin.New()
	NewHTTPHandler(HTTPDeps{
		Store:          store,
		Submitter:      submitter,
		Moderation:     svc,
		Presence:       tracker,
		Emotes:         emote.NewCatalog(objects, time.Minute),
		AuthMiddleware: middleware.NewAuthMiddleware(manager),
		HistoryLimit:   50,
		InternalToken:  internalToken,
	}).RegisterRoutes(engine)

	wsCfg := config.WebSocketConfig{PingInterval: time.Minute, PongWait: 2 * time.Minute, WriteWait: time.Second, MaxMessageSize: 4096}
	h := hub.NewHub(wsCfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	mux := http.NewServeMux()
	NewWSHandler(h, &session.Deps{
		Store:        store,
		Presence:     tracker,
		Broker:       broker,
		Submitter:    submitter,
		Moderation:   svc,
		HistoryLimit: 50,
	}, manager, wsCfg).RegisterRoutes(mux)

	return &fixture{db: db, engine: engine, mux: mux, jwt: manager, store: objects}
}

func (f *fixture) token(t *testing.T, userID, username string) string {
	tok, _, err := f.jwt.GenerateToken(userID, username, nil)
	require.NoError(t, err)
	return tok
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (f *fixture) messageRows(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&domain.MessageModel{}).Count(&n).Error)
	return n
}

func TestHTTP_PostAndPageMessages(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "u1", "alice")

	w, _ := f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", "", domain.PostMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, body := range []string{"one", "two", "three"} {
		w, resp := f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", alice, domain.PostMessageRequest{Message: body})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var m domain.ChatMessage
		require.NoError(t, json.Unmarshal(resp.Data, &m))
		assert.Equal(t, body, m.Body)
		assert.Equal(t, "alice", m.Username)
	}

	w, resp := f.do(t, http.MethodGet, "/api/v1/streams/S1/messages?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page chat.Page
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Body)
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Messages[0].ID, page.NextBefore)

	w, resp = f.do(t, http.MethodGet, "/api/v1/streams/S1/messages?before="+page.NextBefore, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var older chat.Page
	require.NoError(t, json.Unmarshal(resp.Data, &older))
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "one", older.Messages[0].Body)
	assert.False(t, older.HasMore)
	assert.Empty(t, older.NextBefore)

	w, _ = f.do(t, http.MethodGet, "/api/v1/streams/S1/messages?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/streams/S1/messages?before=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Fourth send in the window: rate limited with a retry hint.
	w, resp = f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", alice, domain.PostMessageRequest{Message: "four"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", resp.Error.Reason)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.EqualValues(t, 3, f.messageRows(t))
}

func TestHTTP_CommandsAreAnsweredNotStored(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "owner", "olga")

	w, resp := f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", owner, domain.PostMessageRequest{Message: "/timeout @bob 60"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Command bool            `json:"command"`
		Notices []domain.Notice `json:"notices"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.True(t, out.Command)
	require.Len(t, out.Notices, 1)
	assert.Equal(t, command.CodeOK, out.Notices[0].Code)
	assert.Zero(t, f.messageRows(t))

	bob := f.token(t, "u2", "bob")
	w, resp = f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", bob, domain.PostMessageRequest{Message: "can I talk"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "timed_out", resp.Error.Reason)
}

func TestHTTP_DeleteAndEdit(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "u1", "alice")
	bob := f.token(t, "u2", "bob")
	owner := f.token(t, "owner", "olga")

	_, resp := f.do(t, http.MethodPost, "/api/v1/streams/S1/messages", alice, domain.PostMessageRequest{Message: "helo"})
	var m domain.ChatMessage
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	path := "/api/v1/streams/S1/messages/" + m.ID

	w, _ := f.do(t, http.MethodPatch, path, bob, domain.PostMessageRequest{Message: "hijack"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, resp = f.do(t, http.MethodPatch, path, alice, domain.PostMessageRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	assert.Equal(t, "hello", m.Body)
	w, _ = f.do(t, http.MethodPatch, path, alice, domain.PostMessageRequest{Message: "/ban bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = f.do(t, http.MethodDelete, "/api/v1/streams/S1/messages/missing", owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_Moderation(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "u1", "alice")
	owner := f.token(t, "owner", "olga")

	w, _ := f.do(t, http.MethodPost, "/api/v1/streams/S1/timeouts", alice, domain.ImposeTimeoutRequest{UserID: "u2", DurationSeconds: 60})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/streams/S1/timeouts", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/streams/S1/timeouts", owner, domain.ImposeTimeoutRequest{UserID: "u2"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "a timeout needs a duration")
	w, _ = f.do(t, http.MethodPost, "/api/v1/streams/S1/timeouts", owner, domain.ImposeTimeoutRequest{UserID: "u2", Ban: true})
	assert.Equal(t, http.StatusCreated, w.Code)

	w, resp := f.do(t, http.MethodGet, "/api/v1/streams/S1/timeouts", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Timeouts []domain.Timeout `json:"timeouts"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.Timeouts, 1)
	assert.Equal(t, "u2", list.Timeouts[0].UserID)

	w, _ = f.do(t, http.MethodPost, "/api/v1/streams/S1/moderators", alice, domain.GrantModeratorRequest{UserID: "u1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/v1/streams/S1/moderators", owner, domain.GrantModeratorRequest{UserID: "u1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/streams/S1/moderators", alice, nil)
	assert.Equal(t, http.StatusOK, w.Code, "granted moderators may list")
}

func TestHTTP_LiveStatusAndPresence(t *testing.T) {
	f := newFixture(t)
	live := true

	w, _ := f.do(t, http.MethodPut, "/internal/streams/S1/live", "", domain.SetLiveRequest{Live: &live})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPut, "/internal/streams/S1/live", strings.NewReader(`{"live":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalTokenHeader, internalToken)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, resp := f.do(t, http.MethodGet, "/api/v1/streams/S1/presence", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sum domain.PresenceSummary
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.True(t, sum.Live)
	assert.Zero(t, sum.Count)
	assert.NotNil(t, sum.Viewers)

	w, resp = f.do(t, http.MethodGet, "/api/v1/live", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var liveList struct {
		Streams []domain.LiveStream `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &liveList))
	assert.Equal(t, []domain.LiveStream{{StreamID: "S1", Viewers: 0}}, liveList.Streams)
}

func TestHTTP_EmotesAndHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Write(ctx, "emotes/global/Kappa.png", strings.NewReader("x"), 1, "image/png"))

	w, resp := f.do(t, http.MethodGet, "/api/v1/streams/S1/emotes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Emotes []emote.Emote `json:"emotes"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Len(t, out.Emotes, 1)
	assert.Equal(t, "Kappa", out.Emotes[0].Code)

	owner := f.token(t, "owner", "olga")
	w, _ = f.do(t, http.MethodPost, "/api/v1/streams/S1/emotes/upload-url", owner, domain.EmoteUploadRequest{Code: "Hype", ContentType: "image/png"})
	assert.Equal(t, http.StatusNotImplemented, w.Code, "local storage cannot presign")

	putEmote := func(token string) int {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/streams/S1/emotes/Hype", strings.NewReader("png-bytes"))
		req.Header.Set("Content-Type", "image/png")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		f.engine.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusForbidden, putEmote(f.token(t, "u1", "alice")))
	require.Equal(t, http.StatusCreated, putEmote(owner))

	w, _ = f.do(t, http.MethodGet, "/emotes/S1/Hype.png", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w, _ = f.do(t, http.MethodDelete, "/api/v1/streams/S1/emotes/Hype", owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = f.do(t, http.MethodDelete, "/api/v1/streams/S1/emotes/Hype", owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, http.MethodGet, "/emotes/S1/Hype.png", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]interface{}
		require.NoError(t, conn.ReadJSON(&m))
		if m["type"] == msgType {
			return m
		}
	}
}

func TestWS_JoinAndSend(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?token=" + f.token(t, "u1", "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	auth := readUntil(t, conn, domain.MsgTypeAuthResult)
	assert.Equal(t, true, auth["success"])

	require.NoError(t, conn.WriteJSON(domain.SendMessageMessage{Type: domain.MsgTypeSendMessage, Message: "early"}))
	errMsg := readUntil(t, conn, domain.MsgTypeError)
	assert.Equal(t, domain.ErrCodeNotInStream, errMsg["code"])

	require.NoError(t, conn.WriteJSON(domain.JoinStreamMessage{Type: domain.MsgTypeJoinStream, StreamID: "S1"}))
	hist := readUntil(t, conn, domain.MsgTypeHistory)
	assert.Equal(t, "S1", hist["stream_id"])

	require.NoError(t, conn.WriteJSON(domain.SendMessageMessage{Type: domain.MsgTypeSendMessage, Message: "hello ws"}))
	ins := readUntil(t, conn, domain.MsgTypeMessageInserted)
	msg := ins["message"].(map[string]interface{})
	assert.Equal(t, "hello ws", msg["message"])
	assert.Equal(t, "alice", msg["username"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgTypePing}))
	readUntil(t, conn, domain.MsgTypePong)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	errMsg = readUntil(t, conn, domain.MsgTypeError)
	assert.Equal(t, domain.ErrCodeBadRequest, errMsg["code"])
}

func TestWS_BadTokenStaysAnonymous(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(domain.AuthMessage{Type: domain.MsgTypeAuth, Token: "garbage"}))
	auth := readUntil(t, conn, domain.MsgTypeAuthResult)
	assert.Equal(t, false, auth["success"])

	require.NoError(t, conn.WriteJSON(domain.JoinStreamMessage{Type: domain.MsgTypeJoinStream, StreamID: "S1"}))
	readUntil(t, conn, domain.MsgTypeHistory)
	require.NoError(t, conn.WriteJSON(domain.SendMessageMessage{Type: domain.MsgTypeSendMessage, Message: "hi"}))
	notice := readUntil(t, conn, domain.MsgTypeNotice)
	assert.Equal(t, command.CodePermissionDenied, notice["code"])
	assert.Zero(t, f.messageRows(t))
}
