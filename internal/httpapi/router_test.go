package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/models"
	"github.com/suPer8Hu/chat-relay/internal/notify"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
	"gorm.io/gorm"
)

type scripted struct {
	fragments []string
	pos       int
}

func (s *scripted) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	s.pos++
	return s.fragments[s.pos-1], nil
}

func (s *scripted) Close() error { return nil }

type stubClient struct{}

func (stubClient) RateKey() string { return "stub" }

func (stubClient) CreateEmbedding(context.Context, string, string) ([]float32, error) {
	return []float32{1}, nil
}

func (stubClient) CreateChatCompletion(context.Context, ai.CompletionRequest) (ai.CompletionResponse, error) {
	return ai.CompletionResponse{Text: "We open at nine.", Usage: &ai.Usage{Prompt: 10, Completion: 4, Total: 14}}, nil
}

func (stubClient) CreateChatCompletionStream(context.Context, ai.CompletionRequest) (ai.ChunkStream, error) {
	return &scripted{fragments: []string{"Hel", "lo"}}, nil
}

type testApp struct {
	engine  *gin.Engine
	gdb     *gorm.DB
	chatSvc *chat.Service
	relay   *relay.Router
	dir     *redisstore.Store
	cfg     config.Config
}

func newTestApp(t *testing.T, completionLimit int) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	mr := miniredis.RunT(t)
	store := redisstore.NewStore(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = store.Close() })

	tok, err := ai.DefaultTokenizer()
	require.NoError(t, err)
	pool := ai.NewPool(ai.KeyList{Keys: []string{"sk-test"}}, func(ai.Selected) ai.Client { return stubClient{} })
	governor := ai.NewGovernor(ai.DefaultEmbeddingLimit, ai.Limit{Capacity: completionLimit, Window: time.Minute})
	gw := ai.NewGateway(pool, governor, tok, ai.GatewayConfig{})

	chatSvc := chat.NewService(chat.NewRepo(gdb), gw, 20, "")

	ctx, cancel := context.WithCancel(context.Background())
	bus := relay.NewMemoryBus("rooms", "test", watermill.NopLogger{})
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})
	router := relay.NewRouter(bus, store, chatSvc, notify.NewFallback(nil, time.Second))
	require.NoError(t, router.Start(ctx))

	cfg := config.Config{JWTSecret: "test-secret", SendBuffer: 16, AllowOrigin: "*", InstanceID: "test"}
	h := handlers.NewHandler(gdb, cfg, store, chatSvc, router)
	return &testApp{engine: httpapi.NewRouter(h), gdb: gdb, chatSvc: chatSvc, relay: router, dir: store, cfg: cfg}
}

// seed creates an operator, a knowledgebase and a visitor session.
func (a *testApp) seed(t *testing.T) (token, kbID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	user := models.User{Email: "op@example.com", PasswordHash: "x"}
	require.NoError(t, a.gdb.Create(&user).Error)
	kb, err := a.chatSvc.CreateKnowledgebase(ctx, user.ID, user.Email, "https://shop.example.com")
	require.NoError(t, err)
	sess, err := a.chatSvc.CreateSession(ctx, kb.ID, chat.Visitor{Name: "Ann"}, false)
	require.NoError(t, err)
	token, err = auth.SignJWT(user.ID, a.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	return token, kb.ID, sess.SessionID
}

func (a *testApp) do(method, target, body string, token string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestPingAndNotFound(t *testing.T) {
	app := newTestApp(t, 10)

	rec := app.do(http.MethodGet, "/ping", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, decode(t, rec).Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = app.do(http.MethodGet, "/nope", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 40400, decode(t, rec).Code)
}

func TestRegisterLoginAndMe(t *testing.T) {
	app := newTestApp(t, 10)

	rec := app.do(http.MethodPost, "/users", `{"email":"Op@Example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, "/login", `{"email":"op@example.com","password":"wrong password"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(http.MethodPost, "/login", `{"email":"op@example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &login))

	rec = app.do(http.MethodGet, "/me", "", login.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "op@example.com")

	rec = app.do(http.MethodGet, "/me", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnswer_ReturnsTextAndRateLimits(t *testing.T) {
	app := newTestApp(t, 1)
	_, _, sessionID := app.seed(t)

	body := fmt.Sprintf(`{"sessionId":%q,"query":"When do you open?"}`, sessionID)
	rec := app.do(http.MethodPost, "/chatbot/answer", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ans struct {
		Answer string    `json:"answer"`
		Usage  *ai.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &ans))
	require.Equal(t, "We open at nine.", ans.Answer)
	require.Equal(t, 14, ans.Usage.Total)

	rec = app.do(http.MethodPost, "/chatbot/answer", body, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 42901, decode(t, rec).Code)

	rec = app.do(http.MethodPost, "/chatbot/answer", `{"sessionId":"missing","query":"hi"}`, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnswerStream_WritesFragmentsThenDone(t *testing.T) {
	app := newTestApp(t, 10)
	_, _, sessionID := app.seed(t)

	rec := app.do(http.MethodGet, "/chatbot/answer_stream?session="+sessionID+"&query=hi", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t,
		"data: {\"content\":\"Hel\"}\n\n"+
			"data: {\"content\":\"lo\"}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())

	rec = app.do(http.MethodGet, "/chatbot/answer_stream?session="+sessionID, "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionsAndOperatorsRequireOwner(t *testing.T) {
	app := newTestApp(t, 10)
	token, kbID, sessionID := app.seed(t)

	rec := app.do(http.MethodGet, "/knowledgebases/"+kbID+"/sessions", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), sessionID)

	rec = app.do(http.MethodGet, "/chatbot/session/"+sessionID, "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(http.MethodGet, "/knowledgebases/"+kbID+"/operators", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"online":false`)

	other, err := auth.SignJWT(9999, app.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	rec = app.do(http.MethodGet, "/knowledgebases/"+kbID+"/sessions", "", other)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(http.MethodPut, "/chatbot/session/"+sessionID, `{"name":"Ann B","email":"ann@example.com"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = app.do(http.MethodPost, "/chatbot/session/"+sessionID+"/unread", `{}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocket_UserMessageReachesOperator(t *testing.T) {
	app := newTestApp(t, 10)
	token, kbID, sessionID := app.seed(t)

	srv := httptest.NewServer(app.engine)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// operators without a valid token are turned away before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial(base+"?id=op1&isAdmin=true&knowledgeBaseId="+kbID, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	op, _, err := websocket.DefaultDialer.Dial(base+"?id=op1&isAdmin=true&knowledgeBaseId="+kbID+"&token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = op.Close() })

	// the upgrade response is written before the operator joins its rooms
	require.Eventually(t, func() bool {
		return app.relay.Hub().Count("topic:"+kbID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec := app.do(http.MethodGet, "/knowledgebases/"+kbID+"/operators", "", token)
	require.Contains(t, rec.Body.String(), `"online":true`)

	user, _, err := websocket.DefaultDialer.Dial(base+"?id="+sessionID+"&knowledgeBaseId="+kbID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = user.Close() })

	readFrame := func(c *websocket.Conn) relay.Frame {
		t.Helper()
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f relay.Frame
		require.NoError(t, c.ReadJSON(&f))
		return f
	}

	require.Equal(t, relay.EventUserAssigned, readFrame(op).Event)

	require.NoError(t, user.WriteJSON(relay.Frame{
		Event: relay.EventUserChat,
		Data:  json.RawMessage(`{"msg":"is anyone there?"}`),
	}))

	f := readFrame(op)
	require.Equal(t, relay.EventAdminChat, f.Event)
	var msg relay.ChatMessage
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	require.Equal(t, sessionID, msg.SessionID)
	require.Equal(t, "is anyone there?", msg.Msg)

	require.NoError(t, op.WriteJSON(relay.Frame{
		Event: relay.EventAdminChat,
		Data:  json.RawMessage(fmt.Sprintf(`{"sessionId":%q,"msg":"yes, hi!"}`, sessionID)),
	}))
	f = readFrame(user)
	require.Equal(t, relay.EventUserChat, f.Event)
	require.Contains(t, string(f.Data), "yes, hi!")
}

func TestAnswer_ClassifiesFailures(t *testing.T) {
	app := newTestApp(t, 10)
	_, _, sessionID := app.seed(t)

	rec := app.do(http.MethodPost, "/chatbot/answer", fmt.Sprintf(`{"sessionId":%q,"query":"   "}`, sessionID), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 40001, decode(t, rec).Code)

	sqlDB, err := app.gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	rec = app.do(http.MethodPost, "/chatbot/answer", fmt.Sprintf(`{"sessionId":%q,"query":"hi"}`, sessionID), "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	require.Equal(t, 50005, env.Code)
	require.NotContains(t, env.Message, "sql")
}

func TestWebSocket_OperatorCannotClaimVisitorSession(t *testing.T) {
	app := newTestApp(t, 10)
	_, kbA, visitorID := app.seed(t)
	ctx := context.Background()

	// a second tenant with its own knowledgebase
	rival := models.User{Email: "rival@example.com", PasswordHash: "x"}
	require.NoError(t, app.gdb.Create(&rival).Error)
	kbB, err := app.chatSvc.CreateKnowledgebase(ctx, rival.ID, rival.Email, "")
	require.NoError(t, err)
	rivalToken, err := auth.SignJWT(rival.ID, app.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(app.engine)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?id="+visitorID+"&isAdmin=true&knowledgeBaseId="+kbB.ID+"&token="+rivalToken, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	_, ok, err := app.dir.GetTopicForSession(ctx, visitorID)
	require.NoError(t, err)
	require.False(t, ok, "rejected operator must not write the visitor mapping")

	user, _, err := websocket.DefaultDialer.Dial(base+"?id="+visitorID+"&knowledgeBaseId="+kbA, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = user.Close() })
	require.Eventually(t, func() bool {
		topic, ok, err := app.dir.GetTopicForSession(ctx, visitorID)
		return err == nil && ok && topic == kbA
	}, 2*time.Second, 10*time.Millisecond)

	// operator ids are scoped to the account that owns them
	op, _, err := websocket.DefaultDialer.Dial(base+"?id=desk&isAdmin=true&knowledgeBaseId="+kbB.ID+"&token="+rivalToken, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = op.Close() })
	want := fmt.Sprintf("op-%d-desk", rival.ID)
	require.Eventually(t, func() bool {
		ids, err := app.dir.ListOperatorPresence(ctx, kbB.ID)
		return err == nil && len(ids) == 1 && ids[0] == want
	}, 2*time.Second, 10*time.Millisecond)

	topic, ok, err := app.dir.GetTopicForSession(ctx, visitorID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kbA, topic)
}
