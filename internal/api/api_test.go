package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/capability"
	"github.com/aixgo-dev/agentrelay/internal/decision"
	"github.com/aixgo-dev/agentrelay/internal/orchestrator"
	"github.com/aixgo-dev/agentrelay/internal/runtime"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) add(_ context.Context, ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ string) []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bus.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	handler  http.Handler
	sessions *session.Manager
	clock    *clock
	events   *eventLog
	mock     *provider.MockProvider
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clk := &clock{now: time.Now()}
	sessions := session.NewManager(session.NewMemoryStore(), session.DefaultConfig(), session.WithClock(clk.Now))

	mock := provider.NewMockProvider("mock")
	mock.Responder = func(req provider.CompletionRequest) string {
		if req.Purpose == decision.PurposeSummary {
			return "<thought>greet</thought><text>Hi there</text>"
		}
		return "<thought>simple</thought><isFinish>true</isFinish>"
	}
	orch := orchestrator.New(decision.NewEngine(mock), capability.NewRegistry(), orchestrator.Config{
		MaxIterations: 2, SummaryRetries: 1, SummaryBackoff: time.Millisecond,
	})
	rt, err := runtime.New(&agent.Character{ID: "agent-1", Name: "Relay"}, orch, sessions, runtime.Config{})
	require.NoError(t, err)

	b := bus.New(16, zap.NewNop())
	events := &eventLog{}
	_, err = b.Subscribe(events.add)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	opts = append([]Option{WithBus(b)}, opts...)
	srv := New(sessions, rt, opts...)
	return &fixture{handler: srv.Handler(), sessions: sessions, clock: clk, events: events, mock: mock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	switch b := body.(type) {
	case nil:
		reader = strings.NewReader("")
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createSession(t *testing.T) map[string]any {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{"userId": "user-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return e["code"].(string), e["message"].(string)
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	body := f.createSession(t)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["sessionId"])
	assert.NotEmpty(t, body["channelId"])
	assert.Equal(t, "agent-1", body["agentId"])
	assert.Equal(t, "user-1", body["userId"])
	assert.Contains(t, body, "expiresAt")
	assert.Contains(t, body, "timeoutConfig")
	assert.Contains(t, body, "sessionStatus")

	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{
		"userId":        "user-2",
		"timeoutConfig": map[string]any{"timeoutMinutes": 1, "autoRenew": false},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	tc := decode(t, rec)["timeoutConfig"].(map[string]any)
	assert.Equal(t, float64(session.MinTimeoutMinutes), tc["timeoutMinutes"])
	assert.Equal(t, false, tc["autoRenew"])
}

func TestCreateSession_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{"agentId": "someone-else", "userId": "u"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := errorOf(t, rec)
	assert.Equal(t, string(security.ErrCodeAgentNotFound), code)

	rec = f.do(t, http.MethodPost, "/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, msg := errorOf(t, rec)
	assert.Equal(t, "userId is required", msg)

	rec = f.do(t, http.MethodPost, "/sessions", map[string]any{"userId": "<script>"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, msg = errorOf(t, rec)
	assert.Contains(t, msg, "invalid userId")

	rec = f.do(t, http.MethodPost, "/sessions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	rec := f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["sessionId"])

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Equal(t, float64(1), list["total"])
	assert.Len(t, list["sessions"], 1)
	assert.Contains(t, list, "stats")

	f.clock.Advance(time.Minute)
	rec = f.do(t, http.MethodPost, "/sessions/"+id+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)["sessionStatus"].(map[string]any)
	assert.Equal(t, true, status["wasRenewed"])
	assert.Equal(t, float64(1), status["renewalCount"])

	f.clock.Advance(time.Minute)
	rec = f.do(t, http.MethodPost, "/sessions/"+id+"/renew", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["sessionStatus"].(map[string]any)["renewalCount"])

	rec = f.do(t, http.MethodPatch, "/sessions/"+id+"/timeout", map[string]any{"timeoutMinutes": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(60), decode(t, rec)["timeoutConfig"].(map[string]any)["timeoutMinutes"])

	rec = f.do(t, http.MethodDelete, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	require.Eventually(t, func() bool {
		return len(f.events.ofType(bus.EventChannelDeleted)) == 1
	}, time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := errorOf(t, rec)
	assert.Equal(t, string(security.ErrCodeSessionNotFound), code)
}

func TestExpiredSession(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	f.clock.Advance(time.Duration(session.DefaultTimeoutMinutes+1) * time.Minute)
	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "hello", "transport": "http"})
	assert.Equal(t, http.StatusGone, rec.Code)
	code, _ := errorOf(t, rec)
	assert.Equal(t, string(security.ErrCodeSessionExpired), code)
}

func TestPostMessage_HTTP(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "hello", "transport": "http"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	resp := body["agentResponse"].(map[string]any)
	assert.Equal(t, "Hi there", resp["text"])
	assert.Equal(t, "greet", resp["thought"])
	assert.Equal(t, "hello", body["userMessage"].(map[string]any)["content"])
	assert.Contains(t, body, "sessionStatus")
	assert.Equal(t, 0, f.mock.StreamCount(), "synchronous replies are not streamed")
	assert.Empty(t, f.events.ofType(bus.EventNewMessage))

	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode(t, rec)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].(map[string]any)["content"])
}

func TestPostMessage_LegacyModeSync(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "hello", "mode": "sync"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, decode(t, rec), "agentResponse")
}

func TestPostMessage_SSE(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "hello", "transport": "sse"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "user_message", events[0].name)

	var streamed strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, "chunk", ev.name)
		var c chunkEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &c))
		streamed.WriteString(c.Text)
	}

	last := events[len(events)-1]
	require.Equal(t, "done", last.name)
	var done doneEvent
	require.NoError(t, json.Unmarshal([]byte(last.data), &done))
	assert.Equal(t, "Hi there", done.Text)
	assert.Equal(t, "Hi there", strings.TrimSpace(streamed.String()))
	assert.Equal(t, 1, f.mock.StreamCount())
}

func TestPostMessage_SSEError(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/messages",
		strings.NewReader(`{"content":"hello","transport":"sse"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "user_message", events[0].name)
	assert.Equal(t, "error", events[1].name)
}

func TestPostMessage_WebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)

	for _, body := range []map[string]any{
		{"content": "hello async"},
		{"content": "hello async", "transport": "websocket"},
		{"content": "hello async", "mode": "websocket"},
	} {
		rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", body)
		require.Equal(t, http.StatusCreated, rec.Code)
		resp := decode(t, rec)
		assert.NotContains(t, resp, "agentResponse")
		assert.Equal(t, "hello async", resp["userMessage"].(map[string]any)["content"])
	}

	require.Eventually(t, func() bool {
		return len(f.events.ofType(bus.EventNewMessage)) == 3
	}, time.Second, 5*time.Millisecond)
	for _, ev := range f.events.ofType(bus.EventNewMessage) {
		assert.Equal(t, "hello async", ev.Message.Content)
		assert.Equal(t, id, ev.SessionID)
	}
	assert.Equal(t, 0, f.mock.CallCount(), "the runtime answers asynchronous messages")
}

func TestPostMessage_Validation(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t)["sessionId"].(string)
	path := "/sessions/" + id + "/messages"

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"non-string transport", `{"content":"hi","transport":5}`, http.StatusBadRequest, "Transport must be a string"},
		{"unknown transport", map[string]any{"content": "hi", "transport": "carrier-pigeon"}, http.StatusBadRequest, "Invalid transport"},
		{"unknown mode", map[string]any{"content": "hi", "mode": "telepathy"}, http.StatusBadRequest, "Invalid mode"},
		{"missing content", map[string]any{"transport": "http"}, http.StatusBadRequest, "content is required"},
		{"blank content", map[string]any{"content": "   "}, http.StatusBadRequest, "content is required"},
		{"oversized content", map[string]any{"content": strings.Repeat("a", security.MaxContentLength+1)}, http.StatusBadRequest, "invalid content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			_, msg := errorOf(t, rec)
			assert.Contains(t, msg, tt.message)
		})
	}

	for _, transport := range []string{"http", "sse", "websocket"} {
		rec := f.do(t, http.MethodPost, "/sessions/nope/messages", map[string]any{"content": "hi", "transport": transport})
		assert.Equal(t, http.StatusNotFound, rec.Code, transport)
	}
	assert.Equal(t, 0, f.mock.CallCount())
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	id, channelID := created["sessionId"].(string), created["channelId"].(string)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		msg := agent.NewMessage(channelID, "user-1", "m"+strconv.Itoa(i))
		msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.sessions.AppendMessage(context.Background(), msg))
	}

	rec := f.do(t, http.MethodGet, "/sessions/"+id+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["hasMore"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "m2", msgs[1].(map[string]any)["content"])

	before := strconv.FormatInt(base.Add(2*time.Minute).UnixMilli(), 10)
	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages?before="+before, nil)
	assert.Len(t, decode(t, rec)["messages"], 2)

	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages?after="+base.Format(time.RFC3339), nil)
	assert.Len(t, decode(t, rec)["messages"], 2)

	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages?before=yesterday&limit=abc", nil)
	assert.Len(t, decode(t, rec)["messages"], 3)

	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages?limit=0", nil)
	assert.Len(t, decode(t, rec)["messages"], 1)
}

func TestClearAndDeleteMessages(t *testing.T) {
	f := newFixture(t)
	created := f.createSession(t)
	id, channelID := created["sessionId"].(string), created["channelId"].(string)

	msg := agent.NewMessage(channelID, "user-1", "gone soon")
	require.NoError(t, f.sessions.AppendMessage(context.Background(), msg))
	require.NoError(t, f.sessions.AppendMessage(context.Background(), agent.NewMessage(channelID, "user-1", "also gone")))

	rec := f.do(t, http.MethodDelete, "/sessions/"+id+"/messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/sessions/"+id+"/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions/"+id+"/messages", nil)
	assert.Empty(t, decode(t, rec)["messages"])

	require.Eventually(t, func() bool {
		return len(f.events.ofType(bus.EventMessageDeleted)) == 1 && len(f.events.ofType(bus.EventChannelCleared)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, msg.ID, f.events.ofType(bus.EventMessageDeleted)[0].Message.ID)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimiter(security.NewRateLimiter(0.001, 1, 0)))
	id := f.createSession(t)["sessionId"].(string)

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "one"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"content": "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	code, _ := errorOf(t, rec)
	assert.Equal(t, string(security.ErrCodeRateLimit), code)

	rec = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

type panickingResponder struct{}

func (panickingResponder) Character() *agent.Character {
	return &agent.Character{ID: "agent-1", Name: "Relay"}
}

func (panickingResponder) Respond(context.Context, *agent.Message, runtime.RespondOptions) (*runtime.Reply, error) {
	panic("boom")
}

func TestRecoverer(t *testing.T) {
	sessions := session.NewManager(session.NewMemoryStore(), session.DefaultConfig())
	h := New(sessions, panickingResponder{}).Handler()

	sess, err := sessions.Create(context.Background(), session.CreateOptions{AgentID: "agent-1", UserID: "u"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/messages", strings.NewReader(`{"content":"hi","transport":"http"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	code, msg := errorOf(t, rec)
	assert.Equal(t, string(security.ErrCodeInternal), code)
	assert.NotContains(t, msg, "boom")
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t, WithHealth(observability.NewHealthChecker("test")))
	rec := f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "websocket endpoint is only mounted when configured")
}

func TestParseTime(t *testing.T) {
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("garbage").IsZero())
	assert.True(t, parseTime("-5").IsZero())
	assert.Equal(t, int64(1700000000000), parseTime("1700000000000").UnixMilli())
	assert.Equal(t, 2024, parseTime("2024-03-01T10:00:00Z").Year())
}
