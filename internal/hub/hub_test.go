package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/logging"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(t *testing.T, cfg Config, opts ...Option) (*Hub, string) {
	t.Helper()
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		ts.Close()
	})
	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	expect(t, conn, EventConnected)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	b, err := encode(eventType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func expect(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, eventType, frame.Type, "frame: %s", data)
	return frame.Data
}

// expectSilence asserts nothing arrives for d. The connection is unusable afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame: %s", data)
}

func joinChannel(t *testing.T, h *Hub, conn *websocket.Conn, channelID string, members int) {
	t.Helper()
	send(t, conn, EventJoinChannel, map[string]string{"channelId": channelID})
	expect(t, conn, EventChannelJoined)
	require.Eventually(t, func() bool { return h.Members(channelID) == members }, time.Second, 5*time.Millisecond)
}

func payload(t *testing.T, raw json.RawMessage) MessagePayload {
	t.Helper()
	var p MessagePayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)

	joinChannel(t, h, conn, "c1", 1)
	joinChannel(t, h, conn, "c1", 1)
	assert.Equal(t, 1, h.Clients())

	msg := agent.NewMessage("c1", "agent-1", "hello")
	assert.Equal(t, 1, h.BroadcastMessage(msg))
	assert.Equal(t, 0, h.BroadcastMessage(msg), "a message reaches a client once")

	got := payload(t, expect(t, conn, EventMessageBroadcast))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.Text)
	assert.NotNil(t, got.Attachments)

	assert.Equal(t, 0, h.BroadcastMessage(agent.NewMessage("other", "agent-1", "elsewhere")))
}

func TestHub_LeaveChannel(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)

	joinChannel(t, h, conn, "c1", 1)
	send(t, conn, EventLeaveChannel, map[string]string{"roomId": "c1"})
	expect(t, conn, EventChannelLeft)
	assert.Equal(t, 0, h.Members("c1"))
}

func TestHub_ActionProgressUpdatesInPlace(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)
	joinChannel(t, h, conn, "c1", 1)

	first := h.BroadcastActionProgress(ActionProgress{
		ChannelID: "c1", ExecutionID: "exec-1", AgentID: "agent-1", AgentName: "Eliza",
		Action: "SEND_EMAIL", Status: ActionExecuting, Text: "Executing SEND_EMAIL",
	})
	created := payload(t, expect(t, conn, EventMessageBroadcast))
	assert.Equal(t, first.ID, created.ID)
	assert.Equal(t, "exec-1", created.ActionID)
	assert.Equal(t, ActionExecuting, created.ActionState)
	assert.Equal(t, "Eliza", created.SenderName)

	done := h.BroadcastActionProgress(ActionProgress{
		ChannelID: "c1", ExecutionID: "exec-1", AgentID: "agent-1",
		Action: "SEND_EMAIL", Status: ActionCompleted, Text: "sent",
	})
	assert.Equal(t, first.ID, done.ID)
	updated := payload(t, expect(t, conn, EventMessageUpdated))
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, ActionCompleted, updated.ActionState)
	assert.Equal(t, "sent", updated.Text)

	again := h.BroadcastActionProgress(ActionProgress{
		ChannelID: "c1", ExecutionID: "exec-1", AgentID: "agent-1",
		Action: "SEND_EMAIL", Status: ActionCompleted, Text: "sent",
	})
	assert.Equal(t, first.ID, again.ID, "a repeated terminal status keeps the message")
	repeated := payload(t, expect(t, conn, EventMessageUpdated))
	assert.Equal(t, first.ID, repeated.ID)

	other := h.BroadcastActionProgress(ActionProgress{ChannelID: "c1", ExecutionID: "exec-2", Status: ActionExecuting})
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, other.ID, payload(t, expect(t, conn, EventMessageBroadcast)).ID)
	expectSilence(t, conn, 100*time.Millisecond)
}

func TestProgressMessageID(t *testing.T) {
	assert.Equal(t, ProgressMessageID("exec-1"), ProgressMessageID("exec-1"))
	assert.NotEqual(t, ProgressMessageID("exec-1"), ProgressMessageID("exec-2"))
}

func TestHub_StreamTimesOutOnce(t *testing.T) {
	h, url := newTestHub(t, Config{StreamTimeout: 50 * time.Millisecond})
	conn := dial(t, url)
	joinChannel(t, h, conn, "c1", 1)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", AgentID: "agent-1", Text: "Hel"})
	placeholder := payload(t, expect(t, conn, EventMessageBroadcast))
	assert.True(t, placeholder.IsStreaming)
	assert.Equal(t, "m1", placeholder.ID)
	assert.Equal(t, "Hel", placeholder.Text)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", AgentID: "agent-1", Text: "lo"})
	var chunk streamChunkPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageStreamChunk), &chunk))
	assert.Equal(t, "lo", chunk.Chunk)
	assert.Equal(t, "Hello", chunk.Text)

	complete := payload(t, expect(t, conn, EventMessageStreamComplete))
	assert.True(t, complete.TimedOut)
	assert.Equal(t, "Hello", complete.Text)
	assert.False(t, h.Streaming("c1", "m1"))

	assert.False(t, h.CompleteStream("c1", "m1", "late"))
	assert.Equal(t, 0, h.BroadcastMessage(&agent.Message{ID: "m1", ChannelID: "c1"}), "placeholder already seen")
	expectSilence(t, conn, 150*time.Millisecond)
}

func TestHub_ChunkAfterTimeoutIsDropped(t *testing.T) {
	h, url := newTestHub(t, Config{StreamTimeout: 50 * time.Millisecond})
	conn := dial(t, url)
	joinChannel(t, h, conn, "c1", 1)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", Text: "Hello "})
	expect(t, conn, EventMessageBroadcast)
	complete := payload(t, expect(t, conn, EventMessageStreamComplete))
	require.True(t, complete.TimedOut)
	assert.Equal(t, "Hello ", complete.Text)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", Text: "world"})
	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", Text: "!"})
	assert.False(t, h.Streaming("c1", "m1"))

	assert.False(t, h.CompleteStream("c1", "m1", "Hello world!"), "the runtime reconciles with an update")
	assert.Equal(t, 1, h.UpdateMessage(&agent.Message{ID: "m1", ChannelID: "c1", Content: "Hello world!"}))
	updated := payload(t, expect(t, conn, EventMessageUpdated))
	assert.Equal(t, "Hello world!", updated.Text)
	expectSilence(t, conn, 150*time.Millisecond)
}

func TestHub_CompleteStreamStopsTimer(t *testing.T) {
	h, url := newTestHub(t, Config{StreamTimeout: 50 * time.Millisecond})
	conn := dial(t, url)
	joinChannel(t, h, conn, "c1", 1)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", Text: "partial"})
	expect(t, conn, EventMessageBroadcast)

	assert.True(t, h.CompleteStream("c1", "m1", "final text"))
	assert.False(t, h.CompleteStream("c1", "m1", ""))

	complete := payload(t, expect(t, conn, EventMessageStreamComplete))
	assert.False(t, complete.TimedOut)
	assert.Equal(t, "final text", complete.Text)

	h.StreamChunk(agent.StreamChunk{MessageID: "m1", ChannelID: "c1", Text: "after"})
	assert.True(t, h.CompleteStream("c1", "m1", ""), "a new stream may reuse a completed id")
	expect(t, conn, EventMessageStreamComplete)

	expectSilence(t, conn, 150*time.Millisecond)
}

func TestHub_SendMessage(t *testing.T) {
	manager := session.NewManager(session.NewMemoryStore(), session.DefaultConfig())
	b := bus.New(8, zap.NewNop())
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	var mu sync.Mutex
	var published []bus.Event
	_, err := b.Subscribe(func(_ context.Context, ev bus.Event) {
		mu.Lock()
		published = append(published, ev)
		mu.Unlock()
	}, bus.EventNewMessage)
	require.NoError(t, err)

	ch, err := manager.EnsureDMChannel(context.Background(), "user-1", "agent-1")
	require.NoError(t, err)

	h, url := newTestHub(t, Config{}, WithSessions(manager), WithBus(b))
	sender := dial(t, url)
	watcher := dial(t, url)
	joinChannel(t, h, watcher, ch.ID, 1)

	send(t, sender, EventSendMessage, map[string]any{
		"channelId":  ch.ID,
		"senderId":   "user-1",
		"senderName": "Sam",
		"message":    "  hi there ",
	})

	var ack ackPayload
	require.NoError(t, json.Unmarshal(expect(t, sender, EventMessageAck), &ack))
	assert.Equal(t, "received", ack.Status)
	assert.Equal(t, ch.ID, ack.ChannelID)
	require.NotEmpty(t, ack.MessageID)

	got := payload(t, expect(t, watcher, EventMessageBroadcast))
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "hi there", got.Text)
	assert.Equal(t, "Sam", got.SenderName)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, ack.MessageID, published[0].Message.ID)
	assert.Equal(t, "websocket", published[0].Message.GetMetadataString(agent.MetaTransport, ""))
	mu.Unlock()

	stored, _, err := manager.Messages(context.Background(), ch.ID, session.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ack.MessageID, stored[0].ID)

	assert.Equal(t, 2, h.Members(ch.ID), "the sender joins the channel")
	expectSilence(t, sender, 100*time.Millisecond)

	mu.Lock()
	assert.Len(t, published, 1)
	mu.Unlock()
}

func TestHub_SendMessageCreatesDM(t *testing.T) {
	manager := session.NewManager(session.NewMemoryStore(), session.DefaultConfig())
	h, url := newTestHub(t, Config{}, WithSessions(manager))
	conn := dial(t, url)

	send(t, conn, EventSendMessage, map[string]any{"senderId": "user-1", "targetUserId": "agent-1", "message": "hello"})
	var ack ackPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageAck), &ack))

	ch, err := manager.EnsureDMChannel(context.Background(), "agent-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, ack.ChannelID)
	require.Eventually(t, func() bool { return h.Members(ch.ID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_InvalidFrames(t *testing.T) {
	_, url := newTestHub(t, Config{})
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var e errorPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageError), &e))
	assert.Contains(t, e.Error, "invalid frame")

	send(t, conn, "dance", nil)
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageError), &e))
	assert.Equal(t, "dance", e.Event)

	send(t, conn, EventSendMessage, map[string]any{"senderId": "u", "message": "   "})
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageError), &e))
	assert.Equal(t, "message is required", e.Error)

	send(t, conn, EventJoinChannel, map[string]any{})
	expect(t, conn, EventMessageError)
}

func TestHub_RelaysBusEvents(t *testing.T) {
	b := bus.New(8, zap.NewNop())
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	h, url := newTestHub(t, Config{}, WithBus(b))
	conn := dial(t, url)
	joinChannel(t, h, conn, "c1", 1)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.Event{Type: bus.EventMessageDeleted, ChannelID: "c1", Message: &agent.Message{ID: "m9"}}))
	var p channelPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, EventMessageDeleted), &p))
	assert.Equal(t, channelPayload{ChannelID: "c1", MessageID: "m9"}, p)

	require.NoError(t, b.Publish(ctx, bus.Event{Type: bus.EventChannelCleared, ChannelID: "c1"}))
	expect(t, conn, EventChannelCleared)

	require.NoError(t, b.Publish(ctx, bus.Event{Type: bus.EventChannelDeleted, ChannelID: "c1"}))
	expect(t, conn, EventChannelDeleted)
	require.Eventually(t, func() bool { return h.Members("c1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_LogSubscription(t *testing.T) {
	tap := logging.NewTap(zapcore.DebugLevel)
	appLogger := zap.New(tap)

	_, url := newTestHub(t, Config{}, WithLogTap(tap))
	conn := dial(t, url)

	send(t, conn, EventSubscribeLogs, map[string]string{"level": "warn"})
	expect(t, conn, EventLogSubscription)
	require.Equal(t, 1, tap.Subscribers())

	appLogger.Info("quiet")
	appLogger.Warn("loud")
	var entry logging.Entry
	require.NoError(t, json.Unmarshal(expect(t, conn, EventLogEntry), &entry))
	assert.Equal(t, "loud", entry.Message)

	send(t, conn, EventUpdateLogFilters, map[string]string{"level": "bogus"})
	expect(t, conn, EventMessageError)

	send(t, conn, EventUpdateLogFilters, map[string]string{"level": "debug", "agentName": "Eliza"})
	expect(t, conn, EventLogFiltersUpdated)

	send(t, conn, EventUnsubscribeLogs, nil)
	expect(t, conn, EventLogSubscription)
	assert.Equal(t, 0, tap.Subscribers())
}

func TestHub_ClosedHubRejectsClients(t *testing.T) {
	h, url := newTestHub(t, Config{})
	conn := dial(t, url)
	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
