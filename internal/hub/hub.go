// Package hub is the real-time websocket hub. Every channel maps to one room;
// clients join rooms and receive messages broadcast to them.
//
// Each connection remembers the ids of messages it has received, so a
// rebroadcast never reaches the same client twice. Action-progress messages
// are the exception: a client that already shows one receives messageUpdated
// instead. Streamed replies are accumulated per channel and message until the
// stream completes or stays idle for Config.StreamTimeout.
package hub

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/logging"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

// Config tunes the hub.
type Config struct {
	// StreamTimeout completes a stream that received no chunk for this long.
	StreamTimeout time.Duration
	// SeenLimit bounds the per-connection set of delivered message ids.
	SeenLimit int
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// PingInterval is the keepalive period. Reads time out after twice this.
	PingInterval time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64
	// AllowedOrigins restricts websocket origins. Empty allows all.
	AllowedOrigins []string
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		StreamTimeout:  30 * time.Second,
		SeenLimit:      1000,
		SendBuffer:     256,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = def.StreamTimeout
	}
	if c.SeenLimit <= 0 {
		c.SeenLimit = def.SeenLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// Hub manages websocket clients and rooms. It is safe for concurrent use.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	sessions *session.Manager
	bus      *bus.Bus
	tap      *logging.Tap

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool

	streamsMu sync.Mutex
	streams   map[string]map[string]*accumulator // channel id -> message id

	unsubscribe func()
	wg          sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithSessions enables send_message persistence through the registry.
func WithSessions(m *session.Manager) Option {
	return func(h *Hub) {
		h.sessions = m
	}
}

// WithBus publishes inbound messages and relays channel events from b.
func WithBus(b *bus.Bus) Option {
	return func(h *Hub) {
		h.bus = b
	}
}

// WithLogTap enables log subscriptions.
func WithLogTap(t *logging.Tap) Option {
	return func(h *Hub) {
		h.tap = t
	}
}

// New creates a hub.
func New(cfg Config, opts ...Option) (*Hub, error) {
	h := &Hub{
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
		streams: make(map[string]map[string]*accumulator),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	if h.bus != nil {
		unsubscribe, err := h.bus.Subscribe(h.onBusEvent,
			bus.EventMessageDeleted, bus.EventChannelCleared, bus.EventChannelDeleted)
		if err != nil {
			return nil, err
		}
		h.unsubscribe = unsubscribe
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendBuffer),
		seen:  newSeenSet(h.cfg.SeenLimit),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()

	c.emit(EventConnected, map[string]string{"clientId": c.id})
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	observability.SetActiveConnections(n)
	h.logger.Debug("client connected", zap.String("client", c.id))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.stopLogs(c)
	c.close()

	if ok {
		observability.SetActiveConnections(n)
		h.logger.Debug("client disconnected", zap.String("client", c.id))
	}
}

// join adds c to a room. Joining twice is a no-op.
func (h *Hub) join(c *client, channelID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	room, ok := h.rooms[channelID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[channelID] = room
	}
	room[c] = struct{}{}
	c.rooms[channelID] = struct{}{}
	return true
}

func (h *Hub) leave(c *client, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, channelID)
}

func (h *Hub) leaveLocked(c *client, channelID string) {
	delete(c.rooms, channelID)
	if room, ok := h.rooms[channelID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, channelID)
		}
	}
}

func (h *Hub) members(channelID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[channelID]
	out := make([]*client, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// Members returns the number of connections in a room.
func (h *Hub) Members(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// emitRoom sends one event to every member of a room.
func (h *Hub) emitRoom(channelID, eventType string, data any) int {
	frame, err := encode(eventType, data)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", eventType), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range h.members(channelID) {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// BroadcastMessage delivers msg to its channel's room. Clients that already
// received msg are skipped, except for action-progress messages, which they
// receive as messageUpdated. It returns the number of clients reached.
func (h *Hub) BroadcastMessage(msg *agent.Message) int {
	return h.broadcast(msg, nil)
}

func (h *Hub) broadcast(msg *agent.Message, except *client) int {
	payload := NewMessagePayload(msg)
	progress := msg.Kind() == agent.KindActionProgress

	var created, updated []byte
	n := 0
	for _, c := range h.members(msg.ChannelID) {
		if c == except {
			continue
		}

		eventType := EventMessageBroadcast
		frame := &created
		if !c.seen.add(msg.ID) {
			if !progress {
				continue
			}
			eventType = EventMessageUpdated
			frame = &updated
		}

		if *frame == nil {
			b, err := encode(eventType, payload)
			if err != nil {
				h.logger.Error("failed to encode message", zap.String("messageId", msg.ID), zap.Error(err))
				return n
			}
			*frame = b
		}
		if c.enqueue(*frame) {
			n++
		}
	}
	return n
}

// UpdateMessage sends msg to the room as messageUpdated, marking it seen.
func (h *Hub) UpdateMessage(msg *agent.Message) int {
	frame, err := encode(EventMessageUpdated, NewMessagePayload(msg))
	if err != nil {
		h.logger.Error("failed to encode message", zap.String("messageId", msg.ID), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range h.members(msg.ChannelID) {
		c.seen.add(msg.ID)
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// progressNamespace scopes message ids derived from execution ids.
var progressNamespace = uuid.MustParse("6f1c2b9e-3d4a-4f7e-9a51-2c8d0e7b4a13")

// ProgressMessageID returns the message id used for every progress report of
// an execution.
func ProgressMessageID(executionID string) string {
	return uuid.NewSHA1(progressNamespace, []byte(executionID)).String()
}

// Action progress states.
const (
	ActionExecuting = "executing"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// ActionProgress reports one state of an action execution.
type ActionProgress struct {
	ChannelID   string
	ExecutionID string
	AgentID     string
	AgentName   string
	Action      string
	Status      string
	Text        string
	Thought     string
}

// BroadcastActionProgress publishes the state of an action execution. All
// reports for one execution id share one message id, so clients update a
// single message in place.
func (h *Hub) BroadcastActionProgress(p ActionProgress) *agent.Message {
	messageID := ProgressMessageID(p.ExecutionID)

	msg := agent.NewMessage(p.ChannelID, p.AgentID, p.Text).
		WithMetadata(agent.MetaKind, agent.KindActionProgress).
		WithMetadata(agent.MetaActionID, p.ExecutionID).
		WithMetadata(agent.MetaActionState, p.Status).
		WithMetadata("action", p.Action)
	msg.ID = messageID
	if p.AgentName != "" {
		msg.WithMetadata(agent.MetaAuthorName, p.AgentName)
	}
	if p.Thought != "" {
		msg.WithMetadata(agent.MetaThought, p.Thought)
	}

	h.BroadcastMessage(msg)
	return msg
}

// ClearChannel tells the room its log was emptied.
func (h *Hub) ClearChannel(channelID string) {
	h.discardStreams(channelID)
	h.emitRoom(channelID, EventChannelCleared, channelPayload{ChannelID: channelID})
}

// DeleteChannel tells the room the channel is gone and closes the room.
func (h *Hub) DeleteChannel(channelID string) {
	h.discardStreams(channelID)
	h.emitRoom(channelID, EventChannelDeleted, channelPayload{ChannelID: channelID})

	h.mu.Lock()
	for c := range h.rooms[channelID] {
		delete(c.rooms, channelID)
	}
	delete(h.rooms, channelID)
	h.mu.Unlock()
}

// DeleteMessage tells the room a message was removed.
func (h *Hub) DeleteMessage(channelID, messageID string) {
	h.emitRoom(channelID, EventMessageDeleted, channelPayload{ChannelID: channelID, MessageID: messageID})
}

func (h *Hub) onBusEvent(_ context.Context, ev bus.Event) {
	switch ev.Type {
	case bus.EventChannelCleared:
		h.ClearChannel(ev.ChannelID)
	case bus.EventChannelDeleted:
		h.DeleteChannel(ev.ChannelID)
	case bus.EventMessageDeleted:
		if ev.Message != nil {
			h.DeleteMessage(ev.ChannelID, ev.Message.ID)
		}
	}
}

// Close disconnects every client, stops stream timers and waits for the
// connection goroutines to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	for _, c := range clients {
		h.unregister(c)
	}

	h.streamsMu.Lock()
	channels := make([]string, 0, len(h.streams))
	for id := range h.streams {
		channels = append(channels, id)
	}
	h.streamsMu.Unlock()
	for _, id := range channels {
		h.discardStreams(id)
	}

	h.wg.Wait()
	return nil
}
