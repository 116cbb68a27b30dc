package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// seenSet is a bounded FIFO set of message ids.
type seenSet struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{})}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *seenSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// client is one websocket connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	seen *seenSet

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	logMu  sync.Mutex
	logSub uint64

	done      chan struct{}
	closeOnce sync.Once
}

// enqueue queues a frame. A client whose buffer is full is disconnected.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.logger.Warn("client send buffer full, disconnecting", zap.String("client", c.id))
		c.close()
		return false
	}
}

// offer queues a frame if there is room and drops it otherwise. It never
// logs, so it is safe to call from a log subscription.
func (c *client) offer(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
	}
}

func (c *client) emit(eventType string, data any) bool {
	frame, err := encode(eventType, data)
	if err != nil {
		c.hub.logger.Error("failed to encode event", zap.String("event", eventType), zap.Error(err))
		return false
	}
	return c.enqueue(frame)
}

func (c *client) emitError(event, msg string) {
	c.emit(EventMessageError, errorPayload{Error: msg, Event: event})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump decodes frames until the connection fails.
func (c *client) readPump() {
	defer c.hub.unregister(c)

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	pongWait := cfg.PingInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			c.emitError("", "invalid frame: expected {\"type\": ..., \"data\": ...}")
			continue
		}
		c.hub.handle(c, frame)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	writeWait := c.hub.cfg.WriteTimeout
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
