package hub

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
)

// tombstoneFactor multiplies StreamTimeout to give how long a timed-out
// stream keeps rejecting late chunks.
const tombstoneFactor = 10

// accumulator collects the text of one streamed message.
type accumulator struct {
	mu      sync.Mutex
	channel string
	message string
	agent   string
	text    strings.Builder
	timer   *time.Timer
	done    bool
	started time.Time
	chunks  int
}

// StreamChunk forwards one chunk of a streamed reply to the channel's room.
// The first chunk of a message creates it on clients as a streaming
// placeholder. Every chunk restarts the inactivity timer; when it fires the
// stream is completed with the text received so far.
func (h *Hub) StreamChunk(chunk agent.StreamChunk) {
	if chunk.ChannelID == "" || chunk.MessageID == "" {
		return
	}

	acc, created := h.accumulator(chunk)
	acc.mu.Lock()
	if acc.done {
		acc.mu.Unlock()
		return
	}
	acc.text.WriteString(chunk.Text)
	acc.chunks++
	text := acc.text.String()
	if acc.timer == nil {
		acc.timer = time.AfterFunc(h.cfg.StreamTimeout, func() { h.expireStream(acc) })
	} else {
		acc.timer.Reset(h.cfg.StreamTimeout)
	}
	acc.mu.Unlock()

	if created {
		msg := agent.NewMessage(chunk.ChannelID, chunk.AgentID, text)
		msg.ID = chunk.MessageID
		payload := NewMessagePayload(msg)
		payload.IsStreaming = true
		frame, err := encode(EventMessageBroadcast, payload)
		if err != nil {
			h.logger.Error("failed to encode stream placeholder", zap.Error(err))
			return
		}
		for _, c := range h.members(chunk.ChannelID) {
			if c.seen.add(chunk.MessageID) {
				c.enqueue(frame)
			}
		}
		return
	}

	h.emitRoom(chunk.ChannelID, EventMessageStreamChunk, streamChunkPayload{
		MessageID: chunk.MessageID,
		ChannelID: chunk.ChannelID,
		Chunk:     chunk.Text,
		Text:      text,
	})
}

func (h *Hub) accumulator(chunk agent.StreamChunk) (*accumulator, bool) {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	byMessage, ok := h.streams[chunk.ChannelID]
	if !ok {
		byMessage = make(map[string]*accumulator)
		h.streams[chunk.ChannelID] = byMessage
	}
	if acc, ok := byMessage[chunk.MessageID]; ok {
		return acc, false
	}
	acc := &accumulator{
		channel: chunk.ChannelID,
		message: chunk.MessageID,
		agent:   chunk.AgentID,
		started: time.Now(),
	}
	byMessage[chunk.MessageID] = acc
	return acc, true
}

func (h *Hub) removeStream(acc *accumulator) {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	byMessage := h.streams[acc.channel]
	if byMessage[acc.message] == acc {
		delete(byMessage, acc.message)
		if len(byMessage) == 0 {
			delete(h.streams, acc.channel)
		}
	}
}

// finish marks acc done and stops its timer. Only the first caller gets true.
func (acc *accumulator) finish() (string, bool) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.timer != nil {
		acc.timer.Stop()
	}
	if acc.done {
		return "", false
	}
	acc.done = true
	return acc.text.String(), true
}

// CompleteStream ends a streamed message. final replaces the accumulated text
// when not empty. It reports false when the stream is unknown or was already
// completed, for example by the inactivity timer. In that case the tombstone
// left by the timer is released.
func (h *Hub) CompleteStream(channelID, messageID, final string) bool {
	h.streamsMu.Lock()
	acc := h.streams[channelID][messageID]
	h.streamsMu.Unlock()
	if acc == nil {
		return false
	}

	text, ok := acc.finish()
	h.removeStream(acc)
	if !ok {
		return false
	}
	if final != "" {
		text = final
	}

	h.emitRoom(channelID, EventMessageStreamComplete, h.completion(acc, text, false))
	return true
}

// Streaming reports whether a stream is open for the message.
func (h *Hub) Streaming(channelID, messageID string) bool {
	h.streamsMu.Lock()
	acc := h.streams[channelID][messageID]
	h.streamsMu.Unlock()
	if acc == nil {
		return false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return !acc.done
}

func (h *Hub) expireStream(acc *accumulator) {
	text, ok := acc.finish()
	if !ok {
		return
	}
	// The finished accumulator stays as a tombstone so late chunks are
	// dropped instead of reopening the stream. CompleteStream or the
	// retention timer removes it.
	acc.mu.Lock()
	acc.timer = time.AfterFunc(tombstoneFactor*h.cfg.StreamTimeout, func() { h.removeStream(acc) })
	acc.mu.Unlock()

	observability.RecordStreamTimeout()
	h.logger.Warn("stream timed out",
		zap.String("channelId", acc.channel),
		zap.String("messageId", acc.message),
		zap.Int("chunks", acc.chunks),
		zap.Duration("elapsed", time.Since(acc.started)))

	h.emitRoom(acc.channel, EventMessageStreamComplete, h.completion(acc, text, true))
}

func (h *Hub) completion(acc *accumulator, text string, timedOut bool) MessagePayload {
	msg := agent.NewMessage(acc.channel, acc.agent, text)
	msg.ID = acc.message
	payload := NewMessagePayload(msg)
	payload.TimedOut = timedOut
	return payload
}

// discardStreams drops every open stream of a channel without notifying.
func (h *Hub) discardStreams(channelID string) {
	h.streamsMu.Lock()
	byMessage := h.streams[channelID]
	delete(h.streams, channelID)
	h.streamsMu.Unlock()
	for _, acc := range byMessage {
		acc.finish()
	}
}
