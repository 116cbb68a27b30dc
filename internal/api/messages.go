package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/runtime"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

type messageRequest struct {
	Content     string             `json:"content"`
	Attachments []agent.Attachment `json:"attachments"`
	Metadata    map[string]any     `json:"metadata"`
	Transport   json.RawMessage    `json:"transport"`
	Mode        json.RawMessage    `json:"mode"`
}

type agentResponse struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Thought string `json:"thought,omitempty"`
}

type syncResponse struct {
	Success       bool           `json:"success"`
	UserMessage   *agent.Message `json:"userMessage"`
	AgentResponse agentResponse  `json:"agentResponse"`
	SessionStatus session.Status `json:"sessionStatus"`
}

type asyncResponse struct {
	Success       bool           `json:"success"`
	UserMessage   *agent.Message `json:"userMessage"`
	SessionStatus session.Status `json:"sessionStatus"`
}

type historyResponse struct {
	Success  bool             `json:"success"`
	Messages []*agent.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

type chunkEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Thought string `json:"thought,omitempty"`
}

type errorEvent struct {
	Error string `json:"error"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	transport, err := parseTransport(req.Transport, req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		s.writeError(w, r, badRequest(security.ErrCodeInvalidInput, "content is required"))
		return
	}
	if err := security.ValidateContent(content); err != nil {
		s.writeError(w, r, badRequest(security.ErrCodeInvalidInput, "%s", err))
		return
	}

	sess, status, err := s.sessions.Touch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg := agent.NewMessage(sess.ChannelID, sess.UserID, content)
	msg.Attachments = req.Attachments
	for k, v := range req.Metadata {
		msg.WithMetadata(k, v)
	}
	msg.WithMetadata(agent.MetaTransport, string(transport)).
		WithMetadata(agent.MetaSessionID, sess.ID)
	if err := s.sessions.AppendMessage(r.Context(), msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.RecordMessage(string(transport))

	switch transport {
	case TransportHTTP:
		s.respondSync(w, r, msg, status)
	case TransportSSE:
		s.respondSSE(w, r, msg)
	default:
		s.respondAsync(w, r, msg, status)
	}
}

func (s *Server) respondSync(w http.ResponseWriter, r *http.Request, msg *agent.Message, status session.Status) {
	reply, err := s.agent.Respond(r.Context(), msg, runtime.RespondOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, syncResponse{
		Success:     true,
		UserMessage: msg,
		AgentResponse: agentResponse{
			ID:      reply.Message.ID,
			Text:    reply.Message.Content,
			Thought: reply.Result.Thought,
		},
		SessionStatus: status,
	})
}

// respondSSE streams the reply. The stream always ends with exactly one done
// or error event, unless the client went away.
func (s *Server) respondSSE(w http.ResponseWriter, r *http.Request, msg *agent.Message) {
	sse := newSSEWriter(w)
	logger := s.logger.With(zap.String("messageId", msg.ID), zap.String("channelId", msg.ChannelID))

	if err := sse.send("user_message", msg); err != nil {
		logger.Debug("sse client went away", zap.Error(err))
		return
	}

	abort := make(chan struct{})
	var abortOnce sync.Once
	onChunk := func(_ context.Context, text string) error {
		if err := sse.send("chunk", chunkEvent{Text: text}); err != nil {
			abortOnce.Do(func() { close(abort) })
			return err
		}
		return nil
	}

	reply, err := s.agent.Respond(r.Context(), msg, runtime.RespondOptions{OnChunk: onChunk, Abort: abort})
	if err != nil {
		logger.Warn("sse run failed", zap.Error(err))
		_ = sse.send("error", errorEvent{Error: security.SanitizeError(err, s.debug).Message})
		return
	}
	if err := sse.send("done", doneEvent{ID: reply.Message.ID, Text: reply.Message.Content, Thought: reply.Result.Thought}); err != nil {
		logger.Debug("sse client went away before done", zap.Error(err))
	}
}

func (s *Server) respondAsync(w http.ResponseWriter, r *http.Request, msg *agent.Message, status session.Status) {
	if !s.publish(r, bus.Event{
		Type:      bus.EventNewMessage,
		ChannelID: msg.ChannelID,
		Message:   msg,
		SessionID: msg.GetMetadataString(agent.MetaSessionID, ""),
	}) {
		s.logger.Warn("message stored but not dispatched", zap.String("messageId", msg.ID))
	}
	writeJSON(w, http.StatusCreated, asyncResponse{Success: true, UserMessage: msg, SessionStatus: status})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	opts := session.HistoryOptions{
		Before: parseTime(q.Get("before")),
		After:  parseTime(q.Get("after")),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = min(max(n, 1), session.MaxHistoryLimit)
	}

	msgs, hasMore, err := s.sessions.Messages(r.Context(), sess.ChannelID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*agent.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Success: true, Messages: msgs, HasMore: hasMore})
}

// parseTime accepts RFC 3339 or unix milliseconds. Anything else is the zero time.
func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	return time.Time{}
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.ClearChannel(r.Context(), sess.ChannelID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, bus.Event{Type: bus.EventChannelCleared, ChannelID: sess.ChannelID, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	messageID := r.PathValue("messageId")
	if err := s.sessions.DeleteMessage(r.Context(), sess.ChannelID, messageID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, bus.Event{
		Type:      bus.EventMessageDeleted,
		ChannelID: sess.ChannelID,
		Message:   &agent.Message{ID: messageID, ChannelID: sess.ChannelID},
		SessionID: sess.ID,
	})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
