package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

const maxBodyBytes = 1 << 20

type createSessionRequest struct {
	AgentID  string                   `json:"agentId"`
	UserID   string                   `json:"userId"`
	Metadata map[string]any           `json:"metadata"`
	Timeout  *session.TimeoutOverride `json:"timeoutConfig"`
}

type sessionResponse struct {
	Success bool `json:"success"`
	*session.Session
	Status session.Status `json:"sessionStatus"`
}

type listSessionsResponse struct {
	Success  bool               `json:"success"`
	Sessions []*session.Session `json:"sessions"`
	Total    int                `json:"total"`
	Stats    session.Stats      `json:"stats"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(security.ErrCodeInvalidInput, "Invalid request body: %s", err.Error())
	}
	return nil
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	character := s.agent.Character()
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = character.ID
	}
	if agentID != character.ID {
		s.writeError(w, r, &ClientInputError{
			Status:  http.StatusNotFound,
			Code:    security.ErrCodeAgentNotFound,
			Message: "Agent not found: " + agentID,
		})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if err := security.ValidateIdentifier("userId", req.UserID); err != nil {
		s.writeError(w, r, badRequest(security.ErrCodeInvalidInput, "%s", err))
		return
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateOptions{
		AgentID:  agentID,
		UserID:   req.UserID,
		Metadata: req.Metadata,
		Timeout:  req.Timeout,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Success: true, Session: sess, Status: sess.Status(time.Now(), false)})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Success: true, Sessions: sessions, Total: len(sessions), Stats: stats})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess, Status: sess.Status(time.Now(), false)})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, bus.Event{Type: bus.EventChannelDeleted, ChannelID: sess.ChannelID, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) renewSession(w http.ResponseWriter, r *http.Request) {
	sess, status, err := s.sessions.Renew(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess, Status: status})
}

func (s *Server) updateTimeout(w http.ResponseWriter, r *http.Request) {
	var override session.TimeoutOverride
	if err := decodeBody(w, r, &override); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, status, err := s.sessions.UpdateTimeout(r.Context(), r.PathValue("id"), override)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess, Status: status})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	sess, status, err := s.sessions.Touch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess, Status: status})
}

func (s *Server) publish(r *http.Request, ev bus.Event) bool {
	if s.bus == nil {
		return false
	}
	if err := s.bus.Publish(r.Context(), ev); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", ev.Type),
			zap.String("channelId", ev.ChannelID),
			zap.Error(err))
		return false
	}
	return true
}
