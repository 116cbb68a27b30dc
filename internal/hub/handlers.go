package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/logging"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

const handleTimeout = 10 * time.Second

// handle dispatches one inbound frame. It runs on the client's read goroutine.
func (h *Hub) handle(c *client, frame Frame) {
	switch frame.Type {
	case EventJoinChannel:
		h.handleJoin(c, frame)
	case EventLeaveChannel:
		h.handleLeave(c, frame)
	case EventSendMessage:
		h.handleSend(c, frame)
	case EventSubscribeLogs:
		h.handleSubscribeLogs(c, frame)
	case EventUnsubscribeLogs:
		h.stopLogs(c)
		c.emit(EventLogSubscription, map[string]bool{"subscribed": false})
	case EventUpdateLogFilters:
		h.handleUpdateLogFilters(c, frame)
	default:
		c.emitError(frame.Type, "unknown event type: "+frame.Type)
	}
}

func decodeData(frame Frame, v any) error {
	if len(frame.Data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(frame.Data, v)
}

func (h *Hub) handleJoin(c *client, frame Frame) {
	var p joinPayload
	if err := decodeData(frame, &p); err != nil || p.channel() == "" {
		c.emitError(frame.Type, "channelId is required")
		return
	}
	if h.join(c, p.channel()) {
		c.emit(EventChannelJoined, channelPayload{ChannelID: p.channel()})
	}
}

func (h *Hub) handleLeave(c *client, frame Frame) {
	var p joinPayload
	if err := decodeData(frame, &p); err != nil || p.channel() == "" {
		c.emitError(frame.Type, "channelId is required")
		return
	}
	h.leave(c, p.channel())
	c.emit(EventChannelLeft, channelPayload{ChannelID: p.channel()})
}

func (h *Hub) handleSend(c *client, frame Frame) {
	var p sendPayload
	if err := decodeData(frame, &p); err != nil {
		c.emitError(frame.Type, "invalid message payload")
		return
	}
	p.Message = strings.TrimSpace(p.Message)
	switch {
	case p.SenderID == "":
		c.emitError(frame.Type, "senderId is required")
		return
	case p.Message == "" && len(p.Attachments) == 0:
		c.emitError(frame.Type, "message is required")
		return
	}
	if err := security.ValidateIdentifier("senderId", p.SenderID); err != nil {
		c.emitError(frame.Type, err.Error())
		return
	}
	if err := security.ValidateContent(p.Message); err != nil {
		c.emitError(frame.Type, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	channelID, err := h.resolveChannel(ctx, p)
	if err != nil {
		h.logger.Warn("failed to resolve channel", zap.String("client", c.id), zap.Error(err))
		c.emitError(frame.Type, err.Error())
		return
	}

	msg := agent.NewMessage(channelID, p.SenderID, p.Message).
		WithMetadata(agent.MetaTransport, "websocket")
	msg.Attachments = p.Attachments
	for k, v := range p.Metadata {
		msg.WithMetadata(k, v)
	}
	if p.SenderName != "" {
		msg.WithMetadata(agent.MetaAuthorName, p.SenderName)
	}

	if h.sessions != nil {
		if err := h.sessions.AppendMessage(ctx, msg); err != nil {
			h.logger.Error("failed to persist message", zap.String("channelId", channelID), zap.Error(err))
			c.emitError(frame.Type, "failed to store message")
			return
		}
	}
	observability.RecordMessage("websocket")

	c.emit(EventMessageAck, ackPayload{Status: "received", MessageID: msg.ID, ChannelID: channelID})

	h.join(c, channelID)
	c.seen.add(msg.ID)
	h.broadcast(msg, c)

	if h.bus != nil {
		err := h.bus.Publish(ctx, bus.Event{Type: bus.EventNewMessage, ChannelID: channelID, Message: msg})
		if err != nil {
			h.logger.Warn("failed to publish message", zap.String("messageId", msg.ID), zap.Error(err))
		}
	}
}

// resolveChannel finds or creates the channel a message is addressed to.
func (h *Hub) resolveChannel(ctx context.Context, p sendPayload) (string, error) {
	if h.sessions == nil {
		if p.ChannelID == "" {
			return "", errors.New("channelId is required")
		}
		return p.ChannelID, nil
	}

	participants := []string{p.SenderID}
	if p.TargetUserID != "" {
		participants = append(participants, p.TargetUserID)
	}

	switch {
	case p.ChannelID != "":
		ch, err := h.sessions.Channel(ctx, p.ChannelID)
		if err == nil {
			return ch.ID, nil
		}
		if !errors.Is(err, session.ErrChannelNotFound) {
			return "", err
		}
		ch, err = h.sessions.EnsureChannel(ctx, p.ChannelID, participants...)
		if err != nil {
			return "", err
		}
		return ch.ID, nil
	case p.TargetUserID != "":
		ch, err := h.sessions.EnsureDMChannel(ctx, p.SenderID, p.TargetUserID)
		if err != nil {
			return "", err
		}
		return ch.ID, nil
	default:
		return "", errors.New("channelId or targetUserId is required")
	}
}

func (h *Hub) logFilter(frame Frame) (logging.Filter, error) {
	filter := logging.Filter{Level: zapcore.InfoLevel}
	if len(frame.Data) == 0 {
		return filter, nil
	}
	var p logFilterPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return filter, errors.New("invalid log filter")
	}
	if p.Level != "" {
		lvl, err := logging.ParseLevel(p.Level)
		if err != nil {
			return filter, err
		}
		filter.Level = lvl
	}
	filter.Agent = p.AgentName
	return filter, nil
}

func (h *Hub) handleSubscribeLogs(c *client, frame Frame) {
	if h.tap == nil {
		c.emitError(frame.Type, "log streaming is disabled")
		return
	}
	filter, err := h.logFilter(frame)
	if err != nil {
		c.emitError(frame.Type, err.Error())
		return
	}

	c.logMu.Lock()
	if c.logSub != 0 {
		h.tap.UpdateFilter(c.logSub, filter)
	} else {
		c.logSub = h.tap.Subscribe(filter, func(e logging.Entry) {
			if b, err := encode(EventLogEntry, e); err == nil {
				c.offer(b)
			}
		})
	}
	c.logMu.Unlock()

	c.emit(EventLogSubscription, map[string]any{"subscribed": true, "level": filter.Level.String(), "agentName": filter.Agent})
}

func (h *Hub) handleUpdateLogFilters(c *client, frame Frame) {
	if h.tap == nil {
		c.emitError(frame.Type, "log streaming is disabled")
		return
	}
	filter, err := h.logFilter(frame)
	if err != nil {
		c.emitError(frame.Type, err.Error())
		return
	}

	c.logMu.Lock()
	sub := c.logSub
	c.logMu.Unlock()
	if sub == 0 || !h.tap.UpdateFilter(sub, filter) {
		c.emitError(frame.Type, "not subscribed to logs")
		return
	}
	c.emit(EventLogFiltersUpdated, map[string]any{"level": filter.Level.String(), "agentName": filter.Agent})
}

func (h *Hub) stopLogs(c *client) {
	if h.tap == nil {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.logSub != 0 {
		h.tap.Unsubscribe(c.logSub)
		c.logSub = 0
	}
}
