package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/hub"
	"github.com/aixgo-dev/agentrelay/internal/orchestrator"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

// deliver answers a bus message and pushes the reply to the hub.
func (r *Runtime) deliver(ctx context.Context, msg *agent.Message) {
	logger := r.logger.With(zap.String("channelId", msg.ChannelID), zap.String("messageId", msg.ID))

	ch, err := r.sessions.Channel(ctx, msg.ChannelID)
	if err != nil {
		if !errors.Is(err, session.ErrChannelNotFound) {
			logger.Warn("failed to load channel", zap.Error(err))
		}
		return
	}
	if !ch.HasParticipant(r.character.ID) {
		logger.Debug("agent is not a participant, ignoring message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	replyID := uuid.NewString()
	var streamed atomic.Bool

	opts := RespondOptions{MessageID: replyID}
	if r.delivery != nil {
		opts.OnChunk = func(_ context.Context, text string) error {
			streamed.Store(true)
			r.delivery.StreamChunk(agent.StreamChunk{
				MessageID: replyID,
				ChannelID: msg.ChannelID,
				AgentID:   r.character.ID,
				Text:      text,
			})
			return nil
		}
		opts.Observer = r.progressObserver(msg.ChannelID)
	}

	reply, err := r.Respond(ctx, msg, opts)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("run timed out", zap.Duration("timeout", r.cfg.RunTimeout))
		} else {
			logger.Error("run failed", zap.Error(err))
		}
		if r.delivery != nil && streamed.Load() {
			r.delivery.CompleteStream(msg.ChannelID, replyID, "")
		}
		return
	}
	if r.delivery == nil {
		return
	}

	switch {
	case !streamed.Load():
		r.delivery.BroadcastMessage(reply.Message)
	case r.delivery.CompleteStream(msg.ChannelID, replyID, reply.Message.Content):
	default:
		// The stream already timed out on the hub with partial text.
		r.delivery.UpdateMessage(reply.Message)
	}
}

// progressObserver turns action events into in-place progress messages.
func (r *Runtime) progressObserver(channelID string) orchestrator.Observer {
	return func(_ context.Context, ev orchestrator.Event) {
		p := hub.ActionProgress{
			ChannelID:   channelID,
			ExecutionID: ev.ExecutionID,
			AgentID:     r.character.ID,
			AgentName:   r.character.Name,
			Action:      ev.Name,
			Thought:     ev.Thought,
		}
		switch ev.Type {
		case orchestrator.EventActionStart:
			p.Status = hub.ActionExecuting
			p.Text = fmt.Sprintf("Executing %s...", ev.Name)
		case orchestrator.EventActionEnd:
			p.Status = hub.ActionCompleted
			p.Text = fmt.Sprintf("%s completed", ev.Name)
			if ev.Result != nil {
				if !ev.Result.Success {
					p.Status = hub.ActionFailed
					p.Text = fmt.Sprintf("%s failed: %s", ev.Name, ev.Result.Error)
				} else if ev.Result.Text != "" {
					p.Text = ev.Result.Text
				}
			}
		default:
			return
		}
		r.delivery.BroadcastActionProgress(p)
	}
}
