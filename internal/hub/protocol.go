package hub

import (
	"encoding/json"

	"github.com/aixgo-dev/agentrelay/agent"
)

// Client to server events.
const (
	EventJoinChannel      = "join_channel"
	EventLeaveChannel     = "leave_channel"
	EventSendMessage      = "send_message"
	EventSubscribeLogs    = "subscribe_logs"
	EventUnsubscribeLogs  = "unsubscribe_logs"
	EventUpdateLogFilters = "update_log_filters"
)

// Server to client events.
const (
	EventConnected             = "connection_established"
	EventChannelJoined         = "channelJoined"
	EventChannelLeft           = "channelLeft"
	EventMessageBroadcast      = "messageBroadcast"
	EventMessageUpdated        = "messageUpdated"
	EventMessageStreamChunk    = "messageStreamChunk"
	EventMessageStreamComplete = "messageStreamComplete"
	EventMessageAck            = "messageAck"
	EventMessageError          = "messageError"
	EventChannelCleared        = "channel_cleared"
	EventChannelDeleted        = "channel_deleted"
	EventMessageDeleted        = "message_deleted"
	EventLogEntry              = "log_entry"
	EventLogSubscription       = "log_subscription_confirmed"
	EventLogFiltersUpdated     = "log_filters_updated"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(outFrame{Type: eventType, Data: data})
}

// MessagePayload is a message as rendered to clients.
type MessagePayload struct {
	ID          string             `json:"id"`
	Text        string             `json:"text"`
	SenderID    string             `json:"senderId"`
	SenderName  string             `json:"senderName,omitempty"`
	ChannelID   string             `json:"channelId"`
	Attachments []agent.Attachment `json:"attachments"`
	CreatedAt   int64              `json:"createdAt"`
	Thought     string             `json:"thought,omitempty"`
	ActionID    string             `json:"actionId,omitempty"`
	ActionState string             `json:"actionStatus,omitempty"`
	IsStreaming bool               `json:"isStreaming"`
	TimedOut    bool               `json:"timedOut,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// NewMessagePayload renders msg.
func NewMessagePayload(msg *agent.Message) MessagePayload {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []agent.Attachment{}
	}
	return MessagePayload{
		ID:          msg.ID,
		Text:        msg.Content,
		SenderID:    msg.AuthorID,
		SenderName:  msg.GetMetadataString(agent.MetaAuthorName, ""),
		ChannelID:   msg.ChannelID,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
		Thought:     msg.GetMetadataString(agent.MetaThought, ""),
		ActionID:    msg.GetMetadataString(agent.MetaActionID, ""),
		ActionState: msg.GetMetadataString(agent.MetaActionState, ""),
		Metadata:    msg.Metadata,
	}
}

type joinPayload struct {
	ChannelID string `json:"channelId"`
	// RoomID is accepted as an alias of ChannelID.
	RoomID   string `json:"roomId"`
	EntityID string `json:"entityId"`
}

func (p joinPayload) channel() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.RoomID
}

type sendPayload struct {
	ChannelID    string             `json:"channelId"`
	SenderID     string             `json:"senderId"`
	SenderName   string             `json:"senderName"`
	Message      string             `json:"message"`
	Attachments  []agent.Attachment `json:"attachments"`
	TargetUserID string             `json:"targetUserId"`
	Metadata     map[string]any     `json:"metadata"`
}

type logFilterPayload struct {
	Level     string `json:"level"`
	AgentName string `json:"agentName"`
}

type ackPayload struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
	Event string `json:"event,omitempty"`
}

type channelPayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId,omitempty"`
}

type streamChunkPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	Chunk     string `json:"chunk"`
	Text      string `json:"text"`
}
