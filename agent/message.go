package agent

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Well-known metadata keys.
const (
	MetaThought     = "thought"
	MetaTransport   = "transport"
	MetaSessionID   = "sessionId"
	MetaKind        = "kind"
	MetaActionID    = "actionId"
	MetaActionState = "actionStatus"
	MetaAuthorName  = "authorName"
)

// Message kinds stored under MetaKind.
const (
	KindChat           = "chat"
	KindActionProgress = "action_progress"
)

// Attachment is a file or link sent along with a message.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Message is one immutable turn in a channel.
// It is referenced by ID for deletion and update acknowledgement.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string `json:"id"`

	// ChannelID is the conversation the message belongs to.
	ChannelID string `json:"channelId"`

	// AuthorID identifies the user or agent that wrote the message.
	AuthorID string `json:"authorId"`

	// Content is the message text.
	Content string `json:"content"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// CreatedAt is when the message was recorded (UTC).
	CreatedAt time.Time `json:"createdAt"`

	// Metadata contains optional key-value pairs such as the agent thought,
	// the transport the message arrived on, or action-progress details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(channelID, authorID, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// WithMetadata adds metadata to the message and returns it for chaining.
// It is meant for construction time, before the message is shared.
//
//	msg := NewMessage(channelID, userID, "hi").
//	    WithMetadata(MetaTransport, "http").
//	    WithMetadata(MetaSessionID, sessionID)
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// GetMetadata retrieves metadata by key, returning the default value if not found.
func (m *Message) GetMetadata(key string, defaultValue any) any {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key]; ok {
		return val
	}
	return defaultValue
}

// GetMetadataString is a convenience method to get metadata as a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	val := m.GetMetadata(key, defaultValue)
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

// Kind reports the message category, KindChat when unset.
func (m *Message) Kind() string {
	return m.GetMetadataString(MetaKind, KindChat)
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Attachments != nil {
		clone.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	clone.Metadata = maps.Clone(m.Metadata)
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]any)
	}
	return &clone
}

// String returns a human-readable representation of the message for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Channel:%s, Author:%s, CreatedAt:%s}",
		m.ID, m.ChannelID, m.AuthorID, m.CreatedAt.Format(time.RFC3339))
}

// StreamChunk is an increment of text for a message that is still being generated.
type StreamChunk struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	AgentID   string `json:"agentId"`
	Text      string `json:"chunk"`
}
