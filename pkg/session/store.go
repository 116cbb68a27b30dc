package session

import (
	"context"
	"errors"

	"github.com/aixgo-dev/agentrelay/agent"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session exists but has expired.
	ErrSessionExpired = errors.New("session expired")
	// ErrChannelNotFound is returned when a channel doesn't exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMessageNotFound is returned when a message doesn't exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMaxDurationReached is returned when a session cannot be renewed further.
	ErrMaxDurationReached = errors.New("session reached its maximum duration")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
)

// Store abstracts session, channel and message persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession is a no-op for unknown ids.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns every stored session, expired ones included.
	ListSessions(ctx context.Context) ([]*Session, error)

	// SaveChannel creates or replaces a channel.
	SaveChannel(ctx context.Context, ch *Channel) error

	// CreateChannelIfAbsent stores ch under key unless a channel already
	// exists for key. It returns the stored channel and whether ch won.
	CreateChannelIfAbsent(ctx context.Context, key string, ch *Channel) (*Channel, bool, error)

	// LoadChannel returns ErrChannelNotFound if the channel doesn't exist.
	LoadChannel(ctx context.Context, id string) (*Channel, error)

	// DeleteChannel removes a channel, its key binding and its messages.
	DeleteChannel(ctx context.Context, id string) error

	// AppendMessage adds a message to its channel log.
	AppendMessage(ctx context.Context, msg *agent.Message) error

	// Messages returns matching messages oldest first, and whether older
	// matching messages were left out by the limit.
	Messages(ctx context.Context, channelID string, opts HistoryOptions) ([]*agent.Message, bool, error)

	// DeleteMessage returns ErrMessageNotFound if the message doesn't exist.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// ClearMessages removes every message of a channel.
	ClearMessages(ctx context.Context, channelID string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
