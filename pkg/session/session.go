package session

import (
	"maps"
	"time"
)

// Session binds a client to an agent and the channel they talk on.
type Session struct {
	// ID is the client-facing session identifier.
	ID string `json:"sessionId"`
	// AgentID is the agent answering in this session.
	AgentID string `json:"agentId"`
	// UserID identifies the client user.
	UserID string `json:"userId"`
	// ChannelID is the conversation channel.
	ChannelID string `json:"channelId"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`

	// RenewalCount counts expiration extensions.
	RenewalCount int `json:"renewalCount"`

	Timeout  TimeoutConfig  `json:"timeoutConfig"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy safe to mutate.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Expired reports whether the session has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Deadline is the latest time the session may be renewed to.
func (s *Session) Deadline() time.Time {
	return s.CreatedAt.Add(s.Timeout.maxDuration())
}

// Status reports the expiration state at now.
func (s *Session) Status(now time.Time, renewed bool) Status {
	remaining := max(s.ExpiresAt.Sub(now), 0)
	return Status{
		ExpiresAt:        s.ExpiresAt,
		RenewalCount:     s.RenewalCount,
		WasRenewed:       renewed,
		IsNearExpiration: remaining <= s.Timeout.warning(),
		TimeRemainingMs:  remaining.Milliseconds(),
	}
}

// renew slides the expiration to now plus the timeout, capped at the
// deadline. It reports whether the expiration moved.
func (s *Session) renew(now time.Time) bool {
	next := now.Add(s.Timeout.timeout())
	if deadline := s.Deadline(); next.After(deadline) {
		next = deadline
	}
	if !next.After(s.ExpiresAt) {
		return false
	}
	s.ExpiresAt = next
	s.RenewalCount++
	return true
}
