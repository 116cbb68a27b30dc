// Package session maps client-facing session identifiers to conversation
// channels and their participants, and stores the channel message log.
//
// Sessions slide their expiration forward on activity, up to a maximum
// lifetime, and are removed by an explicit delete or by the expiry sweeper.
// Direct-message channels are created lazily and idempotently: concurrent
// creators for the same participant pair and server receive the same channel.
package session

import (
	"time"
)

// ChannelType distinguishes one-to-one from group conversations.
type ChannelType string

const (
	// ChannelDM is a conversation between exactly two participants.
	ChannelDM ChannelType = "DM"
	// ChannelGroup is a conversation with any number of participants.
	ChannelGroup ChannelType = "GROUP"
)

// Channel is a conversation scope.
type Channel struct {
	// ID is the unique channel identifier.
	ID string `json:"id"`
	// ServerID is the message server the channel belongs to.
	ServerID string `json:"serverId"`
	// Type is DM or GROUP.
	Type ChannelType `json:"type"`
	// Name is an optional display name.
	Name string `json:"name,omitempty"`
	// ParticipantIDs lists the users and agents in the channel.
	ParticipantIDs []string `json:"participantIds"`
	// CreatedAt is when the channel was created.
	CreatedAt time.Time `json:"createdAt"`
	// Metadata contains optional channel data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HasParticipant reports whether id takes part in the channel.
func (c *Channel) HasParticipant(id string) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// TimeoutConfig controls session expiration.
type TimeoutConfig struct {
	// TimeoutMinutes is the inactivity window. Clamped to [5, 1440].
	TimeoutMinutes int `json:"timeoutMinutes" yaml:"timeout_minutes"`
	// AutoRenew slides the expiration forward on every message.
	AutoRenew bool `json:"autoRenew" yaml:"auto_renew"`
	// MaxDurationMinutes caps the total lifetime, renewals included.
	MaxDurationMinutes int `json:"maxDurationMinutes" yaml:"max_duration_minutes"`
	// WarningThresholdMinutes marks a session as near expiration.
	WarningThresholdMinutes int `json:"warningThresholdMinutes" yaml:"warning_threshold_minutes"`
}

// Timeout bounds.
const (
	MinTimeoutMinutes = 5
	MaxTimeoutMinutes = 1440

	DefaultTimeoutMinutes          = 30
	DefaultMaxDurationMinutes      = 720
	DefaultWarningThresholdMinutes = 5
)

// DefaultTimeoutConfig returns the default expiration settings.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		TimeoutMinutes:          DefaultTimeoutMinutes,
		AutoRenew:               true,
		MaxDurationMinutes:      DefaultMaxDurationMinutes,
		WarningThresholdMinutes: DefaultWarningThresholdMinutes,
	}
}

// Normalize fills zero fields from def and clamps the result.
func (tc TimeoutConfig) Normalize(def TimeoutConfig) TimeoutConfig {
	if tc.TimeoutMinutes <= 0 {
		tc.TimeoutMinutes = def.TimeoutMinutes
	}
	if tc.MaxDurationMinutes <= 0 {
		tc.MaxDurationMinutes = def.MaxDurationMinutes
	}
	if tc.WarningThresholdMinutes <= 0 {
		tc.WarningThresholdMinutes = def.WarningThresholdMinutes
	}

	tc.TimeoutMinutes = min(max(tc.TimeoutMinutes, MinTimeoutMinutes), MaxTimeoutMinutes)
	tc.MaxDurationMinutes = max(tc.MaxDurationMinutes, tc.TimeoutMinutes)
	tc.WarningThresholdMinutes = min(max(tc.WarningThresholdMinutes, 1), tc.TimeoutMinutes)
	return tc
}

// TimeoutOverride changes selected fields of a TimeoutConfig. Zero and nil
// fields keep the base value.
type TimeoutOverride struct {
	TimeoutMinutes          int   `json:"timeoutMinutes,omitempty"`
	AutoRenew               *bool `json:"autoRenew,omitempty"`
	MaxDurationMinutes      int   `json:"maxDurationMinutes,omitempty"`
	WarningThresholdMinutes int   `json:"warningThresholdMinutes,omitempty"`
}

// Apply returns base with the override applied, clamped.
func (o TimeoutOverride) Apply(base TimeoutConfig) TimeoutConfig {
	tc := base
	if o.TimeoutMinutes > 0 {
		tc.TimeoutMinutes = o.TimeoutMinutes
	}
	if o.AutoRenew != nil {
		tc.AutoRenew = *o.AutoRenew
	}
	if o.MaxDurationMinutes > 0 {
		tc.MaxDurationMinutes = o.MaxDurationMinutes
	}
	if o.WarningThresholdMinutes > 0 {
		tc.WarningThresholdMinutes = o.WarningThresholdMinutes
	}
	return tc.Normalize(base)
}

func (tc TimeoutConfig) timeout() time.Duration {
	return time.Duration(tc.TimeoutMinutes) * time.Minute
}

func (tc TimeoutConfig) maxDuration() time.Duration {
	return time.Duration(tc.MaxDurationMinutes) * time.Minute
}

func (tc TimeoutConfig) warning() time.Duration {
	return time.Duration(tc.WarningThresholdMinutes) * time.Minute
}

// Status describes a session's expiration state.
type Status struct {
	ExpiresAt        time.Time `json:"expiresAt"`
	RenewalCount     int       `json:"renewalCount"`
	WasRenewed       bool      `json:"wasRenewed"`
	IsNearExpiration bool      `json:"isNearExpiration"`
	TimeRemainingMs  int64     `json:"timeRemaining"`
}

// HistoryOptions filters a channel's message log.
type HistoryOptions struct {
	// Limit caps the number of messages returned. Clamped to [1, 100], default 50.
	Limit int
	// Before keeps messages created strictly before this time.
	Before time.Time
	// After keeps messages created strictly after this time.
	After time.Time
}

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

func (o HistoryOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultHistoryLimit
	case o.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return o.Limit
}

// Stats summarizes active sessions.
type Stats struct {
	Total           int     `json:"totalSessions"`
	NearExpiration  int     `json:"nearExpiration"`
	AverageRenewals float64 `json:"averageRenewals"`
}
