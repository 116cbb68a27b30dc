package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
)

// ErrInvalidRequest is returned for malformed registry calls.
var ErrInvalidRequest = errors.New("invalid session request")

// Manager is the session and channel registry.
// Manager is safe for concurrent use. Session updates are serialized per
// session id; operations on different sessions never block each other.
type Manager struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	channels singleflight.Group
	locks    keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a registry over store.
func NewManager(store Store, cfg Config, opts ...Option) *Manager {
	if cfg.ServerID == "" {
		cfg.ServerID = DefaultServerID
	}
	cfg.Timeout = cfg.Timeout.Normalize(DefaultTimeoutConfig())

	m := &Manager{
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServerID returns the message server channels are created on.
func (m *Manager) ServerID() string {
	return m.cfg.ServerID
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// AgentID is the agent answering in the session. Required.
	AgentID string
	// UserID identifies the client user. Required.
	UserID string
	// Metadata contains optional session metadata.
	Metadata map[string]any
	// Timeout overrides fields of the default expiration policy.
	Timeout *TimeoutOverride
}

// Create starts a session on a new DM channel between the user and the agent.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if strings.TrimSpace(opts.AgentID) == "" {
		return nil, fmt.Errorf("%w: agentId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	tc := m.cfg.Timeout
	if opts.Timeout != nil {
		tc = opts.Timeout.Apply(m.cfg.Timeout)
	}

	now := m.now()
	sessionID := uuid.NewString()

	ch := &Channel{
		ID:             uuid.NewString(),
		ServerID:       m.cfg.ServerID,
		Type:           ChannelDM,
		Name:           "session-" + sessionID,
		ParticipantIDs: []string{opts.UserID, opts.AgentID},
		CreatedAt:      now,
		Metadata:       map[string]any{"sessionId": sessionID},
	}
	if err := m.store.SaveChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("save channel: %w", err)
	}

	s := &Session{
		ID:           sessionID,
		AgentID:      opts.AgentID,
		UserID:       opts.UserID,
		ChannelID:    ch.ID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(tc.timeout()),
		Timeout:      tc,
		Metadata:     opts.Metadata,
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.logger.Info("session created",
		zap.String("sessionId", s.ID),
		zap.String("agent", s.AgentID),
		zap.String("channelId", s.ChannelID),
		zap.Time("expiresAt", s.ExpiresAt))
	return s, nil
}

// Get returns an active session. An expired session is removed and
// ErrSessionExpired returned.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		m.expire(ctx, s)
		return nil, ErrSessionExpired
	}
	return s, nil
}

// List returns active sessions, oldest first.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	all, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return slices.DeleteFunc(all, func(s *Session) bool { return s.Expired(now) }), nil
}

// Stats summarizes active sessions.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	active, err := m.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := m.now()
	st := Stats{Total: len(active)}
	renewals := 0
	for _, s := range active {
		renewals += s.RenewalCount
		if s.Status(now, false).IsNearExpiration {
			st.NearExpiration++
		}
	}
	if len(active) > 0 {
		st.AverageRenewals = float64(renewals) / float64(len(active))
	}
	observability.SetActiveSessions(len(active))
	return st, nil
}

// Delete removes a session together with its channel and messages.
func (m *Manager) Delete(ctx context.Context, id string) (*Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.remove(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("session deleted", zap.String("sessionId", id))
	return s, nil
}

func (m *Manager) remove(ctx context.Context, s *Session) error {
	if err := m.store.DeleteSession(ctx, s.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := m.store.DeleteChannel(ctx, s.ChannelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func (m *Manager) expire(ctx context.Context, s *Session) {
	if err := m.remove(ctx, s); err != nil {
		m.logger.Warn("failed to remove expired session", zap.String("sessionId", s.ID), zap.Error(err))
	}
}

// update loads an active session under its lock, applies fn and saves it.
func (m *Manager) update(ctx context.Context, id string, fn func(s *Session, now time.Time) (bool, error)) (*Session, Status, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, Status{}, err
	}
	now := m.now()
	if s.Expired(now) {
		m.expire(ctx, s)
		return nil, Status{}, ErrSessionExpired
	}

	renewed, err := fn(s, now)
	if err != nil {
		return nil, Status{}, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, Status{}, fmt.Errorf("save session: %w", err)
	}
	return s, s.Status(now, renewed), nil
}

// Touch records activity. With auto-renew on, the expiration slides forward.
func (m *Manager) Touch(ctx context.Context, id string) (*Session, Status, error) {
	return m.update(ctx, id, func(s *Session, now time.Time) (bool, error) {
		s.LastActivity = now
		if !s.Timeout.AutoRenew {
			return false, nil
		}
		return s.renew(now), nil
	})
}

// Renew extends the expiration regardless of auto-renew. It fails with
// ErrMaxDurationReached once the session hits its maximum lifetime.
func (m *Manager) Renew(ctx context.Context, id string) (*Session, Status, error) {
	return m.update(ctx, id, func(s *Session, now time.Time) (bool, error) {
		s.LastActivity = now
		if !s.renew(now) {
			if !s.ExpiresAt.Before(s.Deadline()) {
				return false, ErrMaxDurationReached
			}
			return false, nil
		}
		return true, nil
	})
}

// UpdateTimeout changes the expiration policy. The expiration is
// recomputed from the last activity.
func (m *Manager) UpdateTimeout(ctx context.Context, id string, o TimeoutOverride) (*Session, Status, error) {
	return m.update(ctx, id, func(s *Session, now time.Time) (bool, error) {
		s.Timeout = o.Apply(s.Timeout)
		next := s.LastActivity.Add(s.Timeout.timeout())
		if deadline := s.Deadline(); next.After(deadline) {
			next = deadline
		}
		s.ExpiresAt = next
		return false, nil
	})
}

// SweepExpired removes every expired session and returns them.
func (m *Manager) SweepExpired(ctx context.Context) ([]*Session, error) {
	all, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var expired []*Session
	for _, s := range all {
		if !s.Expired(now) {
			continue
		}
		unlock := m.locks.lock(s.ID)
		err := m.remove(ctx, s)
		unlock()
		if err != nil {
			m.logger.Warn("failed to remove expired session", zap.String("sessionId", s.ID), zap.Error(err))
			continue
		}
		expired = append(expired, s)
	}

	observability.RecordSessionsExpired(len(expired))
	observability.SetActiveSessions(len(all) - len(expired))
	if len(expired) > 0 {
		m.logger.Info("expired sessions removed", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// DMKey identifies the direct-message channel between two participants on
// a server, independent of argument order.
func DMKey(serverID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + serverID + ":" + a + ":" + b
}

// EnsureDMChannel returns the DM channel between a and b, creating it on
// first use. Concurrent callers receive the same channel.
func (m *Manager) EnsureDMChannel(ctx context.Context, a, b string) (*Channel, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both participants are required", ErrInvalidRequest)
	}
	key := DMKey(m.cfg.ServerID, a, b)
	return m.ensureChannel(ctx, key, &Channel{
		ID:             uuid.NewString(),
		ServerID:       m.cfg.ServerID,
		Type:           ChannelDM,
		ParticipantIDs: []string{a, b},
	})
}

// EnsureChannel returns the channel with id, creating a group channel with
// the given participants if none exists.
func (m *Manager) EnsureChannel(ctx context.Context, id string, participants ...string) (*Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidRequest)
	}
	ch, err := m.store.LoadChannel(ctx, id)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return nil, err
	}
	return m.ensureChannel(ctx, "id:"+id, &Channel{
		ID:             id,
		ServerID:       m.cfg.ServerID,
		Type:           ChannelGroup,
		ParticipantIDs: participants,
	})
}

func (m *Manager) ensureChannel(ctx context.Context, key string, ch *Channel) (*Channel, error) {
	v, err, _ := m.channels.Do(key, func() (any, error) {
		ch.CreatedAt = m.now()
		stored, created, err := m.store.CreateChannelIfAbsent(ctx, key, ch)
		if err != nil {
			return nil, err
		}
		if created {
			m.logger.Info("channel created",
				zap.String("channelId", stored.ID),
				zap.String("type", string(stored.Type)))
		}
		return stored, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure channel: %w", err)
	}
	return cloneChannel(v.(*Channel)), nil
}

// Channel returns a channel by id.
func (m *Manager) Channel(ctx context.Context, id string) (*Channel, error) {
	return m.store.LoadChannel(ctx, id)
}

// AppendMessage records a message on an existing channel. A missing id or
// timestamp is filled in.
func (m *Manager) AppendMessage(ctx context.Context, msg *agent.Message) error {
	if msg == nil || msg.ChannelID == "" {
		return fmt.Errorf("%w: message channel is required", ErrInvalidRequest)
	}
	if _, err := m.store.LoadChannel(ctx, msg.ChannelID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	return m.store.AppendMessage(ctx, msg)
}

// Messages returns a page of a channel's log, oldest first.
func (m *Manager) Messages(ctx context.Context, channelID string, opts HistoryOptions) ([]*agent.Message, bool, error) {
	return m.store.Messages(ctx, channelID, opts)
}

// DeleteMessage removes one message from a channel.
func (m *Manager) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return m.store.DeleteMessage(ctx, channelID, messageID)
}

// ClearChannel removes every message from a channel.
func (m *Manager) ClearChannel(ctx context.Context, channelID string) error {
	return m.store.ClearMessages(ctx, channelID)
}

// Ping checks the store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
