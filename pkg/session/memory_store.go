package session

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/agentrelay/agent"
)

// MemoryStore keeps everything in process memory. It is the default store
// and the one used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]*Channel
	keys     map[string]string // channel key -> channel id
	messages map[string][]*agent.Message
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		channels: make(map[string]*Channel),
		keys:     make(map[string]string),
		messages: make(map[string][]*agent.Message),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) SaveChannel(_ context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (m *MemoryStore) CreateChannelIfAbsent(_ context.Context, key string, ch *Channel) (*Channel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrStorageClosed
	}
	if id, ok := m.keys[key]; ok {
		if existing, ok := m.channels[id]; ok {
			return cloneChannel(existing), false, nil
		}
	}
	m.keys[key] = ch.ID
	m.channels[ch.ID] = cloneChannel(ch)
	return cloneChannel(ch), true, nil
}

func (m *MemoryStore) LoadChannel(_ context.Context, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return cloneChannel(ch), nil
}

func (m *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.channels, id)
	delete(m.messages, id)
	for key, cid := range m.keys {
		if cid == id {
			delete(m.keys, key)
		}
	}
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *agent.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	log := m.messages[msg.ChannelID]
	// Keep the log ordered by creation time; ties keep arrival order.
	i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(msg.CreatedAt) })
	m.messages[msg.ChannelID] = slices.Insert(log, i, msg.Clone())
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, channelID string, opts HistoryOptions) ([]*agent.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrStorageClosed
	}

	var matched []*agent.Message
	for _, msg := range m.messages[channelID] {
		if !opts.Before.IsZero() && !msg.CreatedAt.Before(opts.Before) {
			continue
		}
		if !opts.After.IsZero() && !msg.CreatedAt.After(opts.After) {
			continue
		}
		matched = append(matched, msg)
	}

	limit := opts.limit()
	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[len(matched)-limit:]
	}

	out := make([]*agent.Message, len(matched))
	for i, msg := range matched {
		out[i] = msg.Clone()
	}
	return out, hasMore, nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	log := m.messages[channelID]
	i := slices.IndexFunc(log, func(msg *agent.Message) bool { return msg.ID == messageID })
	if i < 0 {
		return ErrMessageNotFound
	}
	m.messages[channelID] = slices.Delete(log, i, i+1)
	return nil
}

func (m *MemoryStore) ClearMessages(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.messages, channelID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneChannel(ch *Channel) *Channel {
	c := *ch
	c.ParticipantIDs = slices.Clone(ch.ParticipantIDs)
	c.Metadata = maps.Clone(ch.Metadata)
	return &c
}

func sortSessions(s []*Session) {
	slices.SortFunc(s, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
