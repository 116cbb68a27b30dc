package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is a log record as delivered to subscribers.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Agent   string         `json:"agentName,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	level zapcore.Level
}

// Filter selects which entries a subscriber receives.
type Filter struct {
	// Level is the minimum level delivered.
	Level zapcore.Level
	// Agent, when set, restricts delivery to entries tagged with that agent.
	Agent string
}

func (f Filter) match(e Entry) bool {
	if e.level < f.Level {
		return false
	}
	return f.Agent == "" || f.Agent == e.Agent
}

type subscriber struct {
	filter Filter
	fn     func(Entry)
}

type tapState struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	count  atomic.Int32
}

// Tap is a zapcore.Core that fans log entries out to live subscribers.
// Subscriber callbacks run on the logging goroutine; they must not block and
// must not log through the same logger.
type Tap struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	state  *tapState
}

var _ zapcore.Core = (*Tap)(nil)

// NewTap creates a tap capturing entries at or above level.
func NewTap(level zapcore.Level) *Tap {
	return &Tap{
		level: level,
		state: &tapState{subs: make(map[uint64]*subscriber)},
	}
}

// Subscribe registers fn and returns its subscription id.
func (t *Tap) Subscribe(filter Filter, fn func(Entry)) uint64 {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = &subscriber{filter: filter, fn: fn}
	s.count.Store(int32(len(s.subs)))
	return s.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (t *Tap) Unsubscribe(id uint64) {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	s.count.Store(int32(len(s.subs)))
}

// UpdateFilter replaces the filter of an existing subscription.
func (t *Tap) UpdateFilter(id uint64, filter Filter) bool {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false
	}
	s.subs[id] = &subscriber{filter: filter, fn: sub.fn}
	return true
}

// Filter returns the current filter of a subscription.
func (t *Tap) Filter(id uint64) (Filter, bool) {
	s := t.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return Filter{}, false
	}
	return sub.filter, true
}

// Subscribers returns the number of active subscriptions.
func (t *Tap) Subscribers() int {
	return int(t.state.count.Load())
}

// Enabled implements zapcore.Core.
func (t *Tap) Enabled(lvl zapcore.Level) bool {
	return t.state.count.Load() > 0 && t.level.Enabled(lvl)
}

// With implements zapcore.Core.
func (t *Tap) With(fields []zapcore.Field) zapcore.Core {
	clone := *t
	clone.fields = append(append([]zapcore.Field(nil), t.fields...), fields...)
	return &clone
}

// Check implements zapcore.Core.
func (t *Tap) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return ce.AddCore(ent, t)
	}
	return ce
}

// Write implements zapcore.Core.
func (t *Tap) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range t.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	entry := Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Fields:  enc.Fields,
		level:   ent.Level,
	}
	for _, key := range []string{"agent", "agentName"} {
		if v, ok := enc.Fields[key].(string); ok {
			entry.Agent = v
			break
		}
	}

	s := t.state
	s.mu.RLock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.filter.match(entry) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		sub.fn(entry)
	}
	return nil
}

// Sync implements zapcore.Core.
func (t *Tap) Sync() error {
	return nil
}
