package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
)

// Registry maps names to providers and actions. It is populated at startup
// and read concurrently by every run afterwards.
type Registry struct {
	mu            sync.RWMutex
	providers     map[string]Provider
	actions       map[string]Action
	providerOrder []string
	actionOrder   []string

	limiter *security.ActionRateLimiter
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithActionLimiter applies per-action execution limits.
func WithActionLimiter(l *security.ActionRateLimiter) Option {
	return func(r *Registry) {
		r.limiter = l
	}
}

// WithExecutionTimeout bounds every provider and action call. Zero disables it.
func WithExecutionTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		actions:   make(map[string]Action),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds a provider. Names must be unique.
func (r *Registry) RegisterProvider(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := NormalizeName(p.Name())
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.providers[name] = p
	r.providerOrder = append(r.providerOrder, name)
	return nil
}

// RegisterAction adds an action. Names must be unique.
func (r *Registry) RegisterAction(a Action) error {
	if a == nil {
		return fmt.Errorf("action cannot be nil")
	}
	name := NormalizeName(a.Name())
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	r.actions[name] = a
	r.actionOrder = append(r.actionOrder, name)
	return nil
}

// Provider looks up a provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[NormalizeName(name)]
	return p, ok
}

// Action looks up an action by name.
func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[NormalizeName(name)]
	return a, ok
}

// Providers describes the registered providers in registration order.
func (r *Registry) Providers() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providerOrder))
	for _, name := range r.providerOrder {
		out = append(out, Descriptor{Name: name, Description: r.providers[name].Description()})
	}
	return out
}

// Actions describes the registered actions in registration order.
func (r *Registry) Actions() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.actionOrder))
	for _, name := range r.actionOrder {
		out = append(out, Descriptor{Name: name, Description: r.actions[name].Description()})
	}
	return out
}

// GetProvider resolves and invokes a provider. A provider succeeds only when
// it returns non-empty text.
func (r *Registry) GetProvider(ctx context.Context, name string, req *Request) Result {
	canonical := NormalizeName(name)
	p, ok := r.Provider(canonical)
	if !ok {
		r.logger.Warn("provider not found", zap.String("provider", name))
		return failed(KindProvider, canonical, fmt.Errorf("provider %q: %w", name, ErrNotFound))
	}

	start := time.Now()
	text, err := r.call(ctx, KindProvider, canonical, func(ctx context.Context) (string, error) {
		return p.Get(ctx, req)
	})

	var res Result
	switch {
	case err != nil:
		res = failed(KindProvider, canonical, err)
	case strings.TrimSpace(text) == "":
		res = failed(KindProvider, canonical, fmt.Errorf("provider %s returned no data", canonical))
	default:
		res = Result{Kind: KindProvider, Name: canonical, Success: true, Text: text}
	}
	observability.RecordCapabilityCall(string(KindProvider), canonical, res.Success, time.Since(start))
	return res
}

// ExecuteAction validates and runs an action. Every failure, including a
// panic inside the action, is returned as a failed Result.
func (r *Registry) ExecuteAction(ctx context.Context, name string, req *Request) Result {
	canonical := NormalizeName(name)
	a, ok := r.Action(canonical)
	if !ok {
		r.logger.Warn("action not found", zap.String("action", name))
		return failed(KindAction, canonical, fmt.Errorf("action %q: %w", name, ErrNotFound))
	}

	if r.limiter != nil && !r.limiter.Allow(canonical) {
		return failed(KindAction, canonical, fmt.Errorf("action %s: %w", canonical, ErrRateLimited))
	}

	start := time.Now()
	text, err := r.call(ctx, KindAction, canonical, func(ctx context.Context) (string, error) {
		if err := a.Validate(ctx, req); err != nil {
			return "", fmt.Errorf("%w: %w", ErrNotApplicable, err)
		}
		return a.Execute(ctx, req)
	})

	var res Result
	if err != nil {
		res = failed(KindAction, canonical, err)
	} else {
		res = Result{Kind: KindAction, Name: canonical, Success: true, Text: text}
	}
	observability.RecordCapabilityCall(string(KindAction), canonical, res.Success, time.Since(start))
	return res
}

func (r *Registry) call(ctx context.Context, kind Kind, name string, fn func(context.Context) (string, error)) (text string, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("capability panicked",
				zap.String("kind", string(kind)),
				zap.String("name", name),
				zap.Any("panic", rec))
			text, err = "", fmt.Errorf("%s %s panicked: %v", kind, name, rec)
		}
	}()

	text, err = fn(ctx)
	if err != nil {
		r.logger.Debug("capability failed",
			zap.String("kind", string(kind)),
			zap.String("name", name),
			zap.Error(err))
	}
	return text, err
}
