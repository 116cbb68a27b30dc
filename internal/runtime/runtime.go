// Package runtime binds an agent character to the orchestrator and delivers
// its replies. Synchronous transports call Respond directly; asynchronous
// delivery consumes new_message events from the bus and answers through the
// real-time hub.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/hub"
	"github.com/aixgo-dev/agentrelay/internal/orchestrator"
	"github.com/aixgo-dev/agentrelay/internal/streaming"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

var (
	// ErrRuntimeNotStarted is returned when stopping a runtime that was never started.
	ErrRuntimeNotStarted = errors.New("runtime not started")

	// ErrRuntimeAlreadyStarted is returned when starting a running runtime.
	ErrRuntimeAlreadyStarted = errors.New("runtime already started")

	// ErrNoBus is returned by Start when the runtime has no bus to consume.
	ErrNoBus = errors.New("runtime has no bus")
)

// Config contains runtime options.
type Config struct {
	// MaxConcurrentRuns limits parallel orchestrator runs (0 = unlimited).
	MaxConcurrentRuns int

	// RunTimeout bounds one asynchronous run. Default: 5m.
	RunTimeout time.Duration

	// HistoryLimit is the number of earlier messages given to the model. Default: 20.
	HistoryLimit int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns: 16,
		RunTimeout:        5 * time.Minute,
		HistoryLimit:      20,
	}
}

// Runner answers a message. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) (*orchestrator.Result, error)
}

// Delivery pushes agent output to connected clients. *hub.Hub implements it.
type Delivery interface {
	StreamChunk(chunk agent.StreamChunk)
	CompleteStream(channelID, messageID, final string) bool
	BroadcastMessage(msg *agent.Message) int
	UpdateMessage(msg *agent.Message) int
	BroadcastActionProgress(p hub.ActionProgress) *agent.Message
}

// Runtime runs one agent.
type Runtime struct {
	character *agent.Character
	runner    Runner
	sessions  *session.Manager
	cfg       Config
	logger    *zap.Logger

	bus      *bus.Bus
	delivery Delivery

	semaphore chan struct{}

	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithBus sets the bus consumed by Start.
func WithBus(b *bus.Bus) Option {
	return func(r *Runtime) {
		r.bus = b
	}
}

// WithDelivery sets where asynchronous replies go.
func WithDelivery(d Delivery) Option {
	return func(r *Runtime) {
		r.delivery = d
	}
}

// New creates a runtime for character.
func New(character *agent.Character, runner Runner, sessions *session.Manager, cfg Config, opts ...Option) (*Runtime, error) {
	if err := character.Validate(); err != nil {
		return nil, err
	}
	if runner == nil || sessions == nil {
		return nil, errors.New("runtime: runner and session manager are required")
	}

	def := DefaultConfig()
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}

	r := &Runtime{
		character: character,
		runner:    runner,
		sessions:  sessions,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.MaxConcurrentRuns > 0 {
		r.semaphore = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	r.logger = r.logger.With(zap.String("agent", character.Name))
	return r, nil
}

// Character returns the agent this runtime answers as.
func (r *Runtime) Character() *agent.Character {
	return r.character
}

func (r *Runtime) acquire(ctx context.Context) error {
	if r.semaphore == nil {
		return nil
	}
	select {
	case r.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) release() {
	if r.semaphore != nil {
		<-r.semaphore
	}
}

// RespondOptions tunes one Respond call.
type RespondOptions struct {
	// OnChunk receives the reply text as it is generated.
	OnChunk streaming.ChunkFunc

	// Abort cancels streaming. The partial text becomes the reply.
	Abort <-chan struct{}

	// MessageID is the id of the reply. Generated when empty.
	MessageID string

	// Observer receives orchestrator progress events.
	Observer orchestrator.Observer
}

// Reply is the agent's answer to one message.
type Reply struct {
	Message *agent.Message
	Result  *orchestrator.Result
}

// Respond answers msg, which must already be stored on its channel, and
// stores the reply.
func (r *Runtime) Respond(ctx context.Context, msg *agent.Message, opts RespondOptions) (*Reply, error) {
	if msg == nil {
		return nil, errors.New("runtime: message is required")
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	history, _, err := r.sessions.Messages(ctx, msg.ChannelID, session.HistoryOptions{
		Limit:  r.cfg.HistoryLimit,
		Before: msg.CreatedAt,
	})
	if err != nil {
		r.logger.Warn("failed to load history", zap.String("channelId", msg.ChannelID), zap.Error(err))
		history = nil
	}

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	if opts.OnChunk != nil || opts.Abort != nil {
		ctx = streaming.WithContext(ctx, &streaming.Context{
			OnChunk:   opts.OnChunk,
			Abort:     opts.Abort,
			MessageID: messageID,
		})
	}

	res, err := r.runner.Run(ctx, orchestrator.Input{
		Character: r.character,
		Message:   msg,
		History:   history,
		Observer:  opts.Observer,
	})
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	reply := agent.NewMessage(msg.ChannelID, r.character.ID, res.Text).
		WithMetadata(agent.MetaAuthorName, r.character.Name).
		WithMetadata("inReplyTo", msg.ID)
	reply.ID = messageID
	if res.Thought != "" {
		reply.WithMetadata(agent.MetaThought, res.Thought)
	}
	for _, key := range []string{agent.MetaTransport, agent.MetaSessionID} {
		if v := msg.GetMetadataString(key, ""); v != "" {
			reply.WithMetadata(key, v)
		}
	}

	if err := r.sessions.AppendMessage(ctx, reply); err != nil {
		r.logger.Error("failed to store reply", zap.String("channelId", msg.ChannelID), zap.Error(err))
	}
	return &Reply{Message: reply, Result: res}, nil
}

// Start consumes new_message events from the bus.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRuntimeAlreadyStarted
	}
	if r.bus == nil {
		return ErrNoBus
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	unsubscribe, err := r.bus.Subscribe(r.onMessage, bus.EventNewMessage)
	if err != nil {
		r.cancel()
		return err
	}
	r.unsubscribe = unsubscribe
	r.started = true
	r.logger.Info("runtime started")
	return nil
}

// Stop stops consuming the bus, cancels in-flight runs and waits for them.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	r.started = false
	r.unsubscribe()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) onMessage(_ context.Context, ev bus.Event) {
	msg := ev.Message
	if msg == nil || msg.AuthorID == r.character.ID {
		return
	}

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.deliver(ctx, msg)
	}()
}
