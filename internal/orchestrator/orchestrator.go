// Package orchestrator drives the multi-step decision loop for one inbound
// message: ask for a step, consult providers, run an action, repeat until the
// model finishes or the iteration cap is reached, then summarize.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/capability"
	"github.com/aixgo-dev/agentrelay/internal/decision"
	"github.com/aixgo-dev/agentrelay/internal/observability"
	metrics "github.com/aixgo-dev/agentrelay/pkg/observability"
)

// FallbackSummary is the reply used when no summary could be parsed.
const FallbackSummary = "I completed the requested actions, but encountered an issue generating the summary."

// State is the orchestrator state machine position.
type State string

const (
	StateIterating   State = "iterating"
	StateFinishing   State = "finishing"
	StateSummarizing State = "summarizing"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// Stepper produces decision steps and summaries. *decision.Engine implements it.
type Stepper interface {
	Step(ctx context.Context, st *decision.State) (*decision.StepDecision, error)
	Summarize(ctx context.Context, st *decision.State, attempt int) (*decision.Summary, error)
}

// Config bounds a run.
type Config struct {
	// MaxIterations caps decision calls per run.
	MaxIterations int
	// SummaryRetries caps summary attempts.
	SummaryRetries int
	// SummaryBackoff is the initial delay between summary attempts.
	SummaryBackoff time.Duration
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  6,
		SummaryRetries: 3,
		SummaryBackoff: 500 * time.Millisecond,
	}
}

// Input is everything a run needs.
type Input struct {
	Character *agent.Character
	Message   *agent.Message
	History   []*agent.Message

	// Observer receives progress events. May be nil.
	Observer Observer
}

// Result is the outcome of a run. A run always produces Text.
type Result struct {
	Text    string
	Thought string

	// State is the final state, always StateDone.
	State State

	// Aborted is set when the iteration cap was reached before the model finished.
	Aborted bool

	// Iterations counts decision calls.
	Iterations int

	Trace     []capability.Result
	Decisions []*decision.StepDecision

	// SummaryFallback is set when FallbackSummary replaced the model's reply.
	SummaryFallback bool

	// StreamAborted is set when the summary stream was cancelled.
	StreamAborted bool
}

// Orchestrator runs the multi-step loop. It is safe for concurrent use; each
// Run is independent.
type Orchestrator struct {
	stepper  Stepper
	registry *capability.Registry
	cfg      Config
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(stepper Stepper, registry *capability.Registry, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.SummaryRetries <= 0 {
		cfg.SummaryRetries = def.SummaryRetries
	}
	if cfg.SummaryBackoff <= 0 {
		cfg.SummaryBackoff = def.SummaryBackoff
	}

	o := &Orchestrator{
		stepper:  stepper,
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run answers one message. It returns an error only when ctx ends or the
// input is invalid; model and capability failures degrade the reply instead.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Result, error) {
	if err := in.Character.Validate(); err != nil {
		return nil, err
	}
	if in.Message == nil {
		return nil, errors.New("orchestrator: message is required")
	}

	start := time.Now()
	logger := o.logger.With(
		zap.String("agent", in.Character.Name),
		zap.String("messageId", in.Message.ID),
		zap.String("channelId", in.Message.ChannelID),
	)

	ctx, span := observability.StartSpan(ctx, "orchestrator.run", map[string]any{
		"agent":          in.Character.Name,
		"message_id":     in.Message.ID,
		"max_iterations": o.cfg.MaxIterations,
	})
	defer span.End()

	r := &run{
		o:      o,
		in:     in,
		logger: logger,
		st: &decision.State{
			Character:     in.Character,
			Message:       in.Message,
			History:       in.History,
			Providers:     o.registry.Providers(),
			Actions:       o.registry.Actions(),
			MaxIterations: o.cfg.MaxIterations,
		},
		res: &Result{},
	}

	if err := r.iterate(ctx); err != nil {
		span.SetError(err)
		return nil, err
	}
	if err := r.summarize(ctx); err != nil {
		span.SetError(err)
		return nil, err
	}

	r.res.State = StateDone
	r.res.Trace = r.st.Trace
	r.notify(ctx, Event{Type: EventDone, State: StateDone, Iteration: r.res.Iterations})

	span.SetAttribute("iterations", r.res.Iterations)
	span.SetAttribute("aborted", r.res.Aborted)
	span.SetAttribute("summary_fallback", r.res.SummaryFallback)
	finalState := string(StateDone)
	if r.res.Aborted {
		finalState = string(StateAborted)
	}
	metrics.RecordRun(in.Character.Name, finalState, r.res.Iterations, time.Since(start))

	logger.Info("run completed",
		zap.Int("iterations", r.res.Iterations),
		zap.Int("trace", len(r.res.Trace)),
		zap.Bool("aborted", r.res.Aborted),
		zap.Bool("summaryFallback", r.res.SummaryFallback),
		zap.Duration("duration", time.Since(start)))
	return r.res, nil
}

// run is the state of one Run call.
type run struct {
	o      *Orchestrator
	in     Input
	st     *decision.State
	res    *Result
	logger *zap.Logger
}

func (r *run) notify(ctx context.Context, ev Event) {
	if r.in.Observer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("observer panicked", zap.String("event", string(ev.Type)), zap.Any("panic", rec))
		}
	}()
	r.in.Observer(ctx, ev)
}

// iterate runs the Iterating state until the model finishes, a no-op step is
// produced, the model fails, or the cap is reached.
func (r *run) iterate(ctx context.Context) error {
	finished := false

	for r.res.Iterations < r.o.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.res.Iterations++
		iteration := r.res.Iterations
		r.st.Iteration = iteration
		r.notify(ctx, Event{Type: EventIterationStart, State: StateIterating, Iteration: iteration})

		stepCtx, span := observability.StartSpan(ctx, "orchestrator.step", map[string]any{"iteration": iteration})
		d, err := r.o.stepper.Step(stepCtx, r.st)
		if err != nil {
			span.SetError(err)
			span.End()

			var pf *decision.ParseFailure
			if errors.As(err, &pf) {
				metrics.RecordParseFailure("step")
				r.logger.Warn("decision step unparseable, retrying",
					zap.Int("iteration", iteration),
					zap.String("reason", pf.Reason))
				r.notify(ctx, Event{Type: EventIterationEnd, State: StateIterating, Iteration: iteration})
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.logger.Error("decision step failed, finishing", zap.Int("iteration", iteration), zap.Error(err))
			r.notify(ctx, Event{Type: EventIterationEnd, State: StateFinishing, Iteration: iteration})
			finished = true
			break
		}

		r.res.Decisions = append(r.res.Decisions, d)
		if d.Thought != "" {
			r.st.Thoughts = append(r.st.Thoughts, d.Thought)
		}

		if d.IsFinish {
			span.End()
			r.notify(ctx, Event{Type: EventIterationEnd, State: StateFinishing, Iteration: iteration, Thought: d.Thought})
			finished = true
			break
		}
		if d.IsNoop() {
			span.End()
			r.logger.Warn("no-op decision step, forcing finish", zap.Int("iteration", iteration))
			r.notify(ctx, Event{Type: EventIterationEnd, State: StateFinishing, Iteration: iteration, Thought: d.Thought})
			finished = true
			break
		}

		r.consultProviders(stepCtx, iteration, d)
		if d.Action != "" {
			r.runAction(stepCtx, iteration, d)
		}
		span.End()

		r.notify(ctx, Event{Type: EventIterationEnd, State: StateIterating, Iteration: iteration, Thought: d.Thought})
	}

	if !finished {
		r.res.Aborted = true
		r.logger.Warn("iteration cap reached, finishing", zap.Int("maxIterations", r.o.cfg.MaxIterations))
	}
	return nil
}

func (r *run) request(params map[string]any) *capability.Request {
	return &capability.Request{
		Message:    r.in.Message,
		Character:  r.in.Character,
		Recent:     r.in.History,
		Parameters: params,
		Trace:      append([]capability.Result(nil), r.st.Trace...),
	}
}

func (r *run) consultProviders(ctx context.Context, iteration int, d *decision.StepDecision) {
	for _, name := range d.Providers {
		execID := uuid.NewString()
		r.notify(ctx, Event{Type: EventProviderStart, State: StateIterating, Iteration: iteration, Name: name, ExecutionID: execID})

		res := r.o.registry.GetProvider(ctx, name, r.request(nil))
		r.st.Trace = append(r.st.Trace, res)
		if !res.Success {
			r.logger.Warn("provider failed", zap.String("provider", name), zap.String("error", res.Error))
		}

		r.notify(ctx, Event{Type: EventProviderEnd, State: StateIterating, Iteration: iteration, Name: res.Name, ExecutionID: execID, Result: &res})
	}
}

func (r *run) runAction(ctx context.Context, iteration int, d *decision.StepDecision) {
	params := ExtractParameters(d.Parameters, r.logger)
	execID := uuid.NewString()
	r.notify(ctx, Event{Type: EventActionStart, State: StateIterating, Iteration: iteration, Name: d.Action, ExecutionID: execID, Thought: d.Thought})

	res := r.o.registry.ExecuteAction(ctx, d.Action, r.request(params))
	r.st.Trace = append(r.st.Trace, res)
	if !res.Success {
		r.logger.Warn("action failed", zap.String("action", d.Action), zap.String("error", res.Error))
	}

	r.notify(ctx, Event{Type: EventActionEnd, State: StateIterating, Iteration: iteration, Name: res.Name, ExecutionID: execID, Result: &res})
}

// summarize runs the Finishing and Summarizing states.
func (r *run) summarize(ctx context.Context) error {
	r.st.Iteration = r.res.Iterations
	r.notify(ctx, Event{Type: EventSummarizing, State: StateSummarizing, Iteration: r.res.Iterations})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.o.cfg.SummaryBackoff

	attempt := 0
	summary, err := backoff.Retry(ctx, func() (*decision.Summary, error) {
		attempt++
		s, err := r.o.stepper.Summarize(ctx, r.st, attempt)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		var pf *decision.ParseFailure
		if errors.As(err, &pf) {
			metrics.RecordParseFailure("summary")
			r.logger.Warn("summary unparseable", zap.Int("attempt", attempt), zap.String("reason", pf.Reason))
		} else {
			r.logger.Warn("summary generation failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.o.cfg.SummaryRetries)))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("summary: %w", ctxErr)
		}
		r.logger.Error("summary attempts exhausted, using fallback", zap.Int("attempts", attempt), zap.Error(err))
		r.res.Text = FallbackSummary
		r.res.SummaryFallback = true
		return nil
	}

	r.res.Text = summary.Text
	r.res.Thought = summary.Thought
	r.res.StreamAborted = summary.Aborted
	if r.res.Text == "" {
		r.res.Text = FallbackSummary
		r.res.SummaryFallback = true
	}
	return nil
}
