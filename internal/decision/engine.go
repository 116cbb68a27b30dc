// Package decision asks the model what to do next and parses its answer.
//
// The Engine renders a prompt from the accumulated State, calls the model
// provider through the streaming package and parses the output with the
// permissive ParseStep and ParseSummary functions. Parsing never panics and
// never retries; a *ParseFailure is returned and the caller decides.
package decision

import (
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/internal/streaming"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

// Request purposes.
const (
	PurposeStep    = "decision_step"
	PurposeSummary = "summary"
)

// Engine runs single decision steps and summaries against a model provider.
type Engine struct {
	provider provider.Provider
	logger   *zap.Logger
	stream   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStreaming controls whether summaries stream to listeners. Enabled by default.
func WithStreaming(enabled bool) Option {
	return func(e *Engine) {
		e.stream = enabled
	}
}

// NewEngine creates an engine over p.
func NewEngine(p provider.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider: p,
		logger:   zap.NewNop(),
		stream:   true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step asks the model for the next step. Model output is never streamed to
// listeners. Provider errors are returned wrapped; unparseable output is
// returned as a *ParseFailure.
func (e *Engine) Step(ctx context.Context, st *State) (*StepDecision, error) {
	req, err := e.request(st, stepTemplate, PurposeStep)
	if err != nil {
		return nil, err
	}

	res, err := streaming.Generate(ctx, e.provider, req, streaming.Options{
		Stream: streaming.Bool(false),
		Logger: e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("decision step: %w", err)
	}

	d, err := ParseStep(res.Text)
	if err != nil {
		e.logger.Debug("step parse failed", zap.Int("iteration", st.Iteration), zap.String("raw", res.Text))
		return nil, err
	}
	return d, nil
}

// Summarize asks the model for the final reply. Only the first attempt
// streams, and only the content of the <text> element reaches the listeners
// of the streaming context attached to ctx. An aborted stream yields its
// partial text as the summary.
func (e *Engine) Summarize(ctx context.Context, st *State, attempt int) (*Summary, error) {
	req, err := e.request(st, summaryTemplate, PurposeSummary)
	if err != nil {
		return nil, err
	}

	opts := streaming.Options{Stream: streaming.Bool(e.stream && attempt <= 1), Logger: e.logger}

	var filter *textFilter
	if sc := streaming.FromContext(ctx); sc != nil && sc.OnChunk != nil && attempt <= 1 {
		filter = newTextFilter(func(s string) {
			if err := sc.OnChunk(ctx, s); err != nil {
				e.logger.Warn("summary listener failed", zap.Error(err))
			}
		})
		ctx = streaming.WithContext(ctx, &streaming.Context{
			OnChunk: func(_ context.Context, chunk string) error {
				filter.Write(chunk)
				return nil
			},
			Abort:     sc.Abort,
			MessageID: sc.MessageID,
		})
	}

	res, err := streaming.Generate(ctx, e.provider, req, opts)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	if res.Aborted {
		s := &Summary{Aborted: true}
		if parsed, perr := ParseSummary(res.Text); perr == nil {
			s.Thought, s.Text = parsed.Thought, parsed.Text
		} else if filter != nil {
			s.Text = filter.Text()
		}
		return s, nil
	}

	s, err := ParseSummary(res.Text)
	if err != nil {
		var pf *ParseFailure
		if errors.As(err, &pf) {
			e.logger.Debug("summary parse failed", zap.Int("attempt", attempt), zap.String("raw", res.Text))
		}
		return nil, err
	}
	return s, nil
}

func (e *Engine) request(st *State, tmpl *template.Template, purpose string) (provider.CompletionRequest, error) {
	if st == nil || st.Character == nil {
		return provider.CompletionRequest{}, errors.New("decision: state requires a character")
	}

	prompt, err := buildPrompt(tmpl, st)
	if err != nil {
		return provider.CompletionRequest{}, fmt.Errorf("render %s prompt: %w", purpose, err)
	}

	req := provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: st.Character.SystemPrompt()},
			{Role: provider.RoleUser, Content: prompt},
		},
		Model:       st.Character.Model,
		Temperature: st.Character.Temperature,
		MaxTokens:   st.Character.MaxTokens,
		Purpose:     purpose,
	}
	if st.Message != nil {
		req.Input = st.Message.Content
	}
	return req, nil
}
