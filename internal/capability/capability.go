// Package capability holds the named providers and actions an agent can use
// while answering a message.
//
// Providers are read-only context suppliers (current time, recent messages).
// Actions are side-effecting operations that are validated for applicability
// before every execution. Both are looked up by name at runtime; resolution
// and execution failures are reported as a Result, never as a panic.
package capability

import (
	"context"
	"errors"
	"strings"

	"github.com/aixgo-dev/agentrelay/agent"
)

var (
	// ErrNotFound is returned when no capability is registered under a name.
	ErrNotFound = errors.New("capability not found")

	// ErrNotApplicable is returned when an action's validation rejects the request.
	ErrNotApplicable = errors.New("action not applicable")

	// ErrRateLimited is returned when an action exceeds its execution limit.
	ErrRateLimited = errors.New("action rate limit exceeded")
)

// Kind distinguishes providers from actions in a trace.
type Kind string

const (
	KindProvider Kind = "provider"
	KindAction   Kind = "action"
)

// Request is the input passed to providers and actions.
type Request struct {
	// Message is the inbound user message being answered.
	Message *agent.Message

	// Character is the agent answering the message.
	Character *agent.Character

	// Recent holds the conversation window, oldest first.
	Recent []*agent.Message

	// Parameters are the action parameters chosen by the model.
	Parameters map[string]any

	// Trace holds results recorded earlier in the same run.
	Trace []Result
}

// Param returns a string parameter or "".
func (r *Request) Param(key string) string {
	if r == nil || r.Parameters == nil {
		return ""
	}
	if s, ok := r.Parameters[key].(string); ok {
		return s
	}
	return ""
}

// Provider supplies read-only context to the decision loop.
type Provider interface {
	Name() string
	Description() string
	Get(ctx context.Context, req *Request) (string, error)
}

// Action performs a side effect on behalf of the agent.
type Action interface {
	Name() string
	Description() string
	// Validate reports whether the action applies to req. A non-nil error
	// prevents execution.
	Validate(ctx context.Context, req *Request) error
	Execute(ctx context.Context, req *Request) (string, error)
}

// Descriptor names a capability for prompt building.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Result is one entry of a run's trace.
type Result struct {
	Kind    Kind   `json:"kind"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`

	// Err is the underlying failure, if any.
	Err error `json:"-"`
}

func failed(kind Kind, name string, err error) Result {
	return Result{Kind: kind, Name: name, Success: false, Error: err.Error(), Err: err}
}

// NormalizeName canonicalizes a capability name. Names are case-insensitive.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ProviderName string
	Desc         string
	Fn           func(ctx context.Context, req *Request) (string, error)
}

func (p ProviderFunc) Name() string        { return p.ProviderName }
func (p ProviderFunc) Description() string { return p.Desc }

func (p ProviderFunc) Get(ctx context.Context, req *Request) (string, error) {
	return p.Fn(ctx, req)
}

// ActionFunc adapts functions to the Action interface. A nil ValidateFn
// accepts every request.
type ActionFunc struct {
	ActionName string
	Desc       string
	ValidateFn func(ctx context.Context, req *Request) error
	ExecuteFn  func(ctx context.Context, req *Request) (string, error)
}

func (a ActionFunc) Name() string        { return a.ActionName }
func (a ActionFunc) Description() string { return a.Desc }

func (a ActionFunc) Validate(ctx context.Context, req *Request) error {
	if a.ValidateFn == nil {
		return nil
	}
	return a.ValidateFn(ctx, req)
}

func (a ActionFunc) Execute(ctx context.Context, req *Request) (string, error) {
	return a.ExecuteFn(ctx, req)
}
