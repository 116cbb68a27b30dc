// Package builtin provides the capabilities every agent gets by default.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/capability"
)

// Capability names.
const (
	TimeProvider           = "TIME"
	RecentMessagesProvider = "RECENT_MESSAGES"
	ActionsProvider        = "ACTIONS"
	NoneAction             = "NONE"
)

// Register adds the built-in providers and actions to r. now may be nil.
func Register(r *capability.Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	caps := []any{
		Time(now),
		RecentMessages(),
		Actions(r),
		None(),
	}
	for _, c := range caps {
		var err error
		switch c := c.(type) {
		case capability.Provider:
			err = r.RegisterProvider(c)
		case capability.Action:
			err = r.RegisterAction(c)
		}
		if err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

// Time reports the current UTC date and time.
func Time(now func() time.Time) capability.Provider {
	return capability.ProviderFunc{
		ProviderName: TimeProvider,
		Desc:         "Current date and time in UTC.",
		Fn: func(context.Context, *capability.Request) (string, error) {
			t := now().UTC()
			return fmt.Sprintf("The current date and time is %s (%s).",
				t.Format("2006-01-02 15:04:05 MST"), t.Weekday()), nil
		},
	}
}

// RecentMessages renders the conversation window.
func RecentMessages() capability.Provider {
	return capability.ProviderFunc{
		ProviderName: RecentMessagesProvider,
		Desc:         "The most recent messages in this conversation.",
		Fn: func(_ context.Context, req *capability.Request) (string, error) {
			if req == nil || len(req.Recent) == 0 {
				return "No recent messages.", nil
			}
			return FormatMessages(req.Recent, req.Character), nil
		},
	}
}

// FormatMessages renders messages one per line as "name: content".
func FormatMessages(msgs []*agent.Message, character *agent.Character) string {
	var b strings.Builder
	for _, m := range msgs {
		if m == nil || m.Kind() == agent.KindActionProgress {
			continue
		}
		name := m.GetMetadataString(agent.MetaAuthorName, m.AuthorID)
		if character != nil && m.AuthorID == character.ID {
			name = character.Name
		}
		fmt.Fprintf(&b, "%s: %s\n", name, strings.TrimSpace(m.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Actions lists the actions registered in r.
func Actions(r *capability.Registry) capability.Provider {
	return capability.ProviderFunc{
		ProviderName: ActionsProvider,
		Desc:         "The actions available to the agent and what they do.",
		Fn: func(context.Context, *capability.Request) (string, error) {
			var b strings.Builder
			for _, d := range r.Actions() {
				fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// None acknowledges a request without side effects.
func None() capability.Action {
	return capability.ActionFunc{
		ActionName: NoneAction,
		Desc:       "Take no action. Use when the message only needs a reply.",
		ExecuteFn: func(context.Context, *capability.Request) (string, error) {
			return "No action taken.", nil
		},
	}
}
