package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/capability"
)

func TestRegister(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	r := capability.NewRegistry()
	require.NoError(t, Register(r, func() time.Time { return fixed }))

	names := []string{}
	for _, d := range r.Providers() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{TimeProvider, RecentMessagesProvider, ActionsProvider}, names)

	ctx := context.Background()

	res := r.GetProvider(ctx, TimeProvider, nil)
	require.True(t, res.Success)
	assert.Equal(t, "The current date and time is 2024-03-09 14:30:00 UTC (Saturday).", res.Text)

	res = r.GetProvider(ctx, ActionsProvider, nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Text, "- NONE:")

	res = r.ExecuteAction(ctx, NoneAction, nil)
	assert.True(t, res.Success)

	assert.Error(t, Register(r, nil), "second registration collides")
}

func TestRecentMessages(t *testing.T) {
	character := &agent.Character{ID: "agent-1", Name: "Eliza"}
	user := agent.NewMessage("c1", "user-1", "hello").WithMetadata(agent.MetaAuthorName, "Sam")
	reply := agent.NewMessage("c1", "agent-1", "hi Sam ")
	progress := agent.NewMessage("c1", "agent-1", "Executing SEND").
		WithMetadata(agent.MetaKind, agent.KindActionProgress)
	anon := agent.NewMessage("c1", "user-2", "me too")

	p := RecentMessages()

	text, err := p.Get(context.Background(), &capability.Request{
		Character: character,
		Recent:    []*agent.Message{user, reply, progress, anon},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sam: hello\nEliza: hi Sam\nuser-2: me too", text)

	text, err = p.Get(context.Background(), &capability.Request{})
	require.NoError(t, err)
	assert.Equal(t, "No recent messages.", text)
}
