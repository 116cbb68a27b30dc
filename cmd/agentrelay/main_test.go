package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentrelay/internal/decision"
	"github.com/aixgo-dev/agentrelay/pkg/config"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "agentrelay dev\n", out.String())
}

func TestEchoResponder(t *testing.T) {
	step, err := decision.ParseStep(echoResponder(provider.CompletionRequest{Purpose: decision.PurposeStep}))
	require.NoError(t, err)
	assert.True(t, step.IsFinish)

	summary, err := decision.ParseSummary(echoResponder(provider.CompletionRequest{
		Purpose: decision.PurposeSummary,
		Input:   "hello",
	}))
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", summary.Text)
}

func TestNewStore(t *testing.T) {
	cfg := config.Default()
	store, err := newStore(cfg)
	require.NoError(t, err)
	assert.NotNil(t, store)

	cfg.Session.Store = "etcd"
	_, err = newStore(cfg)
	assert.ErrorContains(t, err, "unknown session store")
}
