package decision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/capability"
	"github.com/aixgo-dev/agentrelay/internal/streaming"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

func testState() *State {
	character := &agent.Character{ID: "agent-1", Name: "Eliza", System: "Be brief.", Model: "test-model"}
	return &State{
		Character: character,
		Message:   agent.NewMessage("c1", "user-1", "what time is it?").WithMetadata(agent.MetaAuthorName, "Sam"),
		History:   []*agent.Message{agent.NewMessage("c1", "user-1", "hello")},
		Providers: []capability.Descriptor{{Name: "TIME", Description: "Current time."}},
		Actions:   []capability.Descriptor{{Name: "NONE", Description: "Nothing."}},
		Trace: []capability.Result{
			{Kind: capability.KindProvider, Name: "TIME", Success: true, Text: "It is noon."},
			{Kind: capability.KindAction, Name: "NONE", Success: false, Error: "not applicable"},
		},
		Thoughts:      []string{"check the clock"},
		Iteration:     2,
		MaxIterations: 6,
	}
}

type chunkLog struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkLog) add(_ context.Context, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, s)
	return nil
}

func (c *chunkLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestEngine_Step(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddResponse("<thought>done</thought><isFinish>true</isFinish>")
	engine := NewEngine(mock)

	var listener chunkLog
	ctx := streaming.WithContext(context.Background(), &streaming.Context{OnChunk: listener.add})

	d, err := engine.Step(ctx, testState())
	require.NoError(t, err)
	assert.True(t, d.IsFinish)
	assert.Equal(t, "done", d.Thought)

	assert.Empty(t, listener.all(), "decision steps are never streamed")
	assert.Equal(t, 0, mock.StreamCount())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, PurposeStep, req.Purpose)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "what time is it?", req.Input)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "Be brief.", req.Messages[0].Content)

	prompt := req.Messages[1].Content
	for _, want := range []string{
		"user-1: hello",
		"Sam: what time is it?",
		"- TIME: Current time.",
		"- NONE: Nothing.",
		"1. [provider] TIME: success\nIt is noon.",
		"2. [action] NONE: failed\nerror: not applicable",
		"- check the clock",
		"step 2 of at most 6",
		"<isFinish>",
	} {
		assert.Contains(t, prompt, want)
	}
}

func TestEngine_StepErrors(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddError(errors.New("upstream 500")).
		AddResponse("no structure here")
	engine := NewEngine(mock)

	_, err := engine.Step(context.Background(), testState())
	require.Error(t, err)
	var pf *ParseFailure
	assert.False(t, errors.As(err, &pf), "provider errors are not parse failures")

	_, err = engine.Step(context.Background(), testState())
	assert.True(t, errors.As(err, &pf))

	_, err = engine.Step(context.Background(), &State{})
	assert.Error(t, err)
}

func TestEngine_SummarizeStreamsTextOnly(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddStreamChunks("<response><thought>t</thought><text>", "Hel", "lo", "</text></response>")
	engine := NewEngine(mock)

	var listener chunkLog
	ctx := streaming.WithContext(context.Background(), &streaming.Context{OnChunk: listener.add})

	s, err := engine.Summarize(ctx, testState(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Hello", s.Text)
	assert.Equal(t, "t", s.Thought)
	assert.False(t, s.Aborted)
	assert.Equal(t, []string{"Hel", "lo"}, listener.all())
	assert.Equal(t, PurposeSummary, mock.Calls()[0].Purpose)
}

func TestEngine_SummarizeRetryDoesNotStream(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("<text>second try</text>")
	engine := NewEngine(mock)

	var listener chunkLog
	ctx := streaming.WithContext(context.Background(), &streaming.Context{OnChunk: listener.add})

	s, err := engine.Summarize(ctx, testState(), 2)
	require.NoError(t, err)
	assert.Equal(t, "second try", s.Text)
	assert.Empty(t, listener.all())
	assert.Equal(t, 0, mock.StreamCount())
}

func TestEngine_SummarizeStreamingDisabled(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("<text>quiet</text>")
	engine := NewEngine(mock, WithStreaming(false))

	var listener chunkLog
	ctx := streaming.WithContext(context.Background(), &streaming.Context{OnChunk: listener.add})

	s, err := engine.Summarize(ctx, testState(), 1)
	require.NoError(t, err)
	assert.Equal(t, "quiet", s.Text)
	assert.Empty(t, listener.all())
}

func TestEngine_SummarizeAbortReturnsPartial(t *testing.T) {
	mock := provider.NewMockProvider("mock").
		AddStreamChunks("<response><text>", "Hel", "lo", "</text></response>")
	engine := NewEngine(mock)

	abort := make(chan struct{})
	var listener chunkLog
	ctx := streaming.WithContext(context.Background(), &streaming.Context{
		Abort: abort,
		OnChunk: func(ctx context.Context, s string) error {
			_ = listener.add(ctx, s)
			close(abort)
			return nil
		},
	})

	s, err := engine.Summarize(ctx, testState(), 1)
	require.NoError(t, err)
	assert.True(t, s.Aborted)
	assert.Equal(t, "Hel", s.Text)
	assert.Equal(t, []string{"Hel"}, listener.all())
}

func TestEngine_SummarizeParseFailure(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("just prose")
	engine := NewEngine(mock)

	_, err := engine.Summarize(context.Background(), testState(), 1)
	var pf *ParseFailure
	assert.True(t, errors.As(err, &pf))
}
