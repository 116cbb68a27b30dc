package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

type recorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *recorder) listen(_ context.Context, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

// fixedStreamer hands out one prepared stream so tests can inspect it.
type fixedStreamer struct {
	*provider.MockProvider
	stream *provider.SliceStream
}

func (f *fixedStreamer) CreateStreaming(context.Context, provider.CompletionRequest) (provider.Stream, error) {
	return f.stream, nil
}

func request() provider.CompletionRequest {
	return provider.CompletionRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}}
}

func TestGenerate_StreamsAllChunks(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddStreamChunks("A", "B", "C")
	var rec recorder

	res, err := Generate(context.Background(), mock, request(), Options{OnChunk: rec.listen})
	require.NoError(t, err)

	assert.Equal(t, "ABC", res.Text)
	assert.True(t, res.Streamed)
	assert.False(t, res.Aborted)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, []string{"A", "B", "C"}, rec.got())
}

func TestGenerate_AbortKeepsPartialText(t *testing.T) {
	stream := provider.NewSliceStream("A", "B", "C")
	p := &fixedStreamer{MockProvider: provider.NewMockProvider("mock"), stream: stream}

	abort := make(chan struct{})
	var rec recorder
	onChunk := func(ctx context.Context, chunk string) error {
		_ = rec.listen(ctx, chunk)
		if len(rec.got()) == 2 {
			close(abort)
		}
		return nil
	}

	res, err := Generate(context.Background(), p, request(), Options{OnChunk: onChunk, Abort: abort})
	require.NoError(t, err, "abort is not an error")

	assert.Equal(t, "AB", res.Text)
	assert.True(t, res.Aborted)
	assert.Equal(t, []string{"A", "B"}, rec.got())
	assert.Equal(t, 2, stream.Pulled(), "no chunk is pulled after abort")
}

func TestGenerate_AmbientAbort(t *testing.T) {
	abort := make(chan struct{})
	close(abort)
	ctx := WithContext(context.Background(), &Context{Abort: abort, OnChunk: func(context.Context, string) error { return nil }})

	mock := provider.NewMockProvider("mock").AddStreamChunks("never")
	res, err := Generate(ctx, mock, request(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Empty(t, res.Text)
	assert.Equal(t, 0, mock.CallCount(), "model is not called once aborted")
}

func TestGenerate_NonStreamingProviderFallsBack(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("whole answer")
	var rec recorder

	res, err := Generate(context.Background(), provider.WithoutStreaming(mock), request(), Options{OnChunk: rec.listen})
	require.NoError(t, err)

	assert.Equal(t, "whole answer", res.Text)
	assert.False(t, res.Streamed)
	assert.Empty(t, rec.got())
}

func TestGenerate_StreamFalseNeverCallsListeners(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddStreamChunks("A", "B")
	var direct, ambient recorder
	ctx := WithContext(context.Background(), &Context{OnChunk: ambient.listen})

	res, err := Generate(ctx, mock, request(), Options{Stream: Bool(false), OnChunk: direct.listen})
	require.NoError(t, err)

	assert.Equal(t, "AB", res.Text)
	assert.Empty(t, direct.got())
	assert.Empty(t, ambient.got())
	assert.Equal(t, 0, mock.StreamCount())
}

func TestGenerate_NoListenersUsesCompletion(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddResponse("quiet")

	res, err := Generate(context.Background(), mock, request(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "quiet", res.Text)
	assert.Equal(t, 0, mock.StreamCount())
}

func TestGenerate_ListenerFailuresAreIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mock := provider.NewMockProvider("mock").AddStreamChunks("x", "y")

	var ambient recorder
	ctx := WithContext(context.Background(), &Context{OnChunk: ambient.listen, MessageID: "m1"})

	calls := 0
	failing := func(context.Context, string) error {
		calls++
		if calls == 1 {
			panic("listener bug")
		}
		return errors.New("write failed")
	}

	res, err := Generate(ctx, mock, request(), Options{OnChunk: failing, Logger: zap.New(core)})
	require.NoError(t, err)

	assert.Equal(t, "xy", res.Text)
	assert.Equal(t, []string{"x", "y"}, ambient.got(), "other listeners still receive every chunk")
	assert.Equal(t, 1, logs.FilterMessage("stream listener panicked").Len())
	assert.Equal(t, 1, logs.FilterMessage("stream listener failed").Len())
}

func TestGenerate_ProviderError(t *testing.T) {
	mock := provider.NewMockProvider("mock").AddError(errors.New("rate limited"))

	_, err := Generate(context.Background(), mock, request(), Options{})
	assert.EqualError(t, err, "rate limited")
}

func TestGenerate_ContextCancelled(t *testing.T) {
	stream := provider.NewSliceStream("A", "B", "C")
	p := &fixedStreamer{MockProvider: provider.NewMockProvider("mock"), stream: stream}

	ctx, cancel := context.WithCancel(context.Background())
	onChunk := func(context.Context, string) error {
		cancel()
		return nil
	}

	res, err := Generate(ctx, p, request(), Options{OnChunk: onChunk})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "A", res.Text)
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	sc := &Context{MessageID: "m1"}
	assert.Same(t, sc, FromContext(WithContext(context.Background(), sc)))
}
