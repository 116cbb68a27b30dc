// Package streaming wraps one model invocation and fans its incremental
// output out to every interested listener.
//
// Listeners are carried explicitly: the direct caller passes Options.OnChunk,
// and the request that triggered the invocation may attach a Context to the
// context.Context chain with WithContext. Both receive every chunk.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
)

// ChunkFunc receives one increment of model output. Returned errors are
// logged and do not stop delivery to other listeners.
type ChunkFunc func(ctx context.Context, chunk string) error

// Context is the per-request streaming state: who listens, when to stop and
// which message the chunks belong to.
type Context struct {
	OnChunk   ChunkFunc
	Abort     <-chan struct{}
	MessageID string
}

type contextKey struct{}

// WithContext attaches sc to ctx for the duration of one request.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the streaming context attached to ctx, or nil.
func FromContext(ctx context.Context) *Context {
	sc, _ := ctx.Value(contextKey{}).(*Context)
	return sc
}

// Options controls a single Generate call.
type Options struct {
	// Stream set to false forces a single non-streamed completion even when
	// listeners are present. Nil means stream when possible.
	Stream *bool

	// OnChunk is the direct caller's listener.
	OnChunk ChunkFunc

	// Abort stops consumption when closed, in addition to the ambient Context's.
	Abort <-chan struct{}

	Logger *zap.Logger
}

// Bool returns a pointer to b, for Options.Stream.
func Bool(b bool) *bool {
	return &b
}

// Result is the outcome of Generate.
type Result struct {
	// Text is the full output, or the partial output when aborted.
	Text string

	// Aborted is set when an abort signal stopped the stream early.
	Aborted bool

	// Streamed reports whether the incremental path was used.
	Streamed bool

	// Chunks counts deliveries of non-empty increments.
	Chunks int

	FinishReason string
}

// Generate runs req against p. When p implements provider.Streamer, streaming
// is not disabled and at least one listener exists, chunks are pulled one at
// a time and pushed to all listeners; abort and ctx cancellation are checked
// before each pull. An aborted stream returns its partial text and a nil
// error. Otherwise a single completion is returned and no listener is called.
func Generate(ctx context.Context, p provider.Provider, req provider.CompletionRequest, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sc := FromContext(ctx)
	listeners := make([]ChunkFunc, 0, 2)
	if opts.OnChunk != nil {
		listeners = append(listeners, opts.OnChunk)
	}
	aborts := make([]<-chan struct{}, 0, 2)
	if opts.Abort != nil {
		aborts = append(aborts, opts.Abort)
	}
	if sc != nil {
		if sc.OnChunk != nil {
			listeners = append(listeners, sc.OnChunk)
		}
		if sc.Abort != nil {
			aborts = append(aborts, sc.Abort)
		}
	}

	streamer, canStream := p.(provider.Streamer)
	useStream := canStream && len(listeners) > 0 && (opts.Stream == nil || *opts.Stream)

	if !useStream {
		resp, err := p.CreateCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Text: resp.Content, FinishReason: resp.FinishReason}, nil
	}

	res := &Result{Streamed: true}
	if aborted(aborts) {
		res.Aborted = true
		return res, nil
	}

	stream, err := streamer.CreateStreaming(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Debug("stream close failed", zap.Error(cerr))
		}
	}()

	var text strings.Builder
	for {
		if aborted(aborts) {
			res.Aborted = true
			break
		}
		if err := ctx.Err(); err != nil {
			res.Text = text.String()
			return res, err
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Text = text.String()
			return res, fmt.Errorf("stream recv: %w", err)
		}

		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			continue
		}
		text.WriteString(chunk.Delta)
		res.Chunks++
		for _, l := range listeners {
			deliver(ctx, logger, l, chunk.Delta)
		}
	}

	res.Text = text.String()
	return res, nil
}

func aborted(chans []<-chan struct{}) bool {
	for _, ch := range chans {
		select {
		case <-ch:
			return true
		default:
		}
	}
	return false
}

// deliver calls one listener, isolating its errors and panics.
func deliver(ctx context.Context, logger *zap.Logger, l ChunkFunc, chunk string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("stream listener panicked", zap.Any("panic", rec))
		}
	}()
	if err := l(ctx, chunk); err != nil {
		logger.Warn("stream listener failed", zap.Error(err))
	}
}
