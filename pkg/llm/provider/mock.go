package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// MockProvider is a scriptable provider for tests and offline runs.
// Queued responses are consumed in order by both CreateCompletion and
// CreateStreaming; once the queue is empty Responder (or a fixed default)
// answers. It is safe for concurrent use.
type MockProvider struct {
	name string

	// Responder answers requests when no scripted response is queued.
	Responder func(CompletionRequest) string

	mu       sync.Mutex
	queue    []mockResponse
	calls    []CompletionRequest
	streamed int
}

type mockResponse struct {
	content string
	chunks  []string
	err     error
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// AddResponse queues a plain text response.
func (m *MockProvider) AddResponse(content string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResponse{content: content})
	return m
}

// AddStreamChunks queues a response delivered as exactly these chunks when streamed.
func (m *MockProvider) AddStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResponse{chunks: chunks, content: strings.Join(chunks, "")})
	return m
}

// AddError queues an error.
func (m *MockProvider) AddError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResponse{err: err})
	return m
}

// Calls returns a copy of every request received so far.
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.calls...)
}

// CallCount returns the number of requests received so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// StreamCount returns how many requests were served as streams.
func (m *MockProvider) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamed
}

func (m *MockProvider) next(req CompletionRequest) mockResponse {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return resp
	}
	responder := m.Responder
	m.mu.Unlock()

	if responder != nil {
		return mockResponse{content: responder(req)}
	}
	return mockResponse{content: "Mock response"}
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := m.next(request)
	if resp.err != nil {
		return nil, resp.err
	}

	return &CompletionResponse{
		Content:      resp.content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: len(resp.content) / 4, // Rough token estimate
			TotalTokens:      10 + len(resp.content)/4,
		},
	}, nil
}

// CreateStreaming implements Streamer
func (m *MockProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := m.next(request)
	if resp.err != nil {
		return nil, resp.err
	}

	m.mu.Lock()
	m.streamed++
	m.mu.Unlock()

	chunks := resp.chunks
	if chunks == nil {
		chunks = SplitWords(resp.content)
	}
	return NewSliceStream(chunks...), nil
}

// SplitWords splits text into chunks that keep their trailing whitespace,
// so that joining them restores the original text.
func SplitWords(text string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			chunks = append(chunks, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

// SliceStream replays a fixed list of chunks.
type SliceStream struct {
	mu     sync.Mutex
	chunks []string
	pos    int
	closed bool
}

// NewSliceStream creates a stream over the given chunks.
func NewSliceStream(chunks ...string) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// Recv implements Stream
func (s *SliceStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("stream closed")
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}

	chunk := &StreamChunk{Delta: s.chunks[s.pos]}
	s.pos++
	if s.pos == len(s.chunks) {
		chunk.FinishReason = "stop"
	}
	return chunk, nil
}

// Pulled reports how many chunks have been handed out.
func (s *SliceStream) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Close implements Stream
func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
