package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"
)

const (
	openaiDefaultModel = openai.GPT4oMini
	openaiMaxRetries   = 3
)

// OpenAIProvider implements Provider and Streamer for OpenAI-compatible chat APIs.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	maxRetries uint
	retryDelay time.Duration
}

// NewOpenAIProvider creates a provider for the OpenAI API, or any API that
// speaks the same protocol when baseURL is set.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: openaiMaxRetries,
		retryDelay: time.Second,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// CreateCompletion creates a completion, retrying rate limits and server errors
// with exponential backoff.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	chatReq := p.buildRequest(req, false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryDelay

	resp, err := backoff.Retry(ctx, func() (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			wrapped := p.wrapError(err)
			if !IsRetryable(wrapped) {
				return resp, backoff.Permanent(wrapped)
			}
			return resp, wrapped
		}
		return resp, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.maxRetries))
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", ErrorCodeEmptyResponse, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	return &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Raw: resp,
	}, nil
}

// CreateStreaming opens a streaming chat completion.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return &openaiStream{stream: stream, provider: p}, nil
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// wrapError converts go-openai errors to ProviderError
func (p *OpenAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.HTTPStatusCode)
		pe := NewProviderError("openai", code, apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", codeForStatus(reqErr.HTTPStatusCode), reqErr.Error(), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError("openai", ErrorCodeTimeout, err.Error(), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewProviderError("openai", ErrorCodeUnknown, err.Error(), err)
}

// openaiStream adapts go-openai's stream reader to Stream
type openaiStream struct {
	stream   *openai.ChatCompletionStream
	provider *OpenAIProvider
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, s.provider.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return &StreamChunk{}, nil
	}

	choice := resp.Choices[0]
	return &StreamChunk{
		Delta:        choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
