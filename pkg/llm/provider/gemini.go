package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.0-flash"

// GeminiConfig selects the Gemini backend.
type GeminiConfig struct {
	// APIKey selects the Gemini Developer API.
	APIKey string
	// Project and Location select Vertex AI with Application Default Credentials
	// when APIKey is empty.
	Project  string
	Location string
	Model    string
}

// GeminiProvider implements Provider and Streamer using the Google Gen AI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIKey == "" {
		if cfg.Project == "" {
			return nil, errors.New("gemini: api key or project is required")
		}
		clientCfg = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateCompletion creates a completion using the Gen AI SDK
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model, contents, config := p.buildRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err)
	}

	text, finish := responseText(resp)
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeEmptyResponse, "no candidates in response", nil)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      text,
		FinishReason: finish,
		Usage:        usage,
		Raw:          resp,
	}, nil
}

// CreateStreaming pulls from the SDK's iterator one response at a time.
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	model, contents, config := p.buildRequest(req)

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
	return &geminiStream{next: next, stop: stop, provider: p}, nil
}

func (p *GeminiProvider) buildRequest(req CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	return model, contents, config
}

func responseText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ""
	}
	finish := string(resp.Candidates[0].FinishReason)
	if finish == string(genai.FinishReasonStop) {
		finish = "stop"
	}
	return resp.Text(), finish
}

// wrapError converts Gen AI errors to ProviderError
func (p *GeminiProvider) wrapError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "permission"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		code = ErrorCodeModelNotFound
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		code = ErrorCodeServerError
	}
	return NewProviderError("gemini", code, err.Error(), err)
}

// geminiStream implements Stream over a pulled iter.Seq2
type geminiStream struct {
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	provider *GeminiProvider
	done     bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, s.provider.wrapError(err)
	}

	text, finish := responseText(resp)
	return &StreamChunk{Delta: text, FinishReason: finish}, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
