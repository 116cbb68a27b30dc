package provider

import (
	"context"
	"fmt"
	"os"
)

// Options selects and configures a provider backend.
type Options struct {
	// Backend is one of "openai", "gemini" or "mock".
	Backend  string
	APIKey   string
	BaseURL  string
	Model    string
	Project  string
	Location string
}

// New constructs the provider named by opts.Backend. API keys fall back to
// OPENAI_API_KEY and GEMINI_API_KEY.
func New(ctx context.Context, opts Options) (Provider, error) {
	switch opts.Backend {
	case "openai":
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(apiKey, opts.BaseURL, opts.Model), nil

	case "gemini":
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey:   apiKey,
			Project:  opts.Project,
			Location: opts.Location,
			Model:    opts.Model,
		})

	case "mock", "":
		return NewMockProvider("mock"), nil

	default:
		return nil, fmt.Errorf("unknown provider backend: %s", opts.Backend)
	}
}
